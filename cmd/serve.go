package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/monitoring"
	"github.com/fleetops/fleetsync/internal/scheduler"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the task and records API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		// Background health checks alongside the API.
		checker := monitoring.NewChecker(env.Collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		go checker.Run(ctx)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/api", func(r chi.Router) {
			r.Post("/tasks", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Kind string `json:"kind"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
					writeError(w, http.StatusBadRequest, "invalid request body")
					return
				}
				task, err := env.Scheduler.Submit(model.TaskKind(body.Kind))
				if err != nil {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				writeJSON(w, http.StatusAccepted, task)
			})

			r.Get("/tasks", func(w http.ResponseWriter, req *http.Request) {
				filter := model.TaskFilter{
					Kind:   model.TaskKind(req.URL.Query().Get("kind")),
					Status: model.TaskStatus(req.URL.Query().Get("status")),
				}
				writeJSON(w, http.StatusOK, env.Scheduler.List(filter))
			})

			r.Get("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
				task, err := env.Scheduler.Get(chi.URLParam(req, "id"))
				if err != nil {
					writeError(w, http.StatusNotFound, "task not found")
					return
				}
				writeJSON(w, http.StatusOK, task)
			})

			r.Delete("/tasks/{id}", func(w http.ResponseWriter, req *http.Request) {
				task, err := env.Scheduler.Cancel(chi.URLParam(req, "id"))
				if err != nil {
					status := http.StatusConflict
					if eris.Is(err, scheduler.ErrUnknownTask) {
						status = http.StatusNotFound
					}
					writeError(w, status, err.Error())
					return
				}
				writeJSON(w, http.StatusOK, task)
			})

			r.Get("/records", func(w http.ResponseWriter, req *http.Request) {
				q := req.URL.Query()
				filter := model.RecordFilter{
					VehicleRef:    q.Get("vehicle_ref"),
					Status:        model.TripStatus(q.Get("status")),
					OnlyMatched:   q.Get("matched") == "true",
					OnlyConflicts: q.Get("conflicts") == "true",
				}
				writeJSON(w, http.StatusOK, env.Ledger.Query(filter))
			})

			r.Get("/records/{source}/{trip_id}", func(w http.ResponseWriter, req *http.Request) {
				id := model.TripIdentity{
					Source: model.Source(chi.URLParam(req, "source")),
					TripID: chi.URLParam(req, "trip_id"),
				}
				rec, ok := env.Ledger.Get(id)
				if !ok {
					writeError(w, http.StatusNotFound, "record not found")
					return
				}
				writeJSON(w, http.StatusOK, rec)
			})

			r.Get("/vehicles", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, env.Ledger.Vehicles())
			})

			r.Get("/vehicles/summary", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, env.Ledger.VehicleSummaries())
			})

			r.Get("/payouts", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, env.Ledger.Payouts())
			})

			r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, env.Collector.Collect(cfg.Monitoring.LookbackWindowHours))
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
