package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/model"
)

// DashboardAdapter scrapes the host dashboard's JSON endpoints for
// vehicles, trips, earnings, and reviews. Each fetch acquires its own
// session and releases it on every exit path; sessions are never shared
// across tasks.
type DashboardAdapter struct {
	cfg    config.DashboardConfig
	client *fetcher.HTTPClient
	log    *zap.Logger
}

// NewDashboardAdapter creates the scrape adapter.
func NewDashboardAdapter(cfg config.DashboardConfig, client *fetcher.HTTPClient) *DashboardAdapter {
	return &DashboardAdapter{
		cfg:    cfg,
		client: client,
		log:    zap.L().With(zap.String("component", "source.dashboard")),
	}
}

func (a *DashboardAdapter) Source() model.Source { return model.SourceScrape }

func (a *DashboardAdapter) Kinds() []model.TaskKind {
	return []model.TaskKind{model.TaskKindVehicles, model.TaskKindTrips, model.TaskKindEarnings, model.TaskKindReviews}
}

// session is the per-task dashboard session. Acquired at fetch start,
// released when the fetch returns, regardless of outcome.
type session struct {
	token string
}

func (s *session) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func (a *DashboardAdapter) acquireSession(ctx context.Context) (*session, error) {
	if a.cfg.SessionToken == "" {
		return nil, eris.New("dashboard: no session token configured")
	}
	s := &session{token: a.cfg.SessionToken}

	// Probe the account endpoint so an expired session fails the task up
	// front instead of midway through pagination.
	var probe struct {
		AccountID string `json:"account_id"`
	}
	url := fmt.Sprintf("%s/api/host/me", a.cfg.BaseURL)
	if err := a.client.GetJSON(ctx, url, s.headers(), &probe); err != nil {
		return nil, eris.Wrap(err, "dashboard: acquire session")
	}
	return s, nil
}

func (a *DashboardAdapter) releaseSession(s *session) {
	// The dashboard holds no server-side state for API sessions; release
	// is local bookkeeping only.
	s.token = ""
}

// Fetch pulls one dataset from the dashboard, paginating until the
// server reports no further pages. Cancellation is observed between
// pages.
func (a *DashboardAdapter) Fetch(ctx context.Context, kind model.TaskKind, since time.Time) ([]model.RawRecord, error) {
	endpoint, entity, err := a.endpointFor(kind)
	if err != nil {
		return nil, err
	}

	sess, err := a.acquireSession(ctx)
	if err != nil {
		return nil, err
	}
	defer a.releaseSession(sess)

	pageSize := a.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var records []model.RawRecord
	for page := 0; ; page++ {
		// Cancellation checkpoint between paginated fetches.
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "dashboard: cancelled")
		default:
		}

		var resp struct {
			Items   []map[string]any `json:"items"`
			HasMore bool             `json:"has_more"`
		}
		url := fmt.Sprintf("%s%s?account=%s&since=%s&page=%d&page_size=%d",
			a.cfg.BaseURL, endpoint, a.cfg.AccountID, since.UTC().Format(time.RFC3339), page, pageSize)
		if err := a.client.GetJSON(ctx, url, sess.headers(), &resp); err != nil {
			return nil, eris.Wrapf(err, "dashboard: fetch %s page %d", kind, page)
		}

		for _, item := range resp.Items {
			item["entity"] = entity
			records = append(records, rawRecord(model.SourceScrape, item))
		}

		if !resp.HasMore {
			break
		}
	}

	a.log.Info("dashboard fetch complete",
		zap.String("kind", string(kind)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

func (a *DashboardAdapter) endpointFor(kind model.TaskKind) (endpoint, entity string, err error) {
	switch kind {
	case model.TaskKindVehicles:
		return "/api/host/vehicles", "vehicle", nil
	case model.TaskKindTrips:
		return "/api/host/trips", "trip", nil
	case model.TaskKindEarnings:
		return "/api/host/earnings", "payout", nil
	case model.TaskKindReviews:
		return "/api/host/reviews", "review", nil
	default:
		return "", "", eris.Errorf("dashboard: unsupported kind %q", kind)
	}
}
