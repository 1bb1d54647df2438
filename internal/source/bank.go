package source

import (
	"context"
	"encoding/csv"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/fleetops/fleetsync/internal/config"
	"github.com/fleetops/fleetsync/internal/fetcher"
	"github.com/fleetops/fleetsync/internal/model"
	"github.com/fleetops/fleetsync/internal/resilience"
)

// BankAdapter ingests bank-categorized settlements. The primary path is
// the transaction API; when a statement FTP drop is configured, rows
// from the CSV export are ingested as well (some banks only deliver
// bulk statement files).
type BankAdapter struct {
	cfg    config.BankConfig
	client *fetcher.HTTPClient
	ftp    *fetcher.FTPClient
	log    *zap.Logger
}

// NewBankAdapter creates the bank feed adapter.
func NewBankAdapter(cfg config.BankConfig, client *fetcher.HTTPClient, ftp *fetcher.FTPClient) *BankAdapter {
	return &BankAdapter{
		cfg:    cfg,
		client: client,
		ftp:    ftp,
		log:    zap.L().With(zap.String("component", "source.bank")),
	}
}

func (a *BankAdapter) Source() model.Source { return model.SourceLedger }

func (a *BankAdapter) Kinds() []model.TaskKind {
	return []model.TaskKind{model.TaskKindBank}
}

// Fetch pulls settled transactions since the given time, paginating by
// offset. Cancellation is observed between pages.
func (a *BankAdapter) Fetch(ctx context.Context, kind model.TaskKind, since time.Time) ([]model.RawRecord, error) {
	if kind != model.TaskKindBank {
		return nil, eris.Errorf("bank: unsupported kind %q", kind)
	}

	records, err := a.fetchTransactions(ctx, since)
	if err != nil {
		return nil, err
	}

	if a.cfg.StatementFTP != "" {
		stmt, err := a.fetchStatementDrop(ctx)
		if err != nil {
			// The API path already produced data; a missing statement
			// file should not fail the whole task.
			a.log.Warn("statement drop fetch failed", zap.Error(err))
		} else {
			records = append(records, stmt...)
		}
	}

	a.log.Info("bank fetch complete", zap.Int("records", len(records)))
	return records, nil
}

func (a *BankAdapter) fetchTransactions(ctx context.Context, since time.Time) ([]model.RawRecord, error) {
	const pageSize = 100

	auth := map[string]any{
		"client_id":    a.cfg.ClientID,
		"secret":       a.cfg.Secret,
		"access_token": a.cfg.AccessToken,
	}

	var records []model.RawRecord
	for offset := 0; ; offset += pageSize {
		select {
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "bank: cancelled")
		default:
		}

		body := map[string]any{
			"account":    a.cfg.AccountRef,
			"start_date": since.UTC().Format("2006-01-02"),
			"options":    map[string]any{"count": pageSize, "offset": offset},
		}
		for k, v := range auth {
			body[k] = v
		}

		var resp struct {
			Transactions []map[string]any `json:"transactions"`
			Total        int              `json:"total_transactions"`
		}
		if err := a.client.PostJSON(ctx, a.cfg.BaseURL+"/transactions/get", nil, body, &resp); err != nil {
			return nil, eris.Wrapf(err, "bank: fetch transactions offset %d", offset)
		}

		for _, txn := range resp.Transactions {
			txn["entity"] = "payout"
			records = append(records, rawRecord(model.SourceLedger, txn))
		}

		if offset+pageSize >= resp.Total || len(resp.Transactions) == 0 {
			break
		}
	}
	return records, nil
}

// fetchStatementDrop downloads the configured CSV statement file and
// converts its rows to raw records. Expected columns:
// settlement_id,date,amount,currency,description.
func (a *BankAdapter) fetchStatementDrop(ctx context.Context) ([]model.RawRecord, error) {
	rc, err := a.ftp.Download(ctx, a.cfg.StatementFTP)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	return ParseStatementCSV(rc)
}

// ParseStatementCSV reads a bank statement CSV export into raw payout
// records. A short or empty row is malformed input for the normalizer
// to reject, not a reason to abort the file.
func ParseStatementCSV(r io.Reader) ([]model.RawRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, resilience.NewParseError(eris.Wrap(err, "bank: parse statement csv"))
	}

	var records []model.RawRecord
	for i, row := range rows {
		if i == 0 { // header
			continue
		}
		payload := map[string]any{"entity": "payout"}
		for j, key := range []string{"settlement_id", "date", "amount", "currency", "description"} {
			if j < len(row) {
				payload[key] = row[j]
			}
		}
		records = append(records, rawRecord(model.SourceLedger, payload))
	}
	return records, nil
}
