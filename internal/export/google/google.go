// Package google appends derived monthly snapshots to a Google Sheet, one
// row per ledger change. The sheet is an external mirror of derived state;
// nothing is ever read back from it.
package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"

	"debttrack/internal/core"
)

type Exporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
}

// New creates an exporter authenticated with service account credentials.
// Inline JSON wins over a credentials file when both are set.
func New(ctx context.Context, spreadsheetID, sheetName, credentialsFile, credentialsJSON string) (*Exporter, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing spreadsheet ID")
	}
	if strings.TrimSpace(sheetName) == "" {
		return nil, errors.New("missing sheet name")
	}

	var creds []byte
	switch {
	case strings.TrimSpace(credentialsJSON) != "":
		creds = []byte(credentialsJSON)
	case strings.TrimSpace(credentialsFile) != "":
		b, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		creds = b
	default:
		return nil, errors.New("missing service account credentials")
	}

	svc, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(creds),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	slog.InfoContext(ctx, "Google Sheets exporter ready",
		"spreadsheet_id", spreadsheetID,
		"sheet", sheetName)

	return &Exporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
	}, nil
}

// AppendSnapshot appends one row with the derived totals for a month.
func (e *Exporter) AppendSnapshot(ctx context.Context, userID string, rec core.CalculatedRecord) error {
	if e.svc == nil {
		return errors.New("sheets service not initialized")
	}

	row := []any{
		time.Now().UTC().Format(time.RFC3339),
		userID,
		string(rec.Month),
		rec.Assets,
		rec.TotalDebt,
		rec.NetWorth,
		rec.FlatM2,
		rec.TotalPayment,
	}
	vr := &gsheet.ValueRange{Values: [][]any{row}}

	rng := fmt.Sprintf("%s!A:H", e.sheetName)
	_, err := e.svc.Spreadsheets.Values.Append(e.spreadsheetID, rng, vr).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", e.sheetName, err)
	}

	slog.InfoContext(ctx, "Snapshot exported",
		"user_id", userID,
		"month", rec.Month,
		"total_debt", rec.TotalDebt)
	return nil
}
