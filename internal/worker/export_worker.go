package worker

import (
	"context"
	"fmt"
	"log/slog"

	"debttrack/internal/amqp"
	"debttrack/internal/core"
	"debttrack/internal/services"
)

// SnapshotExporter mirrors one derived monthly snapshot to an external sink.
type SnapshotExporter interface {
	AppendSnapshot(ctx context.Context, userID string, rec core.CalculatedRecord) error
}

// ExportWorker consumes ledger change notifications, re-derives the user's
// ledger from scratch and exports the affected month's totals. Because every
// message triggers a full replay, processing a change is idempotent with
// respect to the ledger state at the time it runs.
type ExportWorker struct {
	ledger   *services.LedgerService
	exporter SnapshotExporter
}

func NewExportWorker(ledger *services.LedgerService, exporter SnapshotExporter) *ExportWorker {
	return &ExportWorker{
		ledger:   ledger,
		exporter: exporter,
	}
}

// HandleLedgerChanged processes a single ledger change notification.
func (w *ExportWorker) HandleLedgerChanged(ctx context.Context, msg *amqp.LedgerChangedMessage) error {
	slog.InfoContext(ctx, "Processing ledger change",
		"user_id", msg.UserID,
		"month", msg.Month,
		"reason", msg.Reason)

	if w.exporter == nil {
		slog.WarnContext(ctx, "No exporter configured, skipping snapshot export",
			"user_id", msg.UserID)
		return nil
	}

	derivation, err := w.ledger.Derive(ctx, msg.UserID)
	if err != nil {
		return fmt.Errorf("derive ledger for %s: %w", msg.UserID, err)
	}

	records := w.affectedRecords(derivation, core.Month(msg.Month))
	if len(records) == 0 {
		// The record may have been deleted since the message was published,
		// or the change did not touch a specific month. Nothing to mirror.
		slog.InfoContext(ctx, "No records to export",
			"user_id", msg.UserID,
			"month", msg.Month,
			"reason", msg.Reason)
		return nil
	}

	for _, rec := range records {
		if err := w.exporter.AppendSnapshot(ctx, msg.UserID, rec); err != nil {
			return fmt.Errorf("export snapshot %s: %w", rec.Month, err)
		}
	}

	slog.InfoContext(ctx, "Ledger change exported",
		"user_id", msg.UserID,
		"month", msg.Month,
		"records", len(records))
	return nil
}

// affectedRecords picks what to export for a change. A month-scoped change
// exports that month plus everything after it, since running totals of later
// months shift too. A global change (source or settings edit) exports the
// latest record only.
func (w *ExportWorker) affectedRecords(d services.Derivation, month core.Month) []core.CalculatedRecord {
	if len(d.Records) == 0 {
		return nil
	}

	if month == "" {
		return d.Records[:1]
	}

	// Records are newest first.
	var affected []core.CalculatedRecord
	for _, rec := range d.Records {
		if rec.Month.Before(month) {
			break
		}
		affected = append(affected, rec)
	}
	return affected
}
