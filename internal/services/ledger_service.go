package services

import (
	"context"
	"fmt"
	"log/slog"

	"debttrack/internal/amqp"
	"debttrack/internal/core"
	"debttrack/internal/storage"
)

// LedgerService orchestrates debt tracking operations across SQLite and AMQP.
// All user input crosses the payment translators here, before anything is
// persisted; the stored ledger only ever contains normalized payment deltas.
type LedgerService struct {
	storage    *storage.SQLiteRepository
	amqpClient *amqp.Client
}

func NewLedgerService(storage *storage.SQLiteRepository, amqpClient *amqp.Client) *LedgerService {
	return &LedgerService{
		storage:    storage,
		amqpClient: amqpClient,
	}
}

// DebtSourceInput carries the user-editable fields of a debt source.
type DebtSourceInput struct {
	Name              string
	Type              core.DebtType
	InitialAmount     float64
	InterestRate      *float64
	MinMonthlyPayment float64
	CanOverpay        bool
	AccountLimit      *float64
	IsActive          bool
	Color             string
	Notes             string
}

// EnteredDebt is one raw user-entered value for a debt source, before
// per-type translation into a stored payment.
type EnteredDebt struct {
	DebtSourceID string
	Value        float64
}

// Derivation is the full output of one ledger replay.
type Derivation struct {
	Records        []core.CalculatedRecord
	DebtSources    []core.CalculatedDebtSource
	MinimumPayment float64
}

// --- debt sources ---

func (s *LedgerService) CreateDebtSource(ctx context.Context, userID string, in DebtSourceInput) (core.DebtSource, error) {
	ds := core.DebtSource{
		UserID:            userID,
		Name:              in.Name,
		Type:              in.Type,
		InitialAmount:     in.InitialAmount,
		InterestRate:      in.InterestRate,
		MinMonthlyPayment: in.MinMonthlyPayment,
		CanOverpay:        in.CanOverpay,
		AccountLimit:      in.AccountLimit,
		IsActive:          true,
		Color:             in.Color,
		Notes:             in.Notes,
	}
	if err := ds.Validate(); err != nil {
		return core.DebtSource{}, &ValidationError{Msg: err.Error()}
	}

	created, err := s.storage.CreateDebtSource(ctx, ds)
	if err != nil {
		return core.DebtSource{}, fmt.Errorf("create debt source: %w", err)
	}

	s.publishLedgerChanged(ctx, userID, "", amqp.ReasonDebtSourceChanged)
	return created, nil
}

func (s *LedgerService) ListDebtSources(ctx context.Context, userID string) ([]core.DebtSource, error) {
	return s.storage.ListDebtSources(ctx, userID)
}

func (s *LedgerService) GetDebtSource(ctx context.Context, userID, id string) (core.DebtSource, error) {
	return s.storage.GetDebtSource(ctx, userID, id)
}

func (s *LedgerService) UpdateDebtSource(ctx context.Context, userID, id string, in DebtSourceInput) (core.DebtSource, error) {
	ds := core.DebtSource{
		ID:                id,
		UserID:            userID,
		Name:              in.Name,
		Type:              in.Type,
		InitialAmount:     in.InitialAmount,
		InterestRate:      in.InterestRate,
		MinMonthlyPayment: in.MinMonthlyPayment,
		CanOverpay:        in.CanOverpay,
		AccountLimit:      in.AccountLimit,
		IsActive:          in.IsActive,
		Color:             in.Color,
		Notes:             in.Notes,
	}
	if err := ds.Validate(); err != nil {
		return core.DebtSource{}, &ValidationError{Msg: err.Error()}
	}

	updated, err := s.storage.UpdateDebtSource(ctx, ds)
	if err != nil {
		return core.DebtSource{}, err
	}

	s.publishLedgerChanged(ctx, userID, "", amqp.ReasonDebtSourceChanged)
	return updated, nil
}

// ArchiveDebtSource soft-deletes a source. Its history and balance survive;
// only listings and the minimum-payment summary stop showing it.
func (s *LedgerService) ArchiveDebtSource(ctx context.Context, userID, id string) error {
	if err := s.storage.ArchiveDebtSource(ctx, userID, id); err != nil {
		return err
	}
	s.publishLedgerChanged(ctx, userID, "", amqp.ReasonDebtSourceChanged)
	return nil
}

// --- records ---

// CreateRecord normalizes the entered per-debt values into payment deltas
// and persists the month's snapshot. The balances used for translation are
// the ones in effect just before the record's month, so inserting a record
// into the middle of the history still normalizes against the right state.
func (s *LedgerService) CreateRecord(ctx context.Context, userID string, month core.Month, assets float64, entries []EnteredDebt) (core.Record, error) {
	if err := month.Validate(); err != nil {
		return core.Record{}, &ValidationError{Msg: err.Error()}
	}

	debts, err := s.normalizeEntries(ctx, userID, month, "", entries)
	if err != nil {
		return core.Record{}, err
	}

	rec := core.Record{
		UserID: userID,
		Month:  month,
		Assets: assets,
		Debts:  debts,
	}
	if err := rec.Validate(); err != nil {
		return core.Record{}, &ValidationError{Msg: err.Error()}
	}

	created, err := s.storage.CreateRecord(ctx, rec)
	if err != nil {
		return core.Record{}, err
	}

	s.publishLedgerChanged(ctx, userID, string(month), amqp.ReasonRecordCreated)
	return created, nil
}

func (s *LedgerService) ListRecords(ctx context.Context, userID string) ([]core.Record, error) {
	return s.storage.ListRecords(ctx, userID)
}

func (s *LedgerService) GetRecord(ctx context.Context, userID, id string) (core.Record, error) {
	return s.storage.GetRecord(ctx, userID, id)
}

// UpdateRecord replaces a record's month, assets and entries. The edited
// record itself is excluded from the balances used for normalization.
func (s *LedgerService) UpdateRecord(ctx context.Context, userID, id string, month core.Month, assets float64, entries []EnteredDebt) (core.Record, error) {
	if err := month.Validate(); err != nil {
		return core.Record{}, &ValidationError{Msg: err.Error()}
	}

	existing, err := s.storage.GetRecord(ctx, userID, id)
	if err != nil {
		return core.Record{}, err
	}

	debts, err := s.normalizeEntries(ctx, userID, month, existing.ID, entries)
	if err != nil {
		return core.Record{}, err
	}

	existing.Month = month
	existing.Assets = assets
	existing.Debts = debts

	updated, err := s.storage.UpdateRecord(ctx, existing)
	if err != nil {
		return core.Record{}, err
	}

	s.publishLedgerChanged(ctx, userID, string(month), amqp.ReasonRecordUpdated)
	return updated, nil
}

func (s *LedgerService) DeleteRecord(ctx context.Context, userID, id string) error {
	rec, err := s.storage.GetRecord(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.storage.DeleteRecord(ctx, userID, id); err != nil {
		return err
	}
	s.publishLedgerChanged(ctx, userID, string(rec.Month), amqp.ReasonRecordDeleted)
	return nil
}

// normalizeEntries translates user-entered values into stored payment deltas
// using the balances in effect just before targetMonth. excludeRecordID, when
// set, drops that record from the replay so an edit does not normalize
// against its own previous values.
func (s *LedgerService) normalizeEntries(ctx context.Context, userID string, targetMonth core.Month, excludeRecordID string, entries []EnteredDebt) ([]core.DebtEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	sources, records, settings, err := s.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	prior := make([]core.Record, 0, len(records))
	for _, rec := range records {
		if rec.ID == excludeRecordID {
			continue
		}
		if rec.Month.Before(targetMonth) {
			prior = append(prior, rec)
		}
	}

	_, calcSources, err := core.DeriveAll(prior, sources, settings)
	if err != nil {
		return nil, fmt.Errorf("derive balances before %s: %w", targetMonth, err)
	}
	byID := make(map[string]core.CalculatedDebtSource, len(calcSources))
	for _, cs := range calcSources {
		byID[cs.ID] = cs
	}

	debts := make([]core.DebtEntry, 0, len(entries))
	for _, entry := range entries {
		source, ok := byID[entry.DebtSourceID]
		if !ok {
			return nil, validationErrorf("unknown debt source %s", entry.DebtSourceID)
		}

		translator, err := GetPaymentTranslator(source.Type)
		if err != nil {
			return nil, err
		}

		st := DebtState{
			Type:              source.Type,
			CurrentAmount:     source.CurrentAmount,
			MinMonthlyPayment: source.MinMonthlyPayment,
		}
		if source.AccountLimit != nil {
			st.AccountLimit = *source.AccountLimit
		}

		payment, err := translator.ToStoredPayment(entry.Value, st)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", source.Name, err)
		}
		debts = append(debts, core.DebtEntry{DebtSourceID: entry.DebtSourceID, Payment: payment})
	}
	return debts, nil
}

// --- settings ---

func (s *LedgerService) GetSettings(ctx context.Context, userID string) (core.Settings, error) {
	return s.storage.GetOrCreateSettings(ctx, userID)
}

func (s *LedgerService) UpdateSettings(ctx context.Context, userID string, flatPricePerM2 float64) (core.Settings, error) {
	settings := core.Settings{UserID: userID, FlatPricePerM2: flatPricePerM2}
	if err := settings.Validate(); err != nil {
		return core.Settings{}, &ValidationError{Msg: err.Error()}
	}

	// An unchanged price is a no-op; writing it anyway would fan out a
	// pointless re-export of every snapshot.
	current, err := s.storage.GetOrCreateSettings(ctx, userID)
	if err != nil {
		return core.Settings{}, err
	}
	if core.ApproxEqual(current.FlatPricePerM2, flatPricePerM2) {
		return current, nil
	}

	updated, err := s.storage.UpsertSettings(ctx, settings)
	if err != nil {
		return core.Settings{}, err
	}

	s.publishLedgerChanged(ctx, userID, "", amqp.ReasonSettingsChanged)
	return updated, nil
}

// --- derivation ---

// Derive reads one consistent snapshot of the user's data and replays the
// full ledger. Everything derived is computed fresh on every call.
func (s *LedgerService) Derive(ctx context.Context, userID string) (Derivation, error) {
	sources, records, settings, err := s.snapshot(ctx, userID)
	if err != nil {
		return Derivation{}, err
	}

	calcRecords, calcSources, err := core.DeriveAll(records, sources, settings)
	if err != nil {
		return Derivation{}, fmt.Errorf("derive ledger: %w", err)
	}

	slog.DebugContext(ctx, "Ledger derived",
		"user_id", userID,
		"records", len(calcRecords),
		"debt_sources", len(calcSources))

	return Derivation{
		Records:        calcRecords,
		DebtSources:    calcSources,
		MinimumPayment: core.MinimumTotalPayment(sources),
	}, nil
}

// snapshot reads debt sources, records and settings together so one
// derivation never mixes data from before and after a concurrent mutation.
func (s *LedgerService) snapshot(ctx context.Context, userID string) ([]core.DebtSource, []core.Record, core.Settings, error) {
	sources, err := s.storage.ListDebtSources(ctx, userID)
	if err != nil {
		return nil, nil, core.Settings{}, fmt.Errorf("load debt sources: %w", err)
	}
	records, err := s.storage.ListRecords(ctx, userID)
	if err != nil {
		return nil, nil, core.Settings{}, fmt.Errorf("load records: %w", err)
	}
	settings, err := s.storage.GetOrCreateSettings(ctx, userID)
	if err != nil {
		return nil, nil, core.Settings{}, fmt.Errorf("load settings: %w", err)
	}
	return sources, records, settings, nil
}

func (s *LedgerService) publishLedgerChanged(ctx context.Context, userID, month, reason string) {
	if s.amqpClient == nil {
		slog.DebugContext(ctx, "AMQP client not available, skipping ledger change notification")
		return
	}
	if err := s.amqpClient.PublishLedgerChanged(ctx, userID, month, reason); err != nil {
		// The mutation already happened; a lost notification only delays the
		// downstream export.
		slog.ErrorContext(ctx, "Failed to publish ledger change",
			"user_id", userID,
			"month", month,
			"reason", reason,
			"error", err)
	}
}

// Close closes both storage and AMQP connections.
func (s *LedgerService) Close() error {
	var errs []error

	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}

	if s.amqpClient != nil {
		if err := s.amqpClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("amqp: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close ledger service: %v", errs)
	}

	return nil
}
