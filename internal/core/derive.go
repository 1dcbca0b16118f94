package core

import "sort"

type (
	// PaymentEvent is one chronological history entry on a debt source: the
	// payment applied by a record and the balance that resulted from it.
	PaymentEvent struct {
		RecordID string
		Month    Month
		Payment  float64
		Amount   float64
	}

	// CalculatedDebtSource is a DebtSource enriched with its live remaining
	// balance and the full payment history that produced it. Derived on every
	// call, never persisted.
	CalculatedDebtSource struct {
		DebtSource
		CurrentAmount     float64
		HistoryOfPayments []PaymentEvent
	}

	// CalculatedDebtEntry augments a record's debt entry with the balance of
	// that debt source immediately after the payment was applied.
	CalculatedDebtEntry struct {
		DebtSourceID string
		Payment      float64
		Amount       float64
	}

	// CalculatedRecord is a Record enriched with running totals as of that
	// month. Derived on every call, never persisted.
	CalculatedRecord struct {
		Record
		CalculatedDebts []CalculatedDebtEntry
		TotalDebt       float64
		NetWorth        float64
		FlatM2          float64
		TotalPayment    float64
	}
)

// DeriveAll replays the full snapshot history and returns every record and
// every debt source enriched with running totals.
//
// Records may arrive in any order; the fold always runs in ascending month
// order and the returned records are newest-first. Each debt source's balance
// is seeded at its InitialAmount and every payment delta is subtracted in
// turn. Entries referencing an unknown debt source are tolerated: they leave
// balances and history untouched but still count toward the record's
// TotalPayment, since the money was paid even if the destination debt is gone.
//
// The function is pure. It never mutates its inputs and identical inputs
// produce identical outputs, which is what allows every edit or delete of an
// old record to be handled by simply re-deriving from scratch.
func DeriveAll(records []Record, sources []DebtSource, settings Settings) ([]CalculatedRecord, []CalculatedDebtSource, error) {
	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}

	calcSources := make([]CalculatedDebtSource, len(sources))
	byID := make(map[string]*CalculatedDebtSource, len(sources))
	for i, ds := range sources {
		calcSources[i] = CalculatedDebtSource{
			DebtSource:        ds,
			CurrentAmount:     ds.InitialAmount,
			HistoryOfPayments: []PaymentEvent{},
		}
		byID[ds.ID] = &calcSources[i]
	}

	ordered := make([]Record, len(records))
	copy(ordered, records)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Month.Before(ordered[j].Month)
	})

	calcRecords := make([]CalculatedRecord, 0, len(ordered))
	for _, rec := range ordered {
		calcRecords = append(calcRecords, applyRecord(rec, byID, calcSources, settings))
	}

	// Callers consume records newest-first.
	for i, j := 0, len(calcRecords)-1; i < j; i, j = i+1, j-1 {
		calcRecords[i], calcRecords[j] = calcRecords[j], calcRecords[i]
	}

	return calcRecords, calcSources, nil
}

// applyRecord folds one record into the running balances and returns the
// enriched record. Balances in byID are updated in place.
func applyRecord(rec Record, byID map[string]*CalculatedDebtSource, all []CalculatedDebtSource, settings Settings) CalculatedRecord {
	calcDebts := make([]CalculatedDebtEntry, 0, len(rec.Debts))
	var totalPayment float64

	for _, entry := range rec.Debts {
		totalPayment += entry.Payment

		source, ok := byID[entry.DebtSourceID]
		if !ok {
			// Reference gap: the debt source was removed after this record
			// was written. The payment still happened, the balance it
			// targeted just no longer exists.
			continue
		}

		newAmount := source.CurrentAmount - entry.Payment
		source.HistoryOfPayments = append(source.HistoryOfPayments, PaymentEvent{
			RecordID: rec.ID,
			Month:    rec.Month,
			Payment:  entry.Payment,
			Amount:   newAmount,
		})
		source.CurrentAmount = newAmount

		calcDebts = append(calcDebts, CalculatedDebtEntry{
			DebtSourceID: entry.DebtSourceID,
			Payment:      entry.Payment,
			Amount:       newAmount,
		})
	}

	// Total debt across every source after this record's effects, including
	// sources this record never touched. Archived sources stay in the sum:
	// being hidden from listings does not erase the debt.
	var totalDebt float64
	for i := range all {
		totalDebt += all[i].CurrentAmount
	}

	netWorth := rec.Assets - totalDebt

	return CalculatedRecord{
		Record:          rec,
		CalculatedDebts: calcDebts,
		TotalDebt:       totalDebt,
		NetWorth:        netWorth,
		FlatM2:          netWorth / settings.FlatPricePerM2,
		TotalPayment:    totalPayment,
	}
}
