package core

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	Credit       DebtType = "CREDIT"
	CreditCard   DebtType = "CREDIT_CARD"
	AccountLimit DebtType = "ACCOUNT_LIMIT"
	Leasing      DebtType = "LEASING"
	Other        DebtType = "OTHER"
)

// Epsilon is the absolute tolerance used for amount comparisons. Repeated
// float arithmetic over a payment history accumulates rounding noise, so
// boundary checks accept anything within one cent.
const Epsilon = 0.01

type (
	DebtType string

	// Month is a calendar month key in "YYYY-MM" form. The string form sorts
	// lexically in chronological order, which the replay engine relies on.
	Month string

	// DebtSource is a single tracked liability. InitialAmount is the debt
	// owed when tracking started; for ACCOUNT_LIMIT sources the debt is the
	// consumed headroom (limit minus account balance), never the balance
	// itself.
	DebtSource struct {
		ID                string
		UserID            string
		Name              string
		Type              DebtType
		InitialAmount     float64
		InterestRate      *float64 // annual %, nil when unknown
		MinMonthlyPayment float64
		CanOverpay        bool
		AccountLimit      *float64 // set iff Type == AccountLimit
		IsActive          bool
		Color             string
		Notes             string
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// DebtEntry is one debt source's payment delta inside a monthly record.
	// Payment is signed: positive reduces the balance, negative increases it
	// (new spending on a revolving facility).
	DebtEntry struct {
		DebtSourceID string
		Payment      float64
	}

	// Record is one month's financial snapshot: per-debt payment deltas plus
	// the total assets figure for that month. At most one record exists per
	// user per month.
	Record struct {
		ID        string
		UserID    string
		Month     Month
		Assets    float64
		Debts     []DebtEntry
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Settings holds the per-user configuration consumed by the derivation.
	Settings struct {
		UserID         string
		FlatPricePerM2 float64
	}
)

var (
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidMonth         = errors.New("invalid month, expected YYYY-MM")
	ErrInvalidDebtType      = errors.New("invalid debt type")
	ErrEmptyName            = errors.New("empty name")
	ErrNegativeMinPayment   = errors.New("minimum monthly payment cannot be negative")
	ErrMissingAccountLimit  = errors.New("account limit is required for ACCOUNT_LIMIT sources")
	ErrUnexpectedLimit      = errors.New("account limit is only valid for ACCOUNT_LIMIT sources")
	ErrInvalidFlatPrice     = errors.New("flat price per m2 must be positive")
	ErrMissingDebtSourceRef = errors.New("debt entry missing debt source reference")
)

// DebtTypes lists every supported debt type.
var DebtTypes = []DebtType{Credit, CreditCard, AccountLimit, Leasing, Other}

func (t DebtType) Valid() bool {
	switch t {
	case Credit, CreditCard, AccountLimit, Leasing, Other:
		return true
	}
	return false
}

func (m Month) Validate() error {
	s := string(m)
	if len(s) != 7 || s[4] != '-' {
		return ErrInvalidMonth
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil || year < 1900 || year > 9999 {
		return ErrInvalidMonth
	}
	mon, err := strconv.Atoi(s[5:])
	if err != nil || mon < 1 || mon > 12 {
		return ErrInvalidMonth
	}
	return nil
}

// Before reports whether m is chronologically earlier than other. Both are
// assumed valid, so lexical comparison is enough.
func (m Month) Before(other Month) bool {
	return string(m) < string(other)
}

// CurrentMonth returns the month key for now in UTC.
func CurrentMonth() Month {
	return Month(time.Now().UTC().Format("2006-01"))
}

func (ds DebtSource) Validate() error {
	if strings.TrimSpace(ds.Name) == "" {
		return ErrEmptyName
	}
	if len(ds.Name) > 200 {
		return errors.New("name too long (max 200 characters)")
	}
	if !ds.Type.Valid() {
		return ErrInvalidDebtType
	}
	if ds.MinMonthlyPayment < 0 {
		return ErrNegativeMinPayment
	}
	if ds.Type == AccountLimit {
		if ds.AccountLimit == nil || *ds.AccountLimit <= 0 {
			return ErrMissingAccountLimit
		}
	} else if ds.AccountLimit != nil {
		return ErrUnexpectedLimit
	}
	return nil
}

func (r Record) Validate() error {
	if err := r.Month.Validate(); err != nil {
		return err
	}
	for _, d := range r.Debts {
		if strings.TrimSpace(d.DebtSourceID) == "" {
			return ErrMissingDebtSourceRef
		}
	}
	return nil
}

func (s Settings) Validate() error {
	if s.FlatPricePerM2 <= 0 {
		return ErrInvalidFlatPrice
	}
	return nil
}

// MinimumTotalPayment sums the minimum monthly payment over active sources
// only. Archived sources still participate in the ledger fold, but they no
// longer demand a payment.
func MinimumTotalPayment(sources []DebtSource) float64 {
	var sum float64
	for _, ds := range sources {
		if ds.IsActive {
			sum += ds.MinMonthlyPayment
		}
	}
	return sum
}
