// Package services provides business logic and orchestration services.
//
// This file implements the Strategy Pattern for per-debt-type payment input
// translation. What a user types for a monthly snapshot means something
// different for each debt type: an amortizing loan takes the payment itself,
// a credit card takes the new balance, a revolving facility takes the
// remaining account balance. Each type has its own strategy that converts the
// entered value into the signed payment delta the ledger stores.
package services

import (
	"fmt"

	"debttrack/internal/core"
)

// DebtState is the snapshot of a debt source the translators need: its
// balance immediately before the record being entered, plus the static
// attributes that constrain the input.
type DebtState struct {
	Type              core.DebtType
	CurrentAmount     float64
	MinMonthlyPayment float64
	AccountLimit      float64 // zero unless Type == core.AccountLimit
}

// PaymentTranslator converts between the user-facing input value and the
// stored payment delta for one debt type. Getting this translation wrong
// corrupts the ledger silently, so it lives here rather than in any handler.
type PaymentTranslator interface {
	// ToStoredPayment validates the entered value against the debt state and
	// returns the signed payment delta to store on the record.
	ToStoredPayment(entered float64, st DebtState) (float64, error)

	// ToDisplayValue reverses the translation: given a stored payment and the
	// balance before it, it returns the value the user originally entered.
	ToDisplayValue(payment float64, st DebtState) float64
}

// ValidationError is a caller-correctable input rejection. It is surfaced
// before any state mutation and maps to HTTP 422 at the boundary.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// DirectPaymentTranslator handles ordinary amortizing debt (CREDIT, LEASING,
// OTHER): the user enters the amount paid this month and it reduces the
// balance one to one.
type DirectPaymentTranslator struct{}

func (DirectPaymentTranslator) ToStoredPayment(entered float64, st DebtState) (float64, error) {
	// Once the remaining balance drops below the stated minimum, the minimum
	// clamps down to the balance: the final payment pays the debt off.
	minRequired := st.MinMonthlyPayment
	if st.CurrentAmount < minRequired {
		minRequired = st.CurrentAmount
	}
	if entered < minRequired-core.Epsilon {
		return 0, validationErrorf("payment %.2f is below the required minimum %.2f", entered, minRequired)
	}
	if entered > st.CurrentAmount+core.Epsilon {
		return 0, validationErrorf("payment %.2f exceeds the remaining debt %.2f", entered, st.CurrentAmount)
	}
	return entered, nil
}

func (DirectPaymentTranslator) ToDisplayValue(payment float64, _ DebtState) float64 {
	return payment
}

// CardBalanceTranslator handles CREDIT_CARD: the user enters the card's total
// balance after the month's activity, so the stored payment is the delta from
// the previous balance. New spending makes the payment negative.
type CardBalanceTranslator struct{}

func (CardBalanceTranslator) ToStoredPayment(entered float64, st DebtState) (float64, error) {
	if entered < -core.Epsilon {
		return 0, validationErrorf("card balance cannot be negative, got %.2f", entered)
	}
	// The delta picks up float noise from the subtraction; store it rounded
	// to cents so replayed balances stay clean.
	return core.Round2(st.CurrentAmount - entered), nil
}

func (CardBalanceTranslator) ToDisplayValue(payment float64, st DebtState) float64 {
	return st.CurrentAmount - payment
}

// AccountLimitTranslator handles ACCOUNT_LIMIT: the tracked debt is consumed
// headroom (limit minus balance) and the user enters the account's current
// positive balance, the number they actually see in their bank.
type AccountLimitTranslator struct{}

func (AccountLimitTranslator) ToStoredPayment(entered float64, st DebtState) (float64, error) {
	if entered < -core.Epsilon {
		return 0, validationErrorf("account balance cannot be negative, got %.2f", entered)
	}
	if entered > st.AccountLimit+core.Epsilon {
		return 0, validationErrorf("account balance %.2f exceeds the account limit %.2f", entered, st.AccountLimit)
	}
	newDebt := st.AccountLimit - entered
	return core.Round2(st.CurrentAmount - newDebt), nil
}

func (AccountLimitTranslator) ToDisplayValue(payment float64, st DebtState) float64 {
	return st.AccountLimit - (st.CurrentAmount - payment)
}

// paymentStrategies maps debt types to their translators. The registry keeps
// the translation testable independent of any handler and makes the closed
// set of behaviors explicit.
var paymentStrategies = map[core.DebtType]PaymentTranslator{
	core.Credit:       DirectPaymentTranslator{},
	core.Leasing:      DirectPaymentTranslator{},
	core.Other:        DirectPaymentTranslator{},
	core.CreditCard:   CardBalanceTranslator{},
	core.AccountLimit: AccountLimitTranslator{},
}

// GetPaymentTranslator returns the translator for a debt type.
// Returns an error if the type is not supported.
func GetPaymentTranslator(t core.DebtType) (PaymentTranslator, error) {
	translator, ok := paymentStrategies[t]
	if !ok {
		return nil, fmt.Errorf("unknown debt type: %s", t)
	}
	return translator, nil
}

// RegisterPaymentTranslator allows registering custom translators for new
// debt types without modifying the registry.
func RegisterPaymentTranslator(t core.DebtType, translator PaymentTranslator) {
	paymentStrategies[t] = translator
}
