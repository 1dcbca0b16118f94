package services

import (
	"errors"
	"math"
	"testing"

	"debttrack/internal/core"
)

func TestDirectPaymentTranslator_ToStoredPayment(t *testing.T) {
	translator := DirectPaymentTranslator{}

	tests := []struct {
		name    string
		entered float64
		state   DebtState
		want    float64
		wantErr bool
	}{
		{
			name:    "payment at minimum",
			entered: 200,
			state:   DebtState{Type: core.Credit, CurrentAmount: 1000, MinMonthlyPayment: 200},
			want:    200,
		},
		{
			name:    "overpayment up to full balance",
			entered: 1000,
			state:   DebtState{Type: core.Credit, CurrentAmount: 1000, MinMonthlyPayment: 200},
			want:    1000,
		},
		{
			name:    "below minimum rejected",
			entered: 199.98,
			state:   DebtState{Type: core.Credit, CurrentAmount: 1000, MinMonthlyPayment: 200},
			wantErr: true,
		},
		{
			name:    "above balance rejected",
			entered: 1000.02,
			state:   DebtState{Type: core.Credit, CurrentAmount: 1000, MinMonthlyPayment: 200},
			wantErr: true,
		},
		{
			name: "minimum clamps to remaining balance",
			// Remaining debt 150 with a 200 minimum: the final payment is the
			// full 150, not the stated minimum.
			entered: 150.00,
			state:   DebtState{Type: core.Credit, CurrentAmount: 150, MinMonthlyPayment: 200},
			want:    150,
		},
		{
			name:    "just below clamped minimum rejected",
			entered: 149.98,
			state:   DebtState{Type: core.Credit, CurrentAmount: 150, MinMonthlyPayment: 200},
			wantErr: true,
		},
		{
			// The lower bound is strict: a payment exactly one epsilon
			// under the clamped minimum still passes.
			name:    "epsilon below clamped minimum accepted",
			entered: 149.99,
			state:   DebtState{Type: core.Credit, CurrentAmount: 150, MinMonthlyPayment: 200},
			want:    149.99,
		},
		{
			name:    "within epsilon of minimum accepted",
			entered: 199.995,
			state:   DebtState{Type: core.Credit, CurrentAmount: 1000, MinMonthlyPayment: 200},
			want:    199.995,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := translator.ToStoredPayment(tt.entered, tt.state)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToStoredPayment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Errorf("error should be a ValidationError, got %T", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ToStoredPayment() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCardBalanceTranslator(t *testing.T) {
	translator := CardBalanceTranslator{}
	state := DebtState{Type: core.CreditCard, CurrentAmount: 1000}

	t.Run("balance rose means negative payment", func(t *testing.T) {
		got, err := translator.ToStoredPayment(1200, state)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		if got != -200 {
			t.Errorf("payment = %v, want -200", got)
		}
	})

	t.Run("balance fell means positive payment", func(t *testing.T) {
		got, err := translator.ToStoredPayment(400, state)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		if got != 600 {
			t.Errorf("payment = %v, want 600", got)
		}
	})

	t.Run("negative balance rejected", func(t *testing.T) {
		if _, err := translator.ToStoredPayment(-5, state); err == nil {
			t.Error("expected rejection of negative balance")
		}
	})

	t.Run("display round-trips", func(t *testing.T) {
		if got := translator.ToDisplayValue(-200, state); got != 1200 {
			t.Errorf("ToDisplayValue(-200) = %v, want 1200", got)
		}
	})

	t.Run("stored delta rounded to cents", func(t *testing.T) {
		noisy := DebtState{Type: core.CreditCard, CurrentAmount: 100.1}
		got, err := translator.ToStoredPayment(50.03, noisy)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		// 100.1 - 50.03 carries binary float noise; the stored payment
		// must be exactly 50.07.
		if got != 50.07 {
			t.Errorf("payment = %v, want exactly 50.07", got)
		}
	})
}

func TestAccountLimitTranslator(t *testing.T) {
	translator := AccountLimitTranslator{}
	// Limit 5000 with debt 1200 means the account holds 3800.
	state := DebtState{Type: core.AccountLimit, CurrentAmount: 1200, AccountLimit: 5000}

	t.Run("balance grew means positive payment", func(t *testing.T) {
		got, err := translator.ToStoredPayment(4000, state)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		// New debt 5000-4000=1000, payment 1200-1000=200.
		if got != 200 {
			t.Errorf("payment = %v, want 200", got)
		}
	})

	t.Run("balance shrank means negative payment", func(t *testing.T) {
		got, err := translator.ToStoredPayment(3000, state)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		if got != -800 {
			t.Errorf("payment = %v, want -800", got)
		}
	})

	t.Run("balance above limit rejected", func(t *testing.T) {
		if _, err := translator.ToStoredPayment(5100, state); err == nil {
			t.Error("expected rejection of balance above the account limit")
		}
	})

	t.Run("display round-trips", func(t *testing.T) {
		if got := translator.ToDisplayValue(200, state); math.Abs(got-4000) > 1e-9 {
			t.Errorf("ToDisplayValue(200) = %v, want 4000", got)
		}
	})

	t.Run("stored delta rounded to cents", func(t *testing.T) {
		noisy := DebtState{Type: core.AccountLimit, CurrentAmount: 1200.3, AccountLimit: 5000}
		got, err := translator.ToStoredPayment(4000.1, noisy)
		if err != nil {
			t.Fatalf("ToStoredPayment: %v", err)
		}
		// New debt 999.9, payment 1200.3-999.9: the subtraction chain is
		// noisy in binary floats but must store exactly 200.40.
		if got != 200.4 {
			t.Errorf("payment = %v, want exactly 200.4", got)
		}
	})
}

func TestGetPaymentTranslator(t *testing.T) {
	for _, dt := range core.DebtTypes {
		if _, err := GetPaymentTranslator(dt); err != nil {
			t.Errorf("GetPaymentTranslator(%s) = %v, want translator", dt, err)
		}
	}
	if _, err := GetPaymentTranslator("MORTGAGE"); err == nil {
		t.Error("expected error for unknown debt type")
	}
}
