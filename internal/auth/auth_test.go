package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"debttrack/internal/storage"
)

func newTestAuth(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "debttrack.db"))
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewService(repo, "test-secret", ttl)
}

func TestRegisterAndLogin(t *testing.T) {
	svc := newTestAuth(t, time.Hour)
	ctx := context.Background()

	user, err := svc.Register(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.ID == "" {
		t.Error("registered user has empty ID")
	}
	if user.PasswordHash == "s3cret" {
		t.Error("password stored in plain text")
	}

	if _, err := svc.Register(ctx, "alice", "other"); !errors.Is(err, storage.ErrDuplicateUser) {
		t.Errorf("duplicate Register = %v, want ErrDuplicateUser", err)
	}

	token, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	userID, err := svc.VerifyToken(token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if userID != user.ID {
		t.Errorf("token subject = %q, want %q", userID, user.ID)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := newTestAuth(t, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"wrong password", "alice", "wrong"},
		{"unknown user", "bob", "s3cret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Login(ctx, tt.username, tt.password); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("Login = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestVerifyTokenRejectsBadTokens(t *testing.T) {
	svc := newTestAuth(t, -time.Minute)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	expired, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"garbage", "not-a-token"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.VerifyToken(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("VerifyToken = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestVerifyTokenRejectsWrongSecret(t *testing.T) {
	svc := newTestAuth(t, time.Hour)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "alice", "s3cret"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	token, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	other := NewService(nil, "other-secret", time.Hour)
	if _, err := other.VerifyToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("VerifyToken with wrong secret = %v, want ErrInvalidToken", err)
	}
}
