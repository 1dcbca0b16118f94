package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"debttrack/internal/storage"
)

// ErrInvalidCredentials covers unknown usernames and wrong passwords alike.
// Login never reveals which of the two failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrInvalidToken is returned for expired, malformed or mis-signed tokens.
var ErrInvalidToken = errors.New("invalid token")

// Service issues and verifies HS256 bearer tokens backed by the user table.
type Service struct {
	storage  *storage.SQLiteRepository
	secret   []byte
	tokenTTL time.Duration
}

func NewService(storage *storage.SQLiteRepository, secret string, tokenTTL time.Duration) *Service {
	return &Service{
		storage:  storage,
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
}

// Register creates a new user with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, username, password string) (storage.User, error) {
	if username == "" || password == "" {
		return storage.User{}, fmt.Errorf("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.storage.CreateUser(ctx, username, string(hash))
	if err != nil {
		return storage.User{}, err
	}

	slog.InfoContext(ctx, "User registered", "username", username)
	return user, nil
}

// Login verifies the credentials and returns a signed token whose subject is
// the user ID.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.storage.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("load user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	slog.InfoContext(ctx, "User logged in", "username", username)
	return signed, nil
}

// VerifyToken parses a bearer token and returns the user ID it was issued to.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
