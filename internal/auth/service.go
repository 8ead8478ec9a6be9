// Package auth verifies identity-provider tokens and maps them to users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mediaforge/backend/internal/ledger"
	"github.com/mediaforge/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUserDeleted  = errors.New("user account is deleted")
)

// Claims is what the identity provider puts in a token. Subject is the
// provider's user id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Name  string `json:"name"`
	Admin bool   `json:"admin,omitempty"`
}

// Identity is a verified token's subject.
type Identity struct {
	ExternalID string
	Email      string
	Name       string
	Admin      bool
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type UserStore interface {
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UpsertTx(ctx context.Context, tx pgx.Tx, u *models.User) (bool, error)
}

// Granter credits the signup grant in the user's creating transaction.
type Granter interface {
	CreditTx(ctx context.Context, tx pgx.Tx, req ledger.CreditRequest) (int, error)
}

type Options struct {
	Secret        string
	Issuer        string
	SignupCredits int
	Logger        *slog.Logger
}

type Service struct {
	pool          TxBeginner
	users         UserStore
	grants        Granter
	secret        []byte
	issuer        string
	signupCredits int
	logger        *slog.Logger
	now           func() time.Time
}

func NewService(pool TxBeginner, users UserStore, grants Granter, opts Options) (*Service, error) {
	if opts.Secret == "" {
		return nil, errors.New("auth: secret is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		pool:          pool,
		users:         users,
		grants:        grants,
		secret:        []byte(opts.Secret),
		issuer:        opts.Issuer,
		signupCredits: opts.SignupCredits,
		logger:        opts.Logger,
		now:           time.Now,
	}, nil
}

// IssueToken signs a token for id. Production tokens come from the identity
// provider; this serves development and tests.
func (s *Service) IssueToken(id Identity, ttl time.Duration) (string, error) {
	now := s.now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ExternalID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: id.Email,
		Name:  id.Name,
		Admin: id.Admin,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// ParseToken verifies signature, expiry and issuer.
func (s *Service) ParseToken(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}
	return &Identity{ExternalID: c.Subject, Email: c.Email, Name: c.Name, Admin: c.Admin}, nil
}

// Authenticate verifies token and returns the matching user, creating it on
// first sight.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.User, error) {
	id, err := s.ParseToken(token)
	if err != nil {
		return nil, err
	}
	return s.EnsureUser(ctx, *id)
}

// EnsureUser returns the user for id. Unknown users are inserted and granted
// the signup credits in the same transaction; known users whose profile
// changed are refreshed.
func (s *Service) EnsureUser(ctx context.Context, id Identity) (*models.User, error) {
	u, err := s.users.GetByExternalID(ctx, id.ExternalID)
	switch {
	case err == nil:
		if !u.Active() {
			return nil, ErrUserDeleted
		}
		if u.Email == id.Email && (id.Name == "" || u.DisplayName == id.Name) && (!id.Admin || u.IsAdmin) {
			return u, nil
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load user: %w", err)
	}

	user := &models.User{
		ID:          uuid.New(),
		ExternalID:  id.ExternalID,
		Email:       id.Email,
		DisplayName: id.Name,
		IsAdmin:     id.Admin,
		Plan:        models.PlanFree,
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.users.UpsertTx(ctx, tx, user)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if !user.Active() {
		return nil, ErrUserDeleted
	}
	if created && s.signupCredits > 0 {
		balance, err := s.grants.CreditTx(ctx, tx, ledger.CreditRequest{
			UserID: user.ID,
			Amount: s.signupCredits,
			Reason: models.ReasonSignupGrant,
		})
		if err != nil {
			return nil, fmt.Errorf("signup grant: %w", err)
		}
		user.CreditBalance = balance
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if created {
		s.logger.Info("user created", "user_id", user.ID, "signup_credits", s.signupCredits)
	}
	return user, nil
}
