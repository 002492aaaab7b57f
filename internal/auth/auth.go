// Package auth verifies credentials against the user store and issues the
// bearer tokens the HTTP API accepts.
package auth

import (
	"context"
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"billdesk/backend/internal/domain"
	"billdesk/backend/internal/store"
)

const issuer = "billdesk"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// Users is the read side of store.UserStore.
type Users interface {
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
}

type Authenticator struct {
	secret []byte
	ttl    time.Duration
	users  Users
	now    func() time.Time
}

type claims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func New(secret string, ttl time.Duration, users Users) *Authenticator {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &Authenticator{
		secret: []byte(secret),
		ttl:    ttl,
		users:  users,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Login checks the password of an active account and returns a signed token.
// Unknown users, wrong passwords and inactive accounts all fail with
// ErrInvalidCredentials.
func (a *Authenticator) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	user, err := a.users.GetUser(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		CheckPassword(string(dummyHash), req.Password)
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.LoginResponse{}, err
	}
	if !CheckPassword(user.Password, req.Password) || !user.Active {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}

	token, expiresAt, err := a.issue(user.Username, user.Role)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        user.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Verify parses a token and re-reads its subject, so a deactivated account
// or a changed role takes effect before the token expires.
func (a *Authenticator) Verify(ctx context.Context, token string) (domain.Actor, error) {
	parsed := &claims{}
	_, err := jwtlib.ParseWithClaims(token, parsed, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(a.now),
	)
	if err != nil || parsed.Subject == "" {
		return domain.Actor{}, ErrInvalidToken
	}

	user, err := a.users.GetUser(ctx, parsed.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Actor{}, ErrInvalidToken
	}
	if err != nil {
		return domain.Actor{}, err
	}
	if !user.Active {
		return domain.Actor{}, ErrInvalidToken
	}
	return domain.Actor{Username: user.Username, Role: user.Role}, nil
}

func (a *Authenticator) issue(username string, role string) (string, time.Time, error) {
	issuedAt := a.now()
	expiresAt := issuedAt.Add(a.ttl)
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			Issuer:    issuer,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
