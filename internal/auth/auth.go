// Package auth authorizes operators by bearer token and scopes them to
// the clients they may query.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for a missing, malformed or unknown token.
var ErrUnauthorized = errors.New("unauthorized")

// AllClients grants an operator access to every client.
const AllClients = "*"

// Operator is an authenticated portal user.
type Operator struct {
	Name    string
	Clients []string
}

// CanAccess reports whether the operator may ask about clientID.
func (o *Operator) CanAccess(clientID string) bool {
	if o == nil || clientID == "" {
		return false
	}
	return slices.Contains(o.Clients, AllClients) || slices.Contains(o.Clients, clientID)
}

// Authorizer resolves a bearer token to an operator.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*Operator, error)
}

// Credential is one configured operator with its bcrypt token hash.
type Credential struct {
	Name      string
	TokenHash string
	Clients   []string
}

// maxRejected bounds the set of remembered bad tokens. The set is
// cleared when it fills.
const maxRejected = 1024

// TokenAuthorizer checks tokens against bcrypt hashes. Verified and
// rejected tokens are remembered by digest so repeat requests skip the
// bcrypt work.
type TokenAuthorizer struct {
	creds   []Credential
	compare func(hash, token []byte) error

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]*Operator
	rejected map[[sha256.Size]byte]struct{}
}

// NewTokenAuthorizer validates the hashes and returns an authorizer.
func NewTokenAuthorizer(creds []Credential) (*TokenAuthorizer, error) {
	for i, c := range creds {
		if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
			return nil, fmt.Errorf("operator %d (%s): token hash: %w", i, c.Name, err)
		}
	}
	return &TokenAuthorizer{
		creds:    slices.Clone(creds),
		compare:  bcrypt.CompareHashAndPassword,
		verified: make(map[[sha256.Size]byte]*Operator),
		rejected: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Authorize implements Authorizer.
func (a *TokenAuthorizer) Authorize(_ context.Context, token string) (*Operator, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(token))

	a.mu.RLock()
	op, ok := a.verified[digest]
	_, bad := a.rejected[digest]
	a.mu.RUnlock()
	if ok {
		return op, nil
	}
	if bad {
		return nil, ErrUnauthorized
	}

	for _, c := range a.creds {
		if a.compare([]byte(c.TokenHash), []byte(token)) != nil {
			continue
		}
		op := &Operator{Name: c.Name, Clients: slices.Clone(c.Clients)}
		a.mu.Lock()
		a.verified[digest] = op
		a.mu.Unlock()
		return op, nil
	}

	a.mu.Lock()
	if len(a.rejected) >= maxRejected {
		clear(a.rejected)
	}
	a.rejected[digest] = struct{}{}
	a.mu.Unlock()
	return nil, ErrUnauthorized
}

// HashToken returns the bcrypt hash to configure for token.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", errors.New("token must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// BearerToken extracts the token from an Authorization header. It
// returns "" when the header is absent or not a bearer credential.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

type contextKey struct{}

// WithOperator returns a context carrying op.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, contextKey{}, op)
}

// FromContext returns the operator stored by WithOperator, or nil.
func FromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(contextKey{}).(*Operator)
	return op
}
