// Package nonce issues and checks the short-lived action tokens that guard
// state-changing requests. Tokens are bound to the caller's login session,
// the acting user, a scope and a subject id.
package nonce

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/gatherly/internal/authz"
)

const (
	DefaultTTL       = 24 * time.Hour
	DefaultMaxTokens = 8
)

var (
	ErrNoSession    = errors.New("nonce: request has no session")
	ErrUnknownScope = errors.New("nonce: unknown scope")
)

type Scope string

const (
	ScopeEvent     Scope = "event"
	ScopeCommunity Scope = "community"
	ScopeBluesky   Scope = "bluesky"
	ScopeAccount   Scope = "account"
)

func ParseScope(raw string) (Scope, error) {
	scope := Scope(strings.ToLower(strings.TrimSpace(raw)))
	if !scope.IsValid() {
		return "", errors.Wrapf(ErrUnknownScope, "%q", raw)
	}
	return scope, nil
}

func (s Scope) IsValid() bool {
	switch s {
	case ScopeEvent, ScopeCommunity, ScopeBluesky, ScopeAccount:
		return true
	}
	return false
}

// Backend persists encoded nonce records. Load reports found=false for
// missing or expired keys.
type Backend interface {
	Load(ctx context.Context, key string) (value []byte, found bool, err error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type record struct {
	Tokens []entry `json:"tokens"`
}

type entry struct {
	Hash      string `json:"h"`
	ExpiresAt int64  `json:"e"`
}

type Guard struct {
	backend   Backend
	ttl       time.Duration
	maxTokens int
	now       func() time.Time
	logger    zerolog.Logger
	onReject  func(scope Scope, reason string)

	// serializes read-modify-write of records within this process
	mu sync.Mutex
}

type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithRejectHook registers a callback invoked for every failed validation.
func WithRejectHook(fn func(scope Scope, reason string)) Option {
	return func(g *Guard) { g.onReject = fn }
}

func NewGuard(backend Backend, opts ...Option) *Guard {
	g := &Guard{
		backend:   backend,
		ttl:       DefaultTTL,
		maxTokens: DefaultMaxTokens,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Issue creates a new token for the session on ctx.
func (g *Guard) Issue(ctx context.Context, scope Scope, subjectID int64) (string, error) {
	return g.rotate(ctx, scope, subjectID, "")
}

// Rotate retires spent and issues a replacement. It is called after a
// mutation succeeds so the client can keep acting without reloading.
func (g *Guard) Rotate(ctx context.Context, scope Scope, subjectID int64, spent string) (string, error) {
	return g.rotate(ctx, scope, subjectID, spent)
}

// Validate reports whether token was issued for this session, scope and
// subject and has not expired. Any failure, including backend errors, yields
// false.
func (g *Guard) Validate(ctx context.Context, scope Scope, subjectID int64, token string) bool {
	if token == "" {
		g.reject(scope, "missing")
		return false
	}
	key, err := g.key(ctx, scope, subjectID)
	if err != nil {
		g.reject(scope, "no_session")
		return false
	}

	rec, err := g.load(ctx, key)
	if err != nil {
		g.logger.Warn().Err(err).Str("scope", string(scope)).Msg("nonce lookup failed")
		g.reject(scope, "backend")
		return false
	}

	want := hashToken(token)
	now := g.now().UnixNano()
	for _, e := range rec.Tokens {
		if subtle.ConstantTimeCompare([]byte(e.Hash), []byte(want)) != 1 {
			continue
		}
		if e.ExpiresAt <= now {
			g.reject(scope, "expired")
			return false
		}
		return true
	}
	g.reject(scope, "mismatch")
	return false
}

func (g *Guard) rotate(ctx context.Context, scope Scope, subjectID int64, spent string) (string, error) {
	key, err := g.key(ctx, scope, subjectID)
	if err != nil {
		return "", err
	}

	token, err := newToken()
	if err != nil {
		return "", errors.Wrap(err, "generate nonce")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, err := g.load(ctx, key)
	if err != nil {
		return "", err
	}

	now := g.now()
	spentHash := ""
	if spent != "" {
		spentHash = hashToken(spent)
	}
	kept := rec.Tokens[:0]
	for _, e := range rec.Tokens {
		if e.ExpiresAt <= now.UnixNano() || e.Hash == spentHash {
			continue
		}
		kept = append(kept, e)
	}
	kept = append(kept, entry{Hash: hashToken(token), ExpiresAt: now.Add(g.ttl).UnixNano()})
	if len(kept) > g.maxTokens {
		kept = kept[len(kept)-g.maxTokens:]
	}
	rec.Tokens = kept

	data, err := sonic.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "encode nonce record")
	}
	if err := g.backend.Store(ctx, key, data, g.ttl); err != nil {
		return "", errors.Wrap(err, "store nonce record")
	}
	return token, nil
}

func (g *Guard) key(ctx context.Context, scope Scope, subjectID int64) (string, error) {
	if !scope.IsValid() {
		return "", errors.Wrapf(ErrUnknownScope, "%q", scope)
	}
	identity, ok := authz.IdentityFromContext(ctx)
	if !ok || identity.SessionID == "" {
		return "", ErrNoSession
	}
	return fmt.Sprintf("nonce:%s:%d:%s:%d", identity.SessionID, identity.UserID, scope, subjectID), nil
}

func (g *Guard) load(ctx context.Context, key string) (record, error) {
	var rec record
	data, found, err := g.backend.Load(ctx, key)
	if err != nil {
		return rec, errors.Wrap(err, "load nonce record")
	}
	if !found || len(data) == 0 {
		return rec, nil
	}
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return record{}, errors.Wrap(err, "decode nonce record")
	}
	return rec, nil
}

func (g *Guard) reject(scope Scope, reason string) {
	g.logger.Debug().Str("scope", string(scope)).Str("reason", reason).Msg("nonce rejected")
	if g.onReject != nil {
		g.onReject(scope, reason)
	}
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
