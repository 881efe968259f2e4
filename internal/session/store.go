// internal/session/store.go

// Package session keeps the in-memory table of authenticated sessions.
// Sessions expire after a fixed lifetime or after a period without
// activity, whichever comes first. Expired entries are dropped when they
// are looked up, on a sampled fraction of validations, and by the
// scheduled sweeper.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/colebrumley/textguard/internal/random"
	"github.com/google/uuid"
)

// TokenBytes is the number of random bytes in a session token (256 bits).
const TokenBytes = 32

var (
	// ErrNotFound is returned by Remove for an unknown token.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidPolicy is returned by SetPolicy and NewStore.
	ErrInvalidPolicy = errors.New("invalid session policy")
)

// Policy controls session lifetimes and the validation-time sweep rate.
type Policy struct {
	IdleTimeout        time.Duration
	AbsoluteTTL        time.Duration
	CleanupProbability float64
}

// DefaultPolicy returns a 30 minute idle timeout, an 8 hour lifetime and a
// 1% chance of sweeping on each validation.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:        30 * time.Minute,
		AbsoluteTTL:        8 * time.Hour,
		CleanupProbability: 0.01,
	}
}

// Validate checks that the policy is usable.
func (p Policy) Validate() error {
	var errs []error
	if p.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must be positive, got %s", p.IdleTimeout))
	}
	if p.AbsoluteTTL <= 0 {
		errs = append(errs, fmt.Errorf("absolute_ttl must be positive, got %s", p.AbsoluteTTL))
	}
	if math.IsNaN(p.CleanupProbability) || p.CleanupProbability < 0 || p.CleanupProbability > 1 {
		errs = append(errs, fmt.Errorf("cleanup_probability must be in range [0, 1], got %v", p.CleanupProbability))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

// Session is one authenticated session.
type Session struct {
	ID           string // public identifier, safe to log
	Token        string // bearer secret, never logged
	UserID       string
	Username     string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time
}

// LogValue implements slog.LogValuer and leaves the token out.
func (s Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", s.ID),
		slog.String("user_id", s.UserID),
		slog.Time("expires_at", s.ExpiresAt),
	)
}

func (s Session) expired(now time.Time, idle time.Duration) bool {
	return now.After(s.ExpiresAt) || now.Sub(s.LastActivity) > idle
}

// SweepStats describes one pass over the table.
type SweepStats struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Removed    int
	Remaining  int
}

// Store holds sessions keyed by token. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	policy   Policy
	rng      *random.Provider
	now      func() time.Time
	onSample func(SweepStats)
}

// NewStore creates an empty store. A nil rng uses crypto/rand.
func NewStore(policy Policy, rng *random.Provider) (*Store, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = random.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		policy:   policy,
		rng:      rng,
		now:      time.Now,
	}, nil
}

// SetClock replaces the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// OnSampledSweep registers fn to be called after each sweep triggered by
// Validate. fn runs without the store lock held.
func (s *Store) OnSampledSweep(fn func(SweepStats)) {
	s.mu.Lock()
	s.onSample = fn
	s.mu.Unlock()
}

// Policy returns the policy in effect.
func (s *Store) Policy() Policy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy
}

// SetPolicy replaces the policy. Existing sessions keep their expiry time;
// the new idle timeout applies from the next check.
func (s *Store) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Create starts a session for the given user.
func (s *Store) Create(userID, username string) (Session, error) {
	token, err := s.rng.Token(TokenBytes)
	if err != nil {
		return Session{}, fmt.Errorf("generating session token: %w", err)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return Session{}, fmt.Errorf("generating session id: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &Session{
		ID:           id.String(),
		Token:        token,
		UserID:       userID,
		Username:     username,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.policy.AbsoluteTTL),
		LastActivity: now,
	}
	s.sessions[token] = sess
	return *sess, nil
}

// Validate looks up token and reports whether it names a live session.
// Expired sessions are deleted. When touch is set the idle timer restarts.
// Afterwards the store sweeps all sessions with probability
// Policy.CleanupProbability; an error is returned only if that draw fails.
func (s *Store) Validate(token string, touch bool) (Session, bool, error) {
	s.mu.Lock()

	now := s.now()
	sess, ok := s.sessions[token]
	if !ok {
		s.mu.Unlock()
		return Session{}, false, nil
	}
	if sess.expired(now, s.policy.IdleTimeout) {
		delete(s.sessions, token)
		s.mu.Unlock()
		return Session{}, false, nil
	}
	if touch {
		sess.LastActivity = now
	}
	out := *sess

	sweep, err := s.rng.Bool(s.policy.CleanupProbability)
	if err != nil {
		s.mu.Unlock()
		return Session{}, false, fmt.Errorf("sampling cleanup: %w", err)
	}

	var stats SweepStats
	hook := s.onSample
	if sweep {
		stats = s.sweepLocked()
	}
	s.mu.Unlock()

	if sweep && hook != nil {
		hook(stats)
	}
	return out, true, nil
}

// Remove deletes the session for token.
func (s *Store) Remove(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[token]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, token)
	return nil
}

// Sweep deletes every expired session and returns how many were removed.
func (s *Store) Sweep() int {
	return s.SweepStats().Removed
}

// SweepStats runs a sweep and returns its timing and counts.
func (s *Store) SweepStats() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Store) sweepLocked() SweepStats {
	stats := SweepStats{StartedAt: s.now()}
	for token, sess := range s.sessions {
		if sess.expired(stats.StartedAt, s.policy.IdleTimeout) {
			delete(s.sessions, token)
			stats.Removed++
		}
	}
	stats.Remaining = len(s.sessions)
	stats.FinishedAt = s.now()
	return stats
}

// Len returns the number of stored sessions, including expired ones not
// yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
