package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerStore guards a Store with a circuit breaker so a failing database
// fails fast instead of stacking up request goroutines.
//
// Domain outcomes (conflicts, invalid input, not found) and caller
// cancellation do not count as failures.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

// BreakerSettings tunes the breaker; zero values take defaults.
type BreakerSettings struct {
	Name             string
	ConsecutiveFails uint32
	OpenTimeout      time.Duration
	Log              *slog.Logger
}

// NewBreakerStore wraps inner.
func NewBreakerStore(inner Store, st BreakerSettings) *BreakerStore {
	if st.Name == "" {
		st.Name = "identity-store"
	}
	if st.ConsecutiveFails == 0 {
		st.ConsecutiveFails = 5
	}
	if st.OpenTimeout <= 0 {
		st.OpenTimeout = 10 * time.Second
	}
	log := st.Log
	if log == nil {
		log = slog.Default()
	}
	threshold := st.ConsecutiveFails

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        st.Name,
		MaxRequests: 1,
		Timeout:     st.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: breakerSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("store.breaker.state", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerStore{inner: inner, cb: cb}
}

// State reports the breaker state (closed, half-open, open).
func (s *BreakerStore) State() string { return s.cb.State().String() }

func breakerSuccessful(err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case IsConflict(err), IsInvalidInput(err), IsNotFound(err):
		return true
	}
	return false
}

func run[T any](cb *gobreaker.CircuitBreaker[any], fn func() (T, error)) (T, error) {
	var zero T
	v, err := cb.Execute(func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("identity: breaker: unexpected result %T", v)
	}
	return out, nil
}

type findResult struct {
	p  Principal
	ok bool
}

func (s *BreakerStore) FindByUsername(ctx context.Context, username string) (Principal, bool, error) {
	r, err := run(s.cb, func() (findResult, error) {
		p, ok, err := s.inner.FindByUsername(ctx, username)
		return findResult{p, ok}, err
	})
	return r.p, r.ok, err
}

func (s *BreakerStore) FindByID(ctx context.Context, id string) (Principal, bool, error) {
	r, err := run(s.cb, func() (findResult, error) {
		p, ok, err := s.inner.FindByID(ctx, id)
		return findResult{p, ok}, err
	})
	return r.p, r.ok, err
}

func (s *BreakerStore) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return run(s.cb, func() (bool, error) { return s.inner.ExistsByUsername(ctx, username) })
}

func (s *BreakerStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	return run(s.cb, func() (bool, error) { return s.inner.ExistsByID(ctx, id) })
}

func (s *BreakerStore) Save(ctx context.Context, p Principal) (Principal, error) {
	return run(s.cb, func() (Principal, error) { return s.inner.Save(ctx, p) })
}

func (s *BreakerStore) SaveAll(ctx context.Context, ps []Principal) error {
	_, err := run(s.cb, func() (struct{}, error) { return struct{}{}, s.inner.SaveAll(ctx, ps) })
	return err
}

func (s *BreakerStore) Delete(ctx context.Context, p Principal) error {
	_, err := run(s.cb, func() (struct{}, error) { return struct{}{}, s.inner.Delete(ctx, p) })
	return err
}

func (s *BreakerStore) FindAll(ctx context.Context, req PageRequest) (Page[Principal], error) {
	return run(s.cb, func() (Page[Principal], error) { return s.inner.FindAll(ctx, req) })
}

// EnsureRoles forwards to the inner store when it holds the role catalog.
func (s *BreakerStore) EnsureRoles(ctx context.Context, names ...string) ([]Role, error) {
	rs, ok := s.inner.(RoleStore)
	if !ok {
		return nil, errors.New("identity: inner store has no role catalog")
	}
	return run(s.cb, func() ([]Role, error) { return rs.EnsureRoles(ctx, names...) })
}
