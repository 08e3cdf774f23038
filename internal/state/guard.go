package state

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrStoreUnavailable is returned without touching the backing store while
// the guard's breaker is open.
var ErrStoreUnavailable = errors.New("state store unavailable")

// Guard wraps a remote Store in a circuit breaker so a dead database fails
// fast instead of stalling every flush.
type Guard struct {
	store Store
	cb    *gobreaker.CircuitBreaker
}

type GuardConfig struct {
	MaxFailures   uint32
	Timeout       time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

func NewGuard(name string, store Store, cfg GuardConfig) *Guard {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	maxFailures := cfg.MaxFailures
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// A cancelled flush says nothing about the store.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: cfg.OnStateChange,
	}
	return &Guard{store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

func (g *Guard) do(fn func() (interface{}, error)) (interface{}, error) {
	v, err := g.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrStoreUnavailable
	}
	return v, err
}

func (g *Guard) LoadArms(ctx context.Context) ([]Arm, error) {
	v, err := g.do(func() (interface{}, error) {
		return g.store.LoadArms(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Arm), nil
}

func (g *Guard) SaveArms(ctx context.Context, arms []Arm) error {
	_, err := g.do(func() (interface{}, error) {
		return nil, g.store.SaveArms(ctx, arms)
	})
	return err
}

func (g *Guard) LoadCosts(ctx context.Context, day string) (map[string]float64, error) {
	v, err := g.do(func() (interface{}, error) {
		return g.store.LoadCosts(ctx, day)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]float64), nil
}

func (g *Guard) SaveCosts(ctx context.Context, day string, costs map[string]float64) error {
	_, err := g.do(func() (interface{}, error) {
		return nil, g.store.SaveCosts(ctx, day, costs)
	})
	return err
}

func (g *Guard) Close() error {
	return g.store.Close()
}
