package balancer

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	// OutcomeCancelled ends an attempt the caller abandoned. It frees a
	// half-open trial slot without counting for or against the backend.
	OutcomeCancelled
)

var (
	ErrCircuitOpen  = errors.New("circuit open")
	ErrTrialPending = errors.New("half-open trial in flight")
)

type BreakerConfig struct {
	MaxFailures int
	Timeout     time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

type BreakerSnapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// Breaker is a closed/open/half-open state machine. Open becomes half-open
// lazily, on the first read after the timeout has elapsed.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	now         func() time.Time
	onChange    func(from, to State)
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trial       bool
}

func NewBreaker(cfg BreakerConfig, now func() time.Time, onChange func(from, to State)) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{cfg: cfg.withDefaults(), now: now, onChange: onChange}
}

// Allow reports whether an attempt would currently be admitted. It does not
// claim the half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from, to := b.advance()
	ok := b.state == StateClosed || (b.state == StateHalfOpen && !b.trial)
	b.mu.Unlock()
	b.notify(from, to)
	return ok
}

// Acquire admits an attempt, claiming the single trial when half-open.
func (b *Breaker) Acquire() error {
	b.mu.Lock()
	from, to := b.advance()
	var err error
	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.trial {
			err = ErrTrialPending
		} else {
			b.trial = true
		}
	}
	b.mu.Unlock()
	b.notify(from, to)
	return err
}

func (b *Breaker) Record(o Outcome) {
	b.mu.Lock()
	from := b.state
	now := b.now()

	switch b.state {
	case StateClosed:
		switch o {
		case OutcomeSuccess:
			b.failures = 0
		case OutcomeFailure:
			b.failures++
			b.lastFailure = now
			if b.failures >= b.cfg.MaxFailures {
				b.state = StateOpen
				b.openedAt = now
			}
		}
	case StateHalfOpen:
		b.trial = false
		switch o {
		case OutcomeSuccess:
			b.state = StateClosed
			b.failures = 0
		case OutcomeFailure:
			b.failures++
			b.lastFailure = now
			b.state = StateOpen
			b.openedAt = now
		}
	case StateOpen:
		// late result from an attempt admitted before the circuit opened
		if o == OutcomeFailure {
			b.failures++
			b.lastFailure = now
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	from, to := b.advance()
	s := BreakerSnapshot{State: b.state, Failures: b.failures, LastFailure: b.lastFailure}
	b.mu.Unlock()
	b.notify(from, to)
	return s
}

// advance performs the lazy open -> half-open transition. Callers hold mu.
func (b *Breaker) advance() (from, to State) {
	from = b.state
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.trial = false
	}
	return from, b.state
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
