// Package circuit gates new work per backend region. A region whose
// adapter calls keep failing is opened for a cooldown window so the
// orchestrator stops dispatching fresh requests at a backend that is
// down, instead of timing out every request in turn. Work already in
// flight is never interrupted.
package circuit

import (
	"errors"
	"sync"
	"time"
)

// ErrOpenState is returned by Execute while a region's breaker is open.
var ErrOpenState = errors.New("circuit breaker is open")

// State is the breaker's position: closed (calls pass), open (calls are
// rejected), or half-open (a single probe call is allowed through).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config controls when a region trips and how long it stays tripped.
// Zero values take the defaults below.
type Config struct {
	// FailureThreshold is how many consecutive failures open the breaker.
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Cooldown is how long an open breaker rejects calls before allowing
	// a half-open probe.
	Cooldown time.Duration `yaml:"cooldown"`

	// OnStateChange, if set, observes every transition (for logging).
	OnStateChange func(region string, from, to State) `yaml:"-"`
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Breaker tracks one backend region's recent failures.
type Breaker struct {
	region string
	config Config

	mu          sync.Mutex
	state       State
	failures    uint32
	openedUntil time.Time
	probing     bool
}

// NewBreaker builds a closed breaker for one region.
func NewBreaker(region string, config Config) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	return &Breaker{region: region, config: config}
}

// Execute runs fn unless the breaker is open. An error from fn counts
// toward the region's consecutive-failure tally; any success resets it.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.observe(err)
	return err
}

// allow decides whether a new call may start, moving an expired open
// breaker to half-open so one probe can test whether the region is back.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Now().Before(b.openedUntil) {
			return ErrOpenState
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpenState
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) observe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.probing = false
		if b.state != StateClosed {
			b.transition(StateClosed)
		}
		return
	}

	b.probing = false
	if b.state == StateHalfOpen {
		b.open()
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.failures = 0
	b.openedUntil = time.Now().Add(b.config.Cooldown)
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.region, from, to)
	}
}

// State returns the breaker's current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !time.Now().Before(b.openedUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Region returns the region tag this breaker guards.
func (b *Breaker) Region() string { return b.region }

// Manager holds one Breaker per region tag, created lazily so bootstrap
// does not need to know the region fleet up front.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewManager builds a Manager whose breakers all share config.
func NewManager(config Config) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), config: config}
}

// GetBreaker returns the breaker for a region tag, creating it on first
// use.
func (m *Manager) GetBreaker(region string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[region]; ok {
		return b
	}
	b := NewBreaker(region, m.config)
	m.breakers[region] = b
	return b
}
