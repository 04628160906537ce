// Package circuitbreaker guards calls to the generation provider. Each
// provider operation has its own circuit: one for status polling and one
// per generation module, so a failing video backend does not stop image
// generation.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/genforge/internal/job"
)

// State is the position of one operation's circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls fail fast until the cooldown ends
	StateHalfOpen              // one trial call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Execute while an operation's circuit is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// StatusKey is the circuit for provider status polling.
const StatusKey = "status"

// GenerateKey is the circuit for submitting jobs of module m.
func GenerateKey(m job.Module) string {
	return "generate:" + string(m)
}

// ProviderKeys lists every circuit the provider client uses.
func ProviderKeys() []string {
	keys := []string{StatusKey}
	for _, m := range job.Modules {
		keys = append(keys, GenerateKey(m))
	}
	return keys
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "genforge",
	Subsystem: "provider_circuit",
	Name:      "transitions_total",
	Help:      "Provider circuit state changes by operation.",
}, []string{"operation", "from", "to"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// Config tunes a Breaker. Zero values take the defaults.
type Config struct {
	// Threshold is the number of consecutive counted failures that opens
	// a circuit. Default 5.
	Threshold int
	// Cooldown is how long a circuit stays open before a trial call.
	// Default 30s.
	Cooldown time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per provider operation.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}
}

// Execute runs fn unless op's circuit is open. Errors that countable
// rejects (bad input, cancellation) neither trip nor heal the circuit.
func (b *Breaker) Execute(op string, countable func(error) bool, fn func() error) error {
	if !b.admit(op) {
		return ErrOpen
	}
	err := fn()
	switch {
	case err == nil:
		b.settle(op, true)
	case countable == nil || countable(err):
		b.settle(op, false)
	default:
		b.abandonTrial(op)
	}
	return err
}

// admit reports whether a call to op may proceed. An open circuit past its
// cooldown admits exactly one trial call.
func (b *Breaker) admit(op string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[op]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(op, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(op string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[op]
	if ok {
		if c == nil {
			return
		}
		c.failures = 0
		b.move(op, c, StateClosed)
		return
	}
	if c == nil {
		c = &circuit{}
		b.circuits[op] = c
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.threshold {
		c.openedAt = b.now()
		b.move(op, c, StateOpen)
	}
}

// abandonTrial puts a half-open circuit back to open with a fresh
// cooldown, leaving the failure count alone.
func (b *Breaker) abandonTrial(op string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok && c.state == StateHalfOpen {
		c.openedAt = b.now()
		b.move(op, c, StateOpen)
	}
}

// State returns op's circuit state. Unknown operations are closed.
func (b *Breaker) State(op string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[op]; ok {
		return c.state
	}
	return StateClosed
}

// Open lists the operations whose circuit is currently open, sorted.
func (b *Breaker) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ops []string
	for op, c := range b.circuits {
		if c.state == StateOpen {
			ops = append(ops, op)
		}
	}
	sort.Strings(ops)
	return ops
}

// move must be called with b.mu held.
func (b *Breaker) move(op string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(op, from.String(), to.String()).Inc()
	if to == StateOpen {
		b.logger.Warn("provider circuit opened", "operation", op, "failures", c.failures)
	} else {
		b.logger.Info("provider circuit changed", "operation", op, "from", from.String(), "to", to.String())
	}
}
