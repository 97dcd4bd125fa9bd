// Package fsm implements the 13-state orchestration lifecycle machine
// (spec.md §4.1): a static allow-list of transitions, per-state
// deadlines, and subscriber fan-out where a listener's panic or error
// never propagates to the caller driving the transition.
package fsm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ashita-ai/inferno/internal/xerrors"
)

// State is one of the 13 named lifecycle states.
type State string

const (
	StateIdle              State = "IDLE"
	StateBooting           State = "BOOTING"
	StateSelectingProvider State = "SELECTING_PROVIDER"
	StatePreflightQuota    State = "PREFLIGHT_QUOTA"
	StateCheckingCache     State = "CHECKING_CACHE"
	StateDownloading       State = "DOWNLOADING"
	StateWarmingUp         State = "WARMING_UP"
	StateReady             State = "READY"
	StateGenerating        State = "GENERATING"
	StateError             State = "ERROR"
	StateDisabled          State = "DISABLED"
	StateRehydrating       State = "REHYDRATING"
	StateTearingDown       State = "TEARING_DOWN"
)

// allowed is the static transition allow-list from spec.md §4.1.
// Transitions into ERROR and TEARING_DOWN are emergency escapes and
// are always permitted regardless of this table.
var allowed = map[State][]State{
	StateIdle:              {StateBooting},
	StateBooting:           {StateSelectingProvider, StateError},
	StateSelectingProvider: {StatePreflightQuota, StateDisabled, StateError},
	StatePreflightQuota:    {StateCheckingCache, StateError},
	StateCheckingCache:     {StateWarmingUp, StateDownloading, StateError},
	StateDownloading:       {StateWarmingUp, StateError},
	StateWarmingUp:         {StateReady, StateError},
	StateReady:             {StateGenerating, StateTearingDown},
	StateGenerating:        {StateReady, StateError},
	StateError:             {StateRehydrating, StateTearingDown, StateIdle},
	StateDisabled:          {StateTearingDown, StateIdle},
	StateRehydrating:       {StateSelectingProvider, StateError, StateTearingDown},
	StateTearingDown:       {StateIdle},
}

// baseDeadlinesMs are spec.md §4.1's per-state baseline deadlines in
// milliseconds, scaled by ConfigV.timeouts.multiplier. States absent
// from this map (IDLE, READY, ERROR, DISABLED) carry no wall-clock
// deadline; GENERATING is policed by the healthcheck watchdog instead.
var baseDeadlinesMs = map[State]int64{
	StateBooting:           10000,
	StateSelectingProvider: 5000,
	StatePreflightQuota:    3000,
	StateCheckingCache:     5000,
	StateDownloading:       900000,
	StateWarmingUp:         30000,
	StateRehydrating:       15000,
	StateTearingDown:       10000,
}

// RuntimeState is the tagged variant described in spec.md §3, folded
// into a single struct: Tag selects which of the per-state fields are
// meaningful.
type RuntimeState struct {
	Tag               State
	SinceMs           int64
	DeadlineMs        *int64
	DeadlineAtMs      *int64
	ProviderID        string
	SelectionReportID string

	// BOOTING
	BootingStep string

	// SELECTING_PROVIDER
	PolicyOrder []string
	Tried       []string

	// PREFLIGHT_QUOTA
	ModelID           string
	RequiredBytes     uint64
	EstimateSupported bool

	// CHECKING_CACHE
	CacheHit *bool

	// DOWNLOADING
	DownloadVariant string
	TotalBytes      *uint64
	DownloadedBytes uint64

	// WARMING_UP
	WarmingPhase string

	// GENERATING
	Epoch         int64
	RequestSeq    int64
	IsAborting    bool
	TokensEmitted int64
	LastTokenAtMs int64

	// ERROR
	Err          *xerrors.Error
	CanRehydrate bool

	// DISABLED
	DisabledReason string

	// REHYDRATING
	RehydrateReason  string
	RehydrateAttempt int

	// TEARING_DOWN
	TeardownReason string
}

// Listener observes every transition, in order, as (next, prev).
type Listener func(next, prev RuntimeState)

// subscription pairs a listener with the id Subscribe handed out, so
// Unsubscribe can remove it in place without disturbing the slice's
// registration order.
type subscription struct {
	id int
	l  Listener
}

// Machine is the orchestrator's lifecycle state machine.
type Machine struct {
	mu                sync.Mutex
	current           RuntimeState
	listeners         []subscription
	nextListenerID    int
	timeoutMultiplier float64
	logger            *slog.Logger
	now               func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithTimeoutMultiplier scales every state's baseline deadline.
func WithTimeoutMultiplier(m float64) Option {
	return func(fm *Machine) { fm.timeoutMultiplier = m }
}

// WithLogger installs a structured logger; defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(fm *Machine) { fm.logger = logger }
}

// WithClock overrides the machine's time source, for deterministic
// tests.
func WithClock(now func() time.Time) Option {
	return func(fm *Machine) { fm.now = now }
}

// New constructs a Machine starting in IDLE.
func New(opts ...Option) *Machine {
	fm := &Machine{
		timeoutMultiplier: 1.0,
		logger:            slog.Default(),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(fm)
	}
	fm.current = RuntimeState{Tag: StateIdle, SinceMs: fm.now().UnixMilli()}
	return fm
}

// Current returns the current state.
func (fm *Machine) Current() RuntimeState {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.current
}

// CanGenerate reports whether generate() is currently permitted.
func (fm *Machine) CanGenerate() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.current.Tag == StateReady
}

// CanAbort reports whether abort() is currently meaningful.
func (fm *Machine) CanAbort() bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.current.Tag == StateGenerating || fm.current.Tag == StateDownloading
}

// Subscribe registers a listener, called synchronously on every
// transition, in registration order. Returns an unsubscribe function.
// A listener that panics or whose invocation otherwise errors never
// propagates to the caller driving the transition (spec.md §4.1).
func (fm *Machine) Subscribe(l Listener) func() {
	fm.mu.Lock()
	id := fm.nextListenerID
	fm.nextListenerID++
	fm.listeners = append(fm.listeners, subscription{id: id, l: l})
	fm.mu.Unlock()

	return func() {
		fm.mu.Lock()
		for i, s := range fm.listeners {
			if s.id == id {
				fm.listeners = append(fm.listeners[:i], fm.listeners[i+1:]...)
				break
			}
		}
		fm.mu.Unlock()
	}
}

// Transition attempts to move to next.Tag. Transitions into ERROR and
// TEARING_DOWN are always permitted (emergency escapes); every other
// transition must appear in the static allow-list or this returns an
// xerrors.Error with code ERROR_INVALID_STATE.
func (fm *Machine) Transition(next RuntimeState) error {
	fm.mu.Lock()
	prev := fm.current

	if next.Tag != StateError && next.Tag != StateTearingDown {
		permitted := false
		for _, s := range allowed[prev.Tag] {
			if s == next.Tag {
				permitted = true
				break
			}
		}
		if !permitted {
			fm.mu.Unlock()
			return xerrors.NewNonRecoverable(xerrors.CodeInvalidState,
				"invalid transition "+string(prev.Tag)+" -> "+string(next.Tag),
				xerrors.WithAtState(string(prev.Tag)))
		}
	}

	now := fm.now().UnixMilli()
	next.SinceMs = now
	if base, ok := baseDeadlinesMs[next.Tag]; ok {
		scaled := int64(float64(base) * fm.timeoutMultiplier)
		deadlineAt := now + scaled
		next.DeadlineMs = &scaled
		next.DeadlineAtMs = &deadlineAt
	}

	fm.current = next

	listeners := make([]Listener, len(fm.listeners))
	for i, s := range fm.listeners {
		listeners[i] = s.l
	}
	fm.mu.Unlock()

	for _, l := range listeners {
		fm.notify(l, next, prev)
	}
	return nil
}

// notify invokes a single listener, recovering from panics so one
// misbehaving subscriber can never break the transition that is
// notifying it or any sibling subscriber.
func (fm *Machine) notify(l Listener, next, prev RuntimeState) {
	defer func() {
		if r := recover(); r != nil {
			fm.logger.Warn("fsm: subscriber panicked", "panic", r, "from", prev.Tag, "to", next.Tag)
		}
	}()
	l(next, prev)
}
