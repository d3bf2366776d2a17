package handoff

import (
	"fmt"

	"github.com/tinyrange/bootchain/internal/uefi"
)

// MaxAttempts bounds how many times the firmware release call may be
// issued before the protocol gives up.
const MaxAttempts = 3

// State is one position in the teardown protocol.
type State int

const (
	StateQuerying State = iota
	StateExiting
	StateSucceeded
	StateRetrying
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateQuerying:
		return "querying"
	case StateExiting:
		return "exiting"
	case StateSucceeded:
		return "succeeded"
	case StateRetrying:
		return "retrying"
	case StateFatal:
		return "fatal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the protocol can make no further progress.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFatal
}

// Event is the observed outcome of one protocol step.
type Event int

const (
	// EventKeyAcquired carries a fresh map key out of a query.
	EventKeyAcquired Event = iota
	// EventQueryFailed means the firmware would not produce a map.
	EventQueryFailed
	// EventExitSucceeded means the firmware released control.
	EventExitSucceeded
	// EventExitStale means the firmware rejected the key as outdated.
	EventExitStale
	// EventExitFailed is any other release failure.
	EventExitFailed
	// EventAttemptsExhausted is a stale rejection with no retries left.
	EventAttemptsExhausted
	// EventRequery schedules the next query after a stale rejection.
	EventRequery
)

func (e Event) String() string {
	switch e {
	case EventKeyAcquired:
		return "key acquired"
	case EventQueryFailed:
		return "query failed"
	case EventExitSucceeded:
		return "exit succeeded"
	case EventExitStale:
		return "exit rejected, key stale"
	case EventExitFailed:
		return "exit failed"
	case EventAttemptsExhausted:
		return "attempts exhausted"
	case EventRequery:
		return "requery"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Transition is the protocol's pure step function. Terminal states
// absorb every event; an event that makes no sense in the current state
// escalates to fatal rather than being ignored.
func Transition(s State, ev Event) State {
	if s.Terminal() {
		return s
	}
	switch s {
	case StateQuerying:
		switch ev {
		case EventKeyAcquired:
			return StateExiting
		case EventQueryFailed:
			return StateFatal
		}
	case StateExiting:
		switch ev {
		case EventExitSucceeded:
			return StateSucceeded
		case EventExitStale:
			return StateRetrying
		case EventExitFailed, EventAttemptsExhausted:
			return StateFatal
		}
	case StateRetrying:
		if ev == EventRequery {
			return StateQuerying
		}
	}
	return StateFatal
}

// Protocol executes the teardown against a firmware implementation. It
// starts by querying for a map key, since any key the caller held is
// suspect by the time teardown begins.
type Protocol struct {
	services uefi.BootServices
	image    uefi.Handle
	scratch  []byte

	state    State
	attempts int
	mapKey   uint64
	err      error
}

func NewProtocol(services uefi.BootServices, image uefi.Handle) *Protocol {
	return &Protocol{
		services: services,
		image:    image,
		scratch:  make([]byte, uefi.ScratchBufferSize),
		state:    StateQuerying,
	}
}

// State returns the protocol's current position.
func (p *Protocol) State() State { return p.state }

// Attempts returns how many release calls have been issued.
func (p *Protocol) Attempts() int { return p.attempts }

// Err returns the reason the protocol went fatal, if it did.
func (p *Protocol) Err() error { return p.err }

// Step performs the current state's action and advances the machine by
// one transition. It is a no-op on a terminal state.
func (p *Protocol) Step() State {
	if p.state.Terminal() {
		return p.state
	}

	var ev Event
	switch p.state {
	case StateQuerying:
		info, err := p.services.GetMemoryMap(p.scratch)
		if err != nil {
			p.err = fmt.Errorf("handoff: query memory map for fresh key: %w", err)
			ev = EventQueryFailed
		} else {
			p.mapKey = info.MapKey
			ev = EventKeyAcquired
		}

	case StateExiting:
		p.attempts++
		err := p.services.ExitBootServices(p.image, p.mapKey)
		switch {
		case err == nil:
			ev = EventExitSucceeded
		case isStaleKey(err):
			if p.attempts >= MaxAttempts {
				p.err = fmt.Errorf("handoff: exit boot services after %d attempts: %w", p.attempts, err)
				ev = EventAttemptsExhausted
			} else {
				ev = EventExitStale
			}
		default:
			p.err = fmt.Errorf("handoff: exit boot services: %w", err)
			ev = EventExitFailed
		}

	case StateRetrying:
		ev = EventRequery
	}

	p.state = Transition(p.state, ev)
	return p.state
}

// Run drives the protocol to a terminal state. On fatal it returns the
// recorded reason.
func (p *Protocol) Run() (State, error) {
	for !p.state.Terminal() {
		p.Step()
	}
	if p.state == StateFatal {
		return p.state, p.err
	}
	return p.state, nil
}

func isStaleKey(err error) bool {
	status, ok := uefi.StatusOf(err)
	return ok && status == uefi.StatusInvalidParameter
}
