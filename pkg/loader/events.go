package loader

import (
	"time"

	"github.com/google/uuid"

	"github.com/nucliweb/bit-loader/pkg/loader/store"
)

// EventKind classifies a diagnostic event.
type EventKind string

const (
	// EventRegistrationRace signals that a module self-registered while a
	// load for the same name was still in flight. This is a supported
	// concurrent pattern, surfaced for observability, never fatal.
	EventRegistrationRace EventKind = "registrationRace"
	// EventFetchError signals a failed fetch; the failure still propagates
	// to the caller, the event exists for diagnostics only.
	EventFetchError EventKind = "fetchError"
	// EventPipelineError signals a failed transform/dependency stage; the
	// failure still propagates to the caller.
	EventPipelineError EventKind = "pipelineError"
)

// Event is a typed, non-fatal diagnostic emitted to the Hooks observer.
type Event struct {
	ID      string
	Kind    EventKind
	Module  string
	Message string
	Time    time.Time
}

func newEvent(kind EventKind, name, message string) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Module:  name,
		Message: message,
		Time:    time.Now().UTC(),
	}
}

// Hooks defines callbacks for observing loader activity. Implementations
// MUST be safe for concurrent calls; returned errors are logged and never
// interrupt loading.
type Hooks interface {
	OnStateChange(name string, from, to store.State) error
	OnModuleLoaded(name string, duration time.Duration) error
	OnDiagnostic(event Event) error
}

// NoOpHooks is the default, do-nothing Hooks implementation.
type NoOpHooks struct{}

// OnStateChange implements Hooks. It performs no action.
func (h *NoOpHooks) OnStateChange(name string, from, to store.State) error { return nil }

// OnModuleLoaded implements Hooks. It performs no action.
func (h *NoOpHooks) OnModuleLoaded(name string, duration time.Duration) error { return nil }

// OnDiagnostic implements Hooks. It performs no action.
func (h *NoOpHooks) OnDiagnostic(event Event) error { return nil }
