// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ocfsec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of security lifecycle event
type EventType int

const (
	// EventTypeUnknown - Unknown event type
	EventTypeUnknown EventType = iota

	// EventTypeStateChanged indicates a completed onboarding state transition
	EventTypeStateChanged
	// EventTypeStateChangeRejected indicates a transition was refused
	EventTypeStateChangeRejected

	// EventTypeLinkCreated indicates pairwise credentials were provisioned
	EventTypeLinkCreated
	// EventTypeLinkStale indicates a link was marked stale before revocation
	EventTypeLinkStale
	// EventTypeLinkDeleted indicates a link was removed from the database
	EventTypeLinkDeleted

	// EventTypeRevocationStarted indicates credential revocation requests
	// were dispatched to the peers of a device
	EventTypeRevocationStarted
	// EventTypeRevocationCompleted indicates all revocation responses were
	// collected
	EventTypeRevocationCompleted
	// EventTypeDeviceRemoved indicates a device was deleted from the database
	EventTypeDeviceRemoved
	// EventTypeResetRequested indicates a hardware reset request was sent
	EventTypeResetRequested

	// EventTypeInconsistentDB indicates a network operation succeeded but the
	// matching database update failed
	EventTypeInconsistentDB
	// EventTypeInternalError indicates a local persistence failure
	EventTypeInternalError
)

// String returns a human-readable description of the event type
func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

var eventTypeNames = map[EventType]string{
	EventTypeUnknown:             "Unknown Event",
	EventTypeStateChanged:        "State Changed",
	EventTypeStateChangeRejected: "State Change Rejected",
	EventTypeLinkCreated:         "Link Created",
	EventTypeLinkStale:           "Link Stale",
	EventTypeLinkDeleted:         "Link Deleted",
	EventTypeRevocationStarted:   "Revocation Started",
	EventTypeRevocationCompleted: "Revocation Completed",
	EventTypeDeviceRemoved:       "Device Removed",
	EventTypeResetRequested:      "Reset Requested",
	EventTypeInconsistentDB:      "Inconsistent Database",
	EventTypeInternalError:       "Internal Error",
}

// Event represents a security lifecycle event
type Event struct {
	Type      EventType
	Timestamp time.Time

	// Device is the subject of the event and Peer the other end of a link,
	// when applicable.
	Device uuid.UUID
	Peer   uuid.UUID

	// From and To hold onboarding state names for state events.
	From, To string

	// Count is the number of results or requests involved, when applicable.
	Count int

	Error error
}

// EventHandler is the interface that implementations must satisfy to receive
// events. Handlers must not block for long periods.
type EventHandler interface {
	HandleEvent(ctx context.Context, event Event)
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event Event)

// HandleEvent implements EventHandler
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event Event) {
	f(ctx, event)
}

// Events dispatches events to registered handlers. The zero value is ready
// to use and a nil *Events discards all events.
type Events struct {
	mu       sync.RWMutex
	handlers []EventHandler
}

// Register adds a handler which will receive all subsequent events.
func (e *Events) Register(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
}

// UnregisterAll removes all registered handlers.
func (e *Events) UnregisterAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = nil
}

// Emit dispatches an event to all registered handlers. Each handler runs in
// its own goroutine and Emit does not wait for them.
func (e *Events) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for _, h := range handlers {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panicked", "event", event.Type, "panic", r)
				}
			}()
			h.HandleEvent(ctx, event)
		}()
	}
}
