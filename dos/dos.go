// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package dos implements the Device Onboarding State machine, which gates
// changes of pstat dos.s and applies the mode bits implied by each state.
package dos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/svr"
)

// ErrResetCascade is returned, along with the status of the failure, when a
// device entered RESET but the automatic transition to RFOTM which follows
// it failed.
var ErrResetCascade = errors.New("entered RESET but could not enter RFOTM")

// legal[from][to] reports whether a transition is allowed.
var legal = [5][5]bool{
	svr.StateReset:  {svr.StateReset: true, svr.StateRFOTM: true},
	svr.StateRFOTM:  {svr.StateReset: true, svr.StateRFPRO: true},
	svr.StateRFPRO:  {svr.StateReset: true, svr.StateRFNOP: true, svr.StateSReset: true},
	svr.StateRFNOP:  {svr.StateReset: true, svr.StateRFPRO: true, svr.StateSReset: true},
	svr.StateSReset: {svr.StateReset: true, svr.StateRFPRO: true},
}

// Legal reports whether the transition from one state to another is allowed.
func Legal(from, to svr.OnboardingState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	return legal[from][to]
}

// Machine performs onboarding state transitions on a resource store.
type Machine struct {
	Store  svr.Store
	Events *ocfsec.Events

	// Device is reported in events. If nil, the doxm deviceuuid is used.
	Device uuid.UUID

	mu sync.Mutex
	// inFlight mirrors the pending flag for the duration of a transition,
	// including the window where RESET rewrites pstat.
	inFlight bool
}

// New creates a state machine for the resources in store.
func New(store svr.Store, events *ocfsec.Events) *Machine {
	return &Machine{Store: store, Events: events}
}

// State returns the current onboarding state.
func (m *Machine) State(ctx context.Context) (svr.DeviceOnboardingState, error) {
	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return svr.DeviceOnboardingState{}, fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	return pstat.DOS, nil
}

// SetState attempts to move the device to the desired state.
//
// A transition which is illegal from the current state, or whose destination
// preconditions do not hold, fails with [ocfsec.StatusForbidden] and changes
// nothing. A failure to write the resource store once preconditions have
// passed fails with [ocfsec.StatusInternalError]. In every case the pending
// flag is clear when SetState returns.
//
// Entering RESET restores the manufacturer defaults and is immediately
// followed by a transition to RFOTM. If that second transition fails, the
// returned error matches both [ErrResetCascade] and the failure status.
func (m *Machine) SetState(ctx context.Context, desired svr.OnboardingState) (err error) {
	if !desired.Valid() {
		return fmt.Errorf("%w: unknown onboarding state %d", ocfsec.StatusInvalidParam, int(desired))
	}

	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if clearErr := m.release(ctx); clearErr != nil {
			err = errors.Join(err, clearErr)
		}
	}()

	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	from := pstat.DOS.State

	if err := m.transition(ctx, from, desired); err != nil {
		return err
	}
	if desired != svr.StateReset {
		return nil
	}

	if err := m.transition(ctx, svr.StateReset, svr.StateRFOTM); err != nil {
		return fmt.Errorf("%w: %w", ErrResetCascade, err)
	}
	return nil
}

// acquire checks and sets the pending flag.
func (m *Machine) acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	if m.inFlight || pstat.DOS.Pending {
		slog.Warn("onboarding state change already in progress", "state", pstat.DOS.State)
		return fmt.Errorf("%w: onboarding state change already in progress", ocfsec.StatusForbidden)
	}
	pstat.DOS.Pending = true
	if err := m.Store.SetPstat(ctx, pstat); err != nil {
		return fmt.Errorf("%w: setting pending: %w", ocfsec.StatusInternalError, err)
	}
	m.inFlight = true
	return nil
}

// release clears the pending flag.
func (m *Machine) release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = false

	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	if !pstat.DOS.Pending {
		return nil
	}
	pstat.DOS.Pending = false
	if err := m.Store.SetPstat(ctx, pstat); err != nil {
		slog.Error("failed to clear pending onboarding state", "error", err)
		return fmt.Errorf("%w: clearing pending: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}

func (m *Machine) transition(ctx context.Context, from, to svr.OnboardingState) error {
	if !Legal(from, to) {
		return m.reject(ctx, from, to, fmt.Errorf("%w: transition from %s to %s is not allowed",
			ocfsec.StatusForbidden, from, to))
	}
	if err := m.checkPreconditions(ctx, to); err != nil {
		return m.reject(ctx, from, to, err)
	}

	var err error
	if to == svr.StateReset {
		err = m.enterReset(ctx)
	} else {
		err = m.enter(ctx, to)
	}
	if err != nil {
		slog.Error("onboarding state entry failed, security resources may be inconsistent",
			"from", from, "to", to, "error", err)
		m.Events.Emit(ctx, ocfsec.Event{
			Type:   ocfsec.EventTypeInternalError,
			Device: m.device(ctx),
			From:   from.String(),
			To:     to.String(),
			Error:  err,
		})
		return err
	}

	slog.Debug("onboarding state changed", "from", from, "to", to)
	m.Events.Emit(ctx, ocfsec.Event{
		Type:   ocfsec.EventTypeStateChanged,
		Device: m.device(ctx),
		From:   from.String(),
		To:     to.String(),
	})
	return nil
}

func (m *Machine) reject(ctx context.Context, from, to svr.OnboardingState, err error) error {
	slog.Debug("onboarding state change rejected", "from", from, "to", to, "reason", err)
	m.Events.Emit(ctx, ocfsec.Event{
		Type:   ocfsec.EventTypeStateChangeRejected,
		Device: m.device(ctx),
		From:   from.String(),
		To:     to.String(),
		Error:  err,
	})
	return err
}

func (m *Machine) device(ctx context.Context) uuid.UUID {
	if m.Device != uuid.Nil {
		return m.Device
	}
	doxm, err := m.Store.Doxm(ctx)
	if err != nil {
		return uuid.Nil
	}
	return doxm.DeviceID
}
