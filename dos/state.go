// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dos

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/svr"
)

// entryModes are the mode bits applied on entering a state.
type entryModes struct {
	isOp                 bool
	cmReset, cmTakeOwner bool
	tmReset, tmTakeOwner bool
}

var entry = [5]entryModes{
	svr.StateReset:  {isOp: false, cmReset: true, tmTakeOwner: true},
	svr.StateRFOTM:  {isOp: false, cmTakeOwner: true},
	svr.StateRFPRO:  {isOp: false},
	svr.StateRFNOP:  {isOp: true},
	svr.StateSReset: {isOp: false, cmReset: true},
}

func (e entryModes) apply(p *svr.Pstat) {
	p.IsOp = e.isOp
	p.CM.Reset, p.CM.TakeOwner = e.cmReset, e.cmTakeOwner
	p.TM.Reset, p.TM.TakeOwner = e.tmReset, e.tmTakeOwner
}

func forbidden(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ocfsec.StatusForbidden, fmt.Sprintf(format, a...))
}

func (m *Machine) checkPreconditions(ctx context.Context, to svr.OnboardingState) error {
	if to == svr.StateReset {
		return nil
	}

	doxm, err := m.Store.Doxm(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading doxm: %w", ocfsec.StatusInternalError, err)
	}

	switch to {
	case svr.StateRFOTM:
		if doxm.Owned {
			return forbidden("%s requires an unowned device", to)
		}
		if doxm.DevOwnerID != uuid.Nil {
			return forbidden("%s requires a nil devowneruuid", to)
		}
		if doxm.DeviceID != uuid.Nil {
			slog.Debug("entering RFOTM with deviceuuid already set", "deviceuuid", doxm.DeviceID)
		}
		return nil

	case svr.StateSReset:
		return checkOwned(to, doxm)

	case svr.StateRFPRO, svr.StateRFNOP:
		if err := checkOwned(to, doxm); err != nil {
			return err
		}
		if err := m.checkResourceOwners(ctx, to, doxm); err != nil {
			return err
		}
		if to == svr.StateRFNOP {
			pstat, err := m.Store.Pstat(ctx)
			if err != nil {
				return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
			}
			if pstat.IsOp {
				return forbidden("%s requires isop to be false", to)
			}
		}
		return nil
	}
	panic("unreachable")
}

func checkOwned(to svr.OnboardingState, doxm svr.Doxm) error {
	switch {
	case !doxm.Owned:
		return forbidden("%s requires an owned device", to)
	case doxm.DevOwnerID == uuid.Nil:
		return forbidden("%s requires devowneruuid", to)
	case doxm.DeviceID == uuid.Nil:
		return forbidden("%s requires deviceuuid", to)
	}
	return nil
}

func (m *Machine) checkResourceOwners(ctx context.Context, to svr.OnboardingState, doxm svr.Doxm) error {
	acl, err := m.Store.ACL(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading acl: %w", ocfsec.StatusInternalError, err)
	}
	cred, err := m.Store.Cred(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading cred: %w", ocfsec.StatusInternalError, err)
	}
	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	for _, r := range []struct {
		uri   string
		owner uuid.UUID
	}{
		{svr.ACLURI, acl.RownerID},
		{svr.CredURI, cred.RownerID},
		{svr.DoxmURI, doxm.RownerID},
		{svr.PstatURI, pstat.RownerID},
	} {
		if r.owner == uuid.Nil {
			return forbidden("%s requires rowneruuid of %s", to, r.uri)
		}
	}
	return nil
}

// enter applies the entry procedure of any state other than RESET.
func (m *Machine) enter(ctx context.Context, to svr.OnboardingState) error {
	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	entry[to].apply(&pstat)
	pstat.DOS.State = to
	if err := m.Store.SetPstat(ctx, pstat); err != nil {
		return fmt.Errorf("%w: writing pstat: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}

// enterReset restores manufacturer defaults and then clears ownership.
func (m *Machine) enterReset(ctx context.Context) error {
	if err := m.Store.RestoreDefaults(ctx); err != nil {
		return fmt.Errorf("%w: restoring defaults: %w", ocfsec.StatusInternalError, err)
	}

	doxm, err := m.Store.Doxm(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading doxm: %w", ocfsec.StatusInternalError, err)
	}
	doxm.Owned = false
	doxm.DevOwnerID = uuid.Nil
	doxm.RownerID = uuid.Nil
	if err := m.Store.SetDoxm(ctx, doxm); err != nil {
		return fmt.Errorf("%w: writing doxm: %w", ocfsec.StatusInternalError, err)
	}

	acl, err := m.Store.ACL(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading acl: %w", ocfsec.StatusInternalError, err)
	}
	acl.RownerID = uuid.Nil
	if err := m.Store.SetACL(ctx, acl); err != nil {
		return fmt.Errorf("%w: writing acl: %w", ocfsec.StatusInternalError, err)
	}

	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}
	pstat.RownerID = uuid.Nil
	entry[svr.StateReset].apply(&pstat)
	pstat.DOS = svr.DeviceOnboardingState{State: svr.StateReset, Pending: true}
	if err := m.Store.SetPstat(ctx, pstat); err != nil {
		return fmt.Errorf("%w: writing pstat: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}
