// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package dos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/svr"
)

// HandleUpdate applies a pstat update received from a client.
//
// Updates touching properties which are read-only in the current state are
// rejected with [ocfsec.StatusNotAcceptable], as are refused state changes.
// An unsupported operational mode is rejected with
// [ocfsec.StatusInvalidParam]. A reset request moves the device to RESET
// (and from there to RFOTM) and ignores all other properties.
func (m *Machine) HandleUpdate(ctx context.Context, u svr.PstatUpdate) error {
	pstat, err := m.Store.Pstat(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
	}

	if ro := u.ReadOnlyViolations(pstat.DOS.State); len(ro) > 0 {
		return fmt.Errorf("%w: read-only properties %v in state %s", ocfsec.StatusNotAcceptable, ro, pstat.DOS.State)
	}
	if u.OM != nil && !pstat.SupportsMode(*u.OM) {
		return fmt.Errorf("%w: operational mode %d is not supported", ocfsec.StatusInvalidParam, *u.OM)
	}

	if u.IsReset() {
		slog.Info("hardware reset requested")
		return stateChangeError(m.SetState(ctx, svr.StateReset))
	}

	if u.DOS != nil && u.DOS.State != pstat.DOS.State {
		if err := stateChangeError(m.SetState(ctx, u.DOS.State)); err != nil {
			return err
		}
		if pstat, err = m.Store.Pstat(ctx); err != nil {
			return fmt.Errorf("%w: reading pstat: %w", ocfsec.StatusInternalError, err)
		}
	}

	if u.TM != nil {
		if !pstat.TM.VerifySoftwareVersion && u.TM.VerifySoftwareVersion {
			slog.Info("software version validation initiated")
			pstat.CM.VerifySoftwareVersion = false
		}
		if !pstat.TM.UpdateSoftware && u.TM.UpdateSoftware {
			slog.Info("software update initiated")
			pstat.CM.UpdateSoftware = false
		}
		pstat.TM.VerifySoftwareVersion = u.TM.VerifySoftwareVersion
		pstat.TM.UpdateSoftware = u.TM.UpdateSoftware
	}
	if u.OM != nil {
		pstat.OM = *u.OM
	}
	if u.RownerID != nil {
		pstat.RownerID = *u.RownerID
	}
	if err := m.Store.SetPstat(ctx, pstat); err != nil {
		return fmt.Errorf("%w: writing pstat: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}

// stateChangeError maps a SetState error to the status reported to a
// client.
func stateChangeError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ocfsec.StatusForbidden):
		return fmt.Errorf("%w: %w", ocfsec.StatusNotAcceptable, err)
	case errors.Is(err, ocfsec.StatusInvalidParam):
		return err
	default:
		return fmt.Errorf("%w: %w", ocfsec.StatusInternalError, err)
	}
}
