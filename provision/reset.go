// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/svr"
)

// ResetDevice asks target to return to its manufacturer state by posting a
// reset request to its pstat resource.
//
// Whatever the response, once it arrives (or fails to) the local credential
// and ACEs for target are removed and target is deleted from the database.
// Failures of those cleanup steps are logged only. cb receives the result of
// the reset request. Only a failure to dispatch the request is returned.
func (p *Provisioner) ResetDevice(ctx context.Context, target *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	dev := *target

	req := Request{
		Method:   MethodPost,
		Device:   dev,
		Resource: svr.PstatURI,
		Payload:  svr.ResetRequest(),
	}
	if _, err := p.Net.SendRequest(ctx, req, func(resp *Response) {
		status := statusOf(resp)
		p.cleanupResetDevice(ctx, dev.ID)
		cb([]ocfsec.ProvisionResult{{DeviceID: dev.ID, Status: status}}, !status.Success())
	}); err != nil {
		return fmt.Errorf("%w: sending reset to %s: %w", ocfsec.StatusError, dev.ID, err)
	}

	slog.Debug("reset requested", "device", dev.ID)
	p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeResetRequested, Device: dev.ID})
	return nil
}

func (p *Provisioner) cleanupResetDevice(ctx context.Context, id uuid.UUID) {
	if err := p.removeLocalCredential(ctx, id); err != nil {
		slog.Warn("failed to remove credential of reset device", "device", id, "error", err)
	}
	if err := p.removeLocalACEs(ctx, id); err != nil {
		slog.Warn("failed to remove ACEs of reset device", "device", id, "error", err)
	}
	if err := p.DB.DeleteDevice(ctx, id); err != nil {
		slog.Warn("failed to delete reset device from database", "device", id, "error", err)
		return
	}
	p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeDeviceRemoved, Device: id})
}

// SyncAndResetDevice first asks its reachable linked devices to delete the
// ACEs and credentials naming target and then resets it with ResetDevice.
// ACE deletion is best effort and is not reported. cb is called
// once, with the revocation results followed by the reset result.
func (p *Provisioner) SyncAndResetDevice(ctx context.Context, wait time.Duration, target *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	if wait <= 0 {
		return fmt.Errorf("%w: discovery wait time must be positive", ocfsec.StatusInvalidParam)
	}
	dev := *target

	linked, err := p.linkedDevices(ctx, dev.ID)
	if err != nil {
		return err
	}
	if len(linked) == 0 {
		return p.ResetDevice(ctx, &dev, cb)
	}

	owned, err := p.DiscoverOwnedDevices(ctx, wait)
	if err != nil {
		return err
	}

	err = p.revoke(ctx, dev.ID, linked, owned, true, func(revoked []ocfsec.ProvisionResult, revokeErr bool) {
		p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeRevocationCompleted, Device: dev.ID, Count: len(revoked)})
		if err := p.ResetDevice(ctx, &dev, func(reset []ocfsec.ProvisionResult, resetErr bool) {
			cb(append(revoked, reset...), revokeErr || resetErr)
		}); err != nil {
			slog.Error("failed to reset device after revocation", "device", dev.ID, "error", err)
			cb(append(revoked, ocfsec.ProvisionResult{DeviceID: dev.ID, Status: ocfsec.StatusError}), true)
		}
	})
	if errors.Is(err, ocfsec.StatusContinue) {
		return p.ResetDevice(ctx, &dev, cb)
	}
	return err
}

func (p *Provisioner) removeLocalCredential(ctx context.Context, id uuid.UUID) error {
	if p.Local == nil {
		return nil
	}
	cred, err := p.Local.Cred(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading local credentials: %w", ocfsec.StatusInternalError, err)
	}
	if cred.RemoveSubject(id) == 0 {
		return nil
	}
	if err := p.Local.SetCred(ctx, cred); err != nil {
		return fmt.Errorf("%w: removing local credential: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}

func (p *Provisioner) removeLocalACEs(ctx context.Context, id uuid.UUID) error {
	if p.Local == nil {
		return nil
	}
	acl, err := p.Local.ACL(ctx)
	if err != nil {
		return fmt.Errorf("%w: reading local ACL: %w", ocfsec.StatusInternalError, err)
	}
	if acl.RemoveSubject(id) == 0 {
		return nil
	}
	if err := p.Local.SetACL(ctx, acl); err != nil {
		return fmt.Errorf("%w: removing local ACEs: %w", ocfsec.StatusInternalError, err)
	}
	return nil
}
