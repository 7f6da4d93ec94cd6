// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/pdm"
)

// UnlinkDevices revokes the pairwise credentials between two devices.
//
// The link is marked stale first. Device B is asked to delete its
// credential for A and, only once B confirms, A is asked to delete its
// credential for B. When both confirm, the link is deleted from the database
// and cb receives both results without error. On any failure cb receives the
// results so far with hasError set and the link stays stale.
//
// An error is returned, and cb is never called, if the arguments are
// invalid, the link cannot be marked stale, or the request to B cannot be
// dispatched.
func (p *Provisioner) UnlinkDevices(ctx context.Context, a, b *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := validatePair(a, b, cb); err != nil {
		return err
	}
	devA, devB := *a, *b

	if err := p.DB.SetLinkStale(ctx, devA.ID, devB.ID); errors.Is(err, pdm.ErrNotFound) {
		return fmt.Errorf("%w: %s and %s are not linked", ocfsec.StatusInvalidParam, devA.ID, devB.ID)
	} else if err != nil {
		return fmt.Errorf("%w: marking link stale: %w", ocfsec.StatusError, err)
	}
	p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeLinkStale, Device: devA.ID, Peer: devB.ID})

	u := &unlink{p: p, ctx: ctx, a: devA, b: devB, cb: cb, results: make([]ocfsec.ProvisionResult, 0, 3)}
	if _, err := p.Net.SendRequest(ctx, deleteCredRequest(devB, devA.ID), u.handleB); err != nil {
		return fmt.Errorf("%w: sending credential delete to %s: %w", ocfsec.StatusError, devB.ID, err)
	}
	return nil
}

// unlink is the state of one UnlinkDevices operation. Its handlers run
// strictly one after the other.
type unlink struct {
	p       *Provisioner
	ctx     context.Context
	a, b    ocfsec.Device
	cb      ocfsec.ResultCallback
	results []ocfsec.ProvisionResult
}

func (u *unlink) fail(id uuid.UUID, status ocfsec.Status) {
	u.results = append(u.results, ocfsec.ProvisionResult{DeviceID: id, Status: status})
	slog.Debug("unlink failed, link left stale", "device", id, "status", status, "a", u.a.ID, "b", u.b.ID)
	u.cb(u.results, true)
}

func (u *unlink) handleB(resp *Response) {
	if status := statusOf(resp); status != ocfsec.StatusResourceDeleted {
		u.fail(u.b.ID, status)
		return
	}
	u.results = append(u.results, ocfsec.ProvisionResult{DeviceID: u.b.ID, Status: ocfsec.StatusResourceDeleted})

	if _, err := u.p.Net.SendRequest(u.ctx, deleteCredRequest(u.a, u.b.ID), u.handleA); err != nil {
		slog.Warn("failed to send credential delete", "device", u.a.ID, "error", err)
		u.fail(u.a.ID, ocfsec.StatusError)
	}
}

func (u *unlink) handleA(resp *Response) {
	if status := statusOf(resp); status != ocfsec.StatusResourceDeleted {
		u.fail(u.a.ID, status)
		return
	}
	u.results = append(u.results, ocfsec.ProvisionResult{DeviceID: u.a.ID, Status: ocfsec.StatusResourceDeleted})

	if err := u.p.DB.UnlinkDevices(u.ctx, u.a.ID, u.b.ID); err != nil {
		slog.Error("credentials revoked but link could not be deleted", "a", u.a.ID, "b", u.b.ID, "error", err)
		u.p.Events.Emit(u.ctx, ocfsec.Event{Type: ocfsec.EventTypeInconsistentDB, Device: u.a.ID, Peer: u.b.ID, Error: err})
		u.fail(uuid.Nil, ocfsec.StatusInconsistentDB)
		return
	}
	u.p.Events.Emit(u.ctx, ocfsec.Event{Type: ocfsec.EventTypeLinkDeleted, Device: u.a.ID, Peer: u.b.ID})
	u.cb(u.results, false)
}
