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
	"github.com/ocfsec/go-ocfsec/pdm"
)

// RemoveDevice revokes the credentials for target from every linked device
// which is currently reachable, then deletes target from the database.
//
// Linked devices are looked up in the database and owned devices are
// discovered for the wait time. Every link of target is marked stale, and one
// credential delete is sent to each linked device which answered discovery.
// cb is called once, with one result per request, after the last response.
// The device is deleted from the database only if every request succeeded.
//
// [ocfsec.StatusContinue] is returned, and cb is never called, if target has
// no links or none of its linked devices were discovered. If no request
// could be dispatched, the last dispatch error is returned and cb is never
// called.
func (p *Provisioner) RemoveDevice(ctx context.Context, wait time.Duration, target *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	if wait <= 0 {
		return fmt.Errorf("%w: discovery wait time must be positive", ocfsec.StatusInvalidParam)
	}

	linked, err := p.linkedDevices(ctx, target.ID)
	if err != nil {
		return err
	}
	if len(linked) == 0 {
		return ocfsec.StatusContinue
	}

	owned, err := p.DiscoverOwnedDevices(ctx, wait)
	if err != nil {
		return err
	}
	return p.revoke(ctx, target.ID, linked, owned, false, p.removeCompletion(ctx, target.ID, cb))
}

// RemoveDeviceWithoutDiscovery is like RemoveDevice, but uses a list of
// owned devices from an earlier discovery.
func (p *Provisioner) RemoveDeviceWithoutDiscovery(ctx context.Context, owned []ocfsec.Device, target *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := target.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}

	linked, err := p.linkedDevices(ctx, target.ID)
	if err != nil {
		return err
	}
	if len(linked) == 0 {
		return ocfsec.StatusContinue
	}
	return p.revoke(ctx, target.ID, linked, owned, false, p.removeCompletion(ctx, target.ID, cb))
}

// RemoveDeviceWithUUID removes a device known only by its UUID. Its local
// credential is removed and its database record marked stale before the
// credentials held by its peers are revoked. Unlike RemoveDevice, cb is
// called (with no results) even when there is nothing to revoke.
func (p *Provisioner) RemoveDeviceWithUUID(ctx context.Context, wait time.Duration, id uuid.UUID, cb ocfsec.ResultCallback) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: nil device UUID", ocfsec.StatusInvalidParam)
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	if wait <= 0 {
		return fmt.Errorf("%w: discovery wait time must be positive", ocfsec.StatusInvalidParam)
	}

	linked, err := p.linkedDevices(ctx, id)
	if err != nil {
		return err
	}
	var owned []ocfsec.Device
	if len(linked) > 0 {
		if owned, err = p.DiscoverOwnedDevices(ctx, wait); err != nil {
			return err
		}
	}

	if err := p.removeLocalCredential(ctx, id); err != nil {
		return err
	}
	if err := p.DB.SetDeviceState(ctx, id, pdm.DeviceStale); err != nil {
		slog.Warn("failed to mark removed device stale", "device", id, "error", err)
	}

	if len(linked) == 0 {
		cb(nil, false)
		return nil
	}
	err = p.revoke(ctx, id, linked, owned, false, p.removeCompletion(ctx, id, cb))
	if errors.Is(err, ocfsec.StatusContinue) {
		cb(nil, false)
		return nil
	}
	return err
}

func (p *Provisioner) linkedDevices(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	linked, err := p.DB.LinkedDevices(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: looking up linked devices: %w", ocfsec.StatusError, err)
	}
	return linked, nil
}

// removeCompletion deletes the target from the database if every
// revocation succeeded, then reports the results.
func (p *Provisioner) removeCompletion(ctx context.Context, target uuid.UUID, cb ocfsec.ResultCallback) func([]ocfsec.ProvisionResult, bool) {
	return func(results []ocfsec.ProvisionResult, hasError bool) {
		if !hasError {
			if err := p.DB.DeleteDevice(ctx, target); err != nil {
				slog.Error("credentials revoked but device could not be deleted", "device", target, "error", err)
				p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeInconsistentDB, Device: target, Error: err})
				hasError = true
			} else {
				p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeDeviceRemoved, Device: target})
			}
		}
		p.Events.Emit(ctx, ocfsec.Event{
			Type:   ocfsec.EventTypeRevocationCompleted,
			Device: target,
			Count:  len(results),
		})
		cb(results, hasError)
	}
}

// revoke marks every link of target stale and sends a credential delete to
// each linked device present in owned. The aggregated results are passed to
// complete.
func (p *Provisioner) revoke(ctx context.Context, target uuid.UUID, linked []uuid.UUID, owned []ocfsec.Device, revokeACL bool, complete func([]ocfsec.ProvisionResult, bool)) error {
	isLinked := make(map[uuid.UUID]bool, len(linked))
	for _, id := range linked {
		if err := p.DB.SetLinkStale(ctx, target, id); err != nil {
			return fmt.Errorf("%w: marking link to %s stale: %w", ocfsec.StatusError, id, err)
		}
		p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeLinkStale, Device: target, Peer: id})
		isLinked[id] = true
	}

	var peers []ocfsec.Device
	for _, dev := range owned {
		if isLinked[dev.ID] {
			peers = append(peers, dev)
			delete(isLinked, dev.ID)
		}
	}
	if len(peers) == 0 {
		slog.Debug("no linked device is reachable", "device", target, "linked", len(linked))
		return ocfsec.StatusContinue
	}

	agg := newAggregator(len(peers), complete)
	var (
		lastErr    error
		dispatched int
	)
	for _, peer := range peers {
		if revokeACL {
			p.revokeACEs(ctx, peer, target)
		}
		handler := p.revocationHandler(ctx, agg, target, peer.ID)
		if _, err := p.Net.SendRequest(ctx, deleteCredRequest(peer, target), handler); err != nil {
			slog.Warn("failed to send credential delete", "device", peer.ID, "subject", target, "error", err)
			lastErr = fmt.Errorf("%w: sending credential delete to %s: %w", ocfsec.StatusError, peer.ID, err)
			agg.register(ocfsec.ProvisionResult{DeviceID: peer.ID, Status: ocfsec.StatusError}, true)
			continue
		}
		dispatched++
	}
	if dispatched == 0 {
		agg.discard()
		return lastErr
	}

	p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeRevocationStarted, Device: target, Count: dispatched})
	agg.arm()
	return nil
}

// revokeACEs asks peer to delete the ACEs naming target. The outcome is only
// logged and does not count toward the revocation result.
func (p *Provisioner) revokeACEs(ctx context.Context, peer ocfsec.Device, target uuid.UUID) {
	_, err := p.Net.SendRequest(ctx, deleteACLRequest(peer, target), func(resp *Response) {
		switch {
		case resp == nil:
			slog.Debug("no response to ACL delete", "device", peer.ID, "subject", target)
		case !resp.Status.Success():
			slog.Debug("ACL delete failed", "device", peer.ID, "subject", target, "status", resp.Status)
		}
	})
	if err != nil {
		slog.Warn("failed to send ACL delete", "device", peer.ID, "subject", target, "error", err)
	}
}

// revocationHandler records the response of one peer. A confirmed delete
// from the expected device also deletes the link.
func (p *Provisioner) revocationHandler(ctx context.Context, agg *aggregator, target, peer uuid.UUID) ResponseHandler {
	return func(resp *Response) {
		if resp == nil {
			agg.register(ocfsec.ProvisionResult{DeviceID: peer, Status: ocfsec.StatusError}, true)
			return
		}

		if resp.Identity == uuid.Nil || resp.Identity != peer {
			slog.Warn("credential delete response has unexpected identity",
				"expected", peer, "got", resp.Identity, "status", resp.Status)
			status := resp.Status
			if status == ocfsec.StatusResourceDeleted {
				status = ocfsec.StatusInconsistentDB
			}
			agg.register(ocfsec.ProvisionResult{Status: status}, true)
			return
		}

		if resp.Status != ocfsec.StatusResourceDeleted {
			agg.register(ocfsec.ProvisionResult{DeviceID: peer, Status: resp.Status}, true)
			return
		}

		if err := p.DB.UnlinkDevices(ctx, target, peer); err != nil {
			slog.Error("credential revoked but link could not be deleted", "device", target, "peer", peer, "error", err)
			p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeInconsistentDB, Device: target, Peer: peer, Error: err})
			agg.register(ocfsec.ProvisionResult{DeviceID: peer, Status: ocfsec.StatusInconsistentDB}, true)
			return
		}
		p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeLinkDeleted, Device: target, Peer: peer})
		agg.register(ocfsec.ProvisionResult{DeviceID: peer, Status: ocfsec.StatusResourceDeleted}, false)
	}
}
