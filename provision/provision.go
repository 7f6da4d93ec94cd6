// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package provision implements the provisioning tool side of credential
// management: pairwise credential and ACL provisioning, revocation of
// credentials between devices, device removal, and remote reset.
//
// Except for discovery, all operations dispatch their requests and return
// immediately. Results are delivered once, through a result callback, on
// whichever goroutine the network layer uses to deliver the last response.
// The context passed to an operation is also used for the database updates
// made when responses arrive, so it must not be canceled before the result
// callback runs.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/svr"
)

// Request methods.
const (
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodDelete = "DELETE"
)

// Request is a single request to a device resource.
type Request struct {
	Method   string
	Device   ocfsec.Device
	Resource string
	Query    url.Values

	// Payload is encoded by the network layer, if non-nil.
	Payload any
}

// Response is a device's answer to a request.
type Response struct {
	Status ocfsec.Status

	// Identity is the device UUID authenticated by the secure session the
	// response arrived on, or the nil UUID if it is unknown.
	Identity uuid.UUID

	Payload []byte
}

// Handle identifies an outstanding request or discovery.
type Handle uint64

// ResponseHandler is called exactly once per dispatched request. A nil
// response means that no response arrived: the request timed out, failed in
// transport, or was canceled.
type ResponseHandler func(*Response)

// DiscoveryQuery selects devices during discovery.
type DiscoveryQuery struct {
	Owned bool
}

// Requester is the network layer used by a Provisioner.
type Requester interface {
	// SendRequest dispatches a request. An error means that the request was
	// not sent and the handler will never be called.
	SendRequest(ctx context.Context, req Request, handler ResponseHandler) (Handle, error)

	// Discover starts multicast discovery. found may be called concurrently
	// until the discovery is canceled.
	Discover(ctx context.Context, query DiscoveryQuery, found func(ocfsec.Device)) (Handle, error)

	// Cancel stops an outstanding request or discovery.
	Cancel(Handle) error
}

// Provisioner performs provisioning operations on remote devices and keeps
// the provisioning database consistent with their outcomes.
type Provisioner struct {
	Net Requester
	DB  pdm.DB

	// Local holds the provisioning tool's own security resources, which
	// contain credentials and ACEs for the devices it manages.
	Local svr.Store

	Events *ocfsec.Events
}

// DiscoverOwnedDevices blocks for the full wait time, collecting owned
// devices which answer discovery. Discovery is always canceled before
// returning.
func (p *Provisioner) DiscoverOwnedDevices(ctx context.Context, wait time.Duration) ([]ocfsec.Device, error) {
	return p.discover(ctx, DiscoveryQuery{Owned: true}, wait)
}

// DiscoverUnownedDevices is like DiscoverOwnedDevices, but for devices ready
// for ownership transfer.
func (p *Provisioner) DiscoverUnownedDevices(ctx context.Context, wait time.Duration) ([]ocfsec.Device, error) {
	return p.discover(ctx, DiscoveryQuery{Owned: false}, wait)
}

func (p *Provisioner) discover(ctx context.Context, query DiscoveryQuery, wait time.Duration) ([]ocfsec.Device, error) {
	if wait <= 0 {
		return nil, fmt.Errorf("%w: discovery wait time must be positive", ocfsec.StatusInvalidParam)
	}

	var (
		mu      sync.Mutex
		seen    = make(map[uuid.UUID]bool)
		devices []ocfsec.Device
	)
	handle, err := p.Net.Discover(ctx, query, func(dev ocfsec.Device) {
		if dev.ID == uuid.Nil || dev.Owned != query.Owned {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if seen[dev.ID] {
			return
		}
		seen[dev.ID] = true
		devices = append(devices, dev)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: starting discovery: %w", ocfsec.StatusError, err)
	}

	timer := time.NewTimer(wait)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	if err := p.Net.Cancel(handle); err != nil {
		slog.Warn("failed to cancel discovery", "error", err)
	}

	mu.Lock()
	defer mu.Unlock()
	slog.Debug("discovery finished", "owned", query.Owned, "found", len(devices))
	return append([]ocfsec.Device(nil), devices...), ctx.Err()
}

// AddOwnedDevice records a device whose ownership transfer completed.
func (p *Provisioner) AddOwnedDevice(ctx context.Context, id uuid.UUID) error {
	if err := p.DB.AddDevice(ctx, id); err != nil {
		return err
	}
	return p.DB.SetDeviceState(ctx, id, pdm.DeviceActive)
}

// CleanupForTimeout deletes devices whose ownership transfer never
// completed.
func (p *Provisioner) CleanupForTimeout(ctx context.Context) error {
	return p.DB.DeleteDevicesWithState(ctx, pdm.DeviceInit)
}

func deleteCredRequest(dev ocfsec.Device, subject uuid.UUID) Request {
	return Request{
		Method:   MethodDelete,
		Device:   dev,
		Resource: svr.CredURI,
		Query:    url.Values{"subjectuuid": {subject.String()}},
	}
}

func deleteACLRequest(dev ocfsec.Device, subject uuid.UUID) Request {
	return Request{
		Method:   MethodDelete,
		Device:   dev,
		Resource: svr.ACLURI,
		Query:    url.Values{"subjectuuid": {subject.String()}},
	}
}

func validatePair(a, b *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if err := b.Validate(); err != nil {
		return err
	}
	if a.ID == b.ID {
		return fmt.Errorf("%w: devices must be distinct", ocfsec.StatusInvalidParam)
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	return nil
}

// statusOf returns the status of a response, treating a missing response as
// a generic error.
func statusOf(resp *Response) ocfsec.Status {
	if resp == nil {
		return ocfsec.StatusError
	}
	return resp.Status
}
