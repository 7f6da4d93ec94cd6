// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package ocftest contains test harnesses for the provisioning packages.
package ocftest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/provision"
)

// ErrDispatch is returned by SendRequest for devices marked with
// FailDispatch.
var ErrDispatch = errors.New("dispatch failed")

// Responder produces the response of a device to a request. Returning nil
// simulates a request which never gets a response.
type Responder func(dev ocfsec.Device, req provision.Request) *provision.Response

// Reply answers every request with status, authenticated as the device
// itself.
func Reply(status ocfsec.Status) Responder {
	return func(dev ocfsec.Device, _ provision.Request) *provision.Response {
		return &provision.Response{Status: status, Identity: dev.ID}
	}
}

// ReplyAs answers every request with status, authenticated as identity.
func ReplyAs(status ocfsec.Status, identity uuid.UUID) Responder {
	return func(ocfsec.Device, provision.Request) *provision.Response {
		return &provision.Response{Status: status, Identity: identity}
	}
}

// NoReply never answers.
func NoReply(ocfsec.Device, provision.Request) *provision.Response { return nil }

// Accept answers with the success status matching the request method.
func Accept(dev ocfsec.Device, req provision.Request) *provision.Response {
	switch req.Method {
	case provision.MethodDelete:
		return &provision.Response{Status: ocfsec.StatusResourceDeleted, Identity: dev.ID}
	case provision.MethodPost:
		return &provision.Response{Status: ocfsec.StatusResourceChanged, Identity: dev.ID}
	default:
		return &provision.Response{Status: ocfsec.StatusOK, Identity: dev.ID}
	}
}

// Pending is a dispatched request whose response has not been delivered.
type Pending struct {
	Handle  provision.Handle
	Request provision.Request

	resp    *provision.Response
	handler provision.ResponseHandler
	once    sync.Once
}

// Deliver calls the response handler. Only the first call has an effect.
func (p *Pending) Deliver() {
	p.once.Do(func() { p.handler(p.resp) })
}

// Network is an in-memory provision.Requester.
//
// Devices are returned by every discovery. Each request is answered by the
// responder set for its target with Respond, or by Accept. Unless Hold is
// set, responses are delivered on a new goroutine; with Hold, they are
// queued until released through Pending.
type Network struct {
	Devices []ocfsec.Device
	Hold    bool

	mu         sync.Mutex
	next       provision.Handle
	responders map[uuid.UUID]Responder
	failing    map[uuid.UUID]bool
	requests   map[uuid.UUID][]provision.Request
	pending    []*Pending
	open       map[provision.Handle]*Pending
	canceled   []provision.Handle
	wg         sync.WaitGroup
}

var _ provision.Requester = (*Network)(nil)

// NewNetwork creates a network where the given devices are discoverable.
func NewNetwork(devices ...ocfsec.Device) *Network {
	return &Network{Devices: devices}
}

// Respond sets the responder for a device.
func (n *Network) Respond(id uuid.UUID, r Responder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.responders == nil {
		n.responders = make(map[uuid.UUID]Responder)
	}
	n.responders[id] = r
}

// FailDispatch makes every SendRequest to a device fail.
func (n *Network) FailDispatch(id uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failing == nil {
		n.failing = make(map[uuid.UUID]bool)
	}
	n.failing[id] = true
}

// Requests returns the requests dispatched to a device, in order.
func (n *Network) Requests(id uuid.UUID) []provision.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]provision.Request(nil), n.requests[id]...)
}

// RequestCount returns the number of requests dispatched to all devices.
func (n *Network) RequestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	var count int
	for _, reqs := range n.requests {
		count += len(reqs)
	}
	return count
}

// Pending returns and clears the queue of held responses.
func (n *Network) Pending() []*Pending {
	n.mu.Lock()
	defer n.mu.Unlock()
	pending := n.pending
	n.pending = nil
	return pending
}

// Canceled returns the handles passed to Cancel.
func (n *Network) Canceled() []provision.Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]provision.Handle(nil), n.canceled...)
}

// Wait blocks until every asynchronously delivered response was handled.
func (n *Network) Wait() { n.wg.Wait() }

// SendRequest implements provision.Requester.
func (n *Network) SendRequest(ctx context.Context, req provision.Request, handler provision.ResponseHandler) (provision.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n.mu.Lock()
	if n.failing[req.Device.ID] {
		n.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrDispatch, req.Device.ID)
	}
	if n.requests == nil {
		n.requests = make(map[uuid.UUID][]provision.Request)
	}
	n.requests[req.Device.ID] = append(n.requests[req.Device.ID], req)

	respond, ok := n.responders[req.Device.ID]
	if !ok {
		respond = Accept
	}
	n.next++
	p := &Pending{Handle: n.next, Request: req, handler: handler, resp: respond(req.Device, req)}
	if n.open == nil {
		n.open = make(map[provision.Handle]*Pending)
	}
	n.open[p.Handle] = p
	if n.Hold {
		n.pending = append(n.pending, p)
		n.mu.Unlock()
		return p.Handle, nil
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		p.Deliver()
	}()
	return p.Handle, nil
}

// Discover implements provision.Requester. All devices are reported before
// it returns.
func (n *Network) Discover(ctx context.Context, _ provision.DiscoveryQuery, found func(ocfsec.Device)) (provision.Handle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.next++
	handle := n.next
	devices := append([]ocfsec.Device(nil), n.Devices...)
	n.mu.Unlock()

	for _, dev := range devices {
		found(dev)
	}
	return handle, nil
}

// Cancel implements provision.Requester. A held response which was not yet
// delivered is replaced by no response.
func (n *Network) Cancel(h provision.Handle) error {
	n.mu.Lock()
	if h == 0 || h > n.next {
		n.mu.Unlock()
		return ocfsec.StatusInvalidRequestHandle
	}
	n.canceled = append(n.canceled, h)
	p := n.open[h]
	delete(n.open, h)
	n.mu.Unlock()

	if p != nil {
		p.once.Do(func() { p.handler(nil) })
	}
	return nil
}
