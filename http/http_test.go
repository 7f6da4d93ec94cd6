// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/dos"
	ocf_http "github.com/ocfsec/go-ocfsec/http"
	"github.com/ocfsec/go-ocfsec/internal/memory"
	"github.com/ocfsec/go-ocfsec/ocftest"
	"github.com/ocfsec/go-ocfsec/provision"
	"github.com/ocfsec/go-ocfsec/svr"
)

var ownerID = uuid.MustParse("11111111-1111-1111-1111-111111111111")

// transport routes requests to an in-process handler per host. Requests to
// unknown hosts block until canceled.
type transport struct {
	handlers map[string]http.Handler
}

func (tr *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	h, ok := tr.handlers[req.URL.Host]
	if !ok {
		<-req.Context().Done()
		return nil, req.Context().Err()
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	resp := rr.Result()
	resp.Request = req
	return resp, nil
}

type device struct {
	ocfsec.Device
	store *svr.MemoryStore
}

// newDevice creates a device in normal operation, holding a pairwise
// credential for each peer.
func newDevice(t *testing.T, tr *transport, host string, peers ...uuid.UUID) device {
	t.Helper()
	id := uuid.New()
	store := svr.NewMemoryStore(svr.DefaultResources(id))
	r := store.Snapshot()
	r.Doxm.Owned = true
	r.Doxm.DevOwnerID = ownerID
	r.Doxm.RownerID = ownerID
	r.ACL.RownerID = ownerID
	r.Cred.RownerID = ownerID
	r.Pstat.RownerID = ownerID
	r.Pstat.DOS.State = svr.StateRFNOP
	r.Pstat.IsOp = true
	for _, peer := range peers {
		r.Cred.Add(svr.Credential{Subject: peer, Type: svr.CredSymmetricPairwise, PrivateData: []byte("0123456789abcdef")})
	}
	if err := store.Replace(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	if tr.handlers == nil {
		tr.handlers = make(map[string]http.Handler)
	}
	tr.handlers[host] = &ocf_http.Handler{Store: store, Machine: dos.New(store, nil)}
	return device{
		Device: ocfsec.Device{ID: id, Endpoint: "http://" + host, Owned: true, OwnerID: ownerID},
		store:  store,
	}
}

// send performs a request and waits for its response.
func send(t *testing.T, c *ocf_http.Client, req provision.Request) *provision.Response {
	t.Helper()
	ch := make(chan *provision.Response, 1)
	if _, err := c.SendRequest(context.Background(), req, func(resp *provision.Response) { ch <- resp }); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-ch:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestHandler(t *testing.T) {
	ocftest.SetDefaultLogger(t)
	peer := uuid.New()
	tr := new(transport)
	dev := newDevice(t, tr, "device.test", peer)
	c := &ocf_http.Client{Client: &http.Client{Transport: tr}}

	isop := false
	rowner := uuid.New()
	deleteCred := provision.Request{
		Method:   provision.MethodDelete,
		Device:   dev.Device,
		Resource: svr.CredURI,
		Query:    url.Values{"subjectuuid": {peer.String()}},
	}

	for _, test := range []struct {
		name   string
		req    provision.Request
		status ocfsec.Status
	}{
		{
			name:   "get doxm",
			req:    provision.Request{Method: provision.MethodGet, Device: dev.Device, Resource: svr.DoxmURI},
			status: ocfsec.StatusOK,
		},
		{
			name:   "unknown resource",
			req:    provision.Request{Method: provision.MethodGet, Device: dev.Device, Resource: "/oic/sec/sp"},
			status: ocfsec.StatusNoResource,
		},
		{
			name:   "delete credential",
			req:    deleteCred,
			status: ocfsec.StatusResourceDeleted,
		},
		{
			name:   "delete missing credential",
			req:    deleteCred,
			status: ocfsec.StatusNoResource,
		},
		{
			name:   "delete without subject",
			req:    provision.Request{Method: provision.MethodDelete, Device: dev.Device, Resource: svr.CredURI},
			status: ocfsec.StatusInvalidParam,
		},
		{
			name: "read-only property",
			req: provision.Request{
				Method: provision.MethodPost, Device: dev.Device, Resource: svr.PstatURI,
				Payload: svr.PstatUpdate{IsOp: &isop},
			},
			status: ocfsec.StatusNotAcceptable,
		},
		{
			name: "rowner read-only in RFNOP",
			req: provision.Request{
				Method: provision.MethodPost, Device: dev.Device, Resource: svr.PstatURI,
				Payload: svr.PstatUpdate{RownerID: &rowner},
			},
			status: ocfsec.StatusNotAcceptable,
		},
		{
			name: "post ACL",
			req: provision.Request{
				Method: provision.MethodPost, Device: dev.Device, Resource: svr.ACLURI,
				Payload: svr.ACL{ACEs: []svr.ACE{{Subject: peer, Resources: []string{"*"}, Permission: svr.PermissionRead}}},
			},
			status: ocfsec.StatusResourceChanged,
		},
		{
			name:   "undecodable body",
			req:    provision.Request{Method: provision.MethodPost, Device: dev.Device, Resource: svr.CredURI, Payload: "not a cred"},
			status: ocfsec.StatusInvalidParam,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			resp := send(t, c, test.req)
			if resp == nil {
				t.Fatal("expected a response")
			}
			if resp.Status != test.status {
				t.Errorf("expected %s, got %s", test.status, resp.Status)
			}
			if test.status != ocfsec.StatusNoResource && resp.Identity != dev.ID {
				t.Errorf("expected identity %s, got %s", dev.ID, resp.Identity)
			}
		})
	}

	doxm := send(t, c, provision.Request{Method: provision.MethodGet, Device: dev.Device, Resource: svr.DoxmURI})
	var got svr.Doxm
	if err := svr.Unmarshal(doxm.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.DeviceID != dev.ID || !got.Owned {
		t.Errorf("expected owned doxm for %s, got %+v", dev.ID, got)
	}
}

func TestHandlerReset(t *testing.T) {
	ocftest.SetDefaultLogger(t)
	tr := new(transport)
	dev := newDevice(t, tr, "device.test", uuid.New())
	c := &ocf_http.Client{Client: &http.Client{Transport: tr}}

	resp := send(t, c, provision.Request{
		Method: provision.MethodPost, Device: dev.Device, Resource: svr.PstatURI,
		Payload: svr.ResetRequest(),
	})
	if resp == nil || resp.Status != ocfsec.StatusResourceChanged {
		t.Fatalf("expected RESOURCE_CHANGED, got %+v", resp)
	}
	if resp.Identity != dev.ID {
		t.Errorf("expected identity %s, got %s", dev.ID, resp.Identity)
	}

	r := dev.store.Snapshot()
	if r.Pstat.DOS.State != svr.StateRFOTM || r.Pstat.DOS.Pending {
		t.Errorf("expected RFOTM without pending, got %+v", r.Pstat.DOS)
	}
	if r.Doxm.Owned || len(r.Cred.Creds) != 0 {
		t.Errorf("expected unowned device without credentials, got owned=%t creds=%d", r.Doxm.Owned, len(r.Cred.Creds))
	}
}

func TestClientCancel(t *testing.T) {
	c := &ocf_http.Client{Client: &http.Client{Transport: new(transport)}}
	dev := ocfsec.Device{ID: uuid.New(), Endpoint: "http://unreachable.test"}

	ch := make(chan *provision.Response, 1)
	h, err := c.SendRequest(context.Background(), provision.Request{
		Method: provision.MethodGet, Device: dev, Resource: svr.DoxmURI,
	}, func(resp *provision.Response) { ch <- resp })
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Cancel(h); err != nil {
		t.Fatal(err)
	}
	select {
	case resp := <-ch:
		if resp != nil {
			t.Fatalf("expected no response, got %+v", resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called after cancel")
	}

	if err := c.Cancel(h); !errors.Is(err, ocfsec.StatusInvalidRequestHandle) {
		t.Errorf("expected INVALID_REQUEST_HANDLE, got %v", err)
	}
	if _, err := c.SendRequest(context.Background(), provision.Request{Method: "PUT", Device: dev}, func(*provision.Response) {}); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for unsupported method, got %v", err)
	}
}

func TestClientDiscover(t *testing.T) {
	ocftest.SetDefaultLogger(t)
	tr := new(transport)
	owned := newDevice(t, tr, "owned.test")
	unowned := svr.NewMemoryStore(svr.DefaultResources(uuid.New()))
	tr.handlers["unowned.test"] = &ocf_http.Handler{Store: unowned, Machine: dos.New(unowned, nil)}

	c := &ocf_http.Client{
		Client: &http.Client{Transport: tr},
		Peers:  []string{"http://owned.test", "http://unowned.test", "http://unreachable.test"},
	}

	var mu sync.Mutex
	var found []ocfsec.Device
	h, err := c.Discover(context.Background(), provision.DiscoveryQuery{Owned: true}, func(dev ocfsec.Device) {
		mu.Lock()
		defer mu.Unlock()
		found = append(found, dev)
	})
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := c.Cancel(h); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(found) != 1 || found[0].ID != owned.ID || found[0].Endpoint != owned.Endpoint {
		t.Fatalf("expected to find %s, got %v", owned.Device, found)
	}
}

func TestRemoveDeviceOverHTTP(t *testing.T) {
	ocftest.SetDefaultLogger(t)
	ctx := context.Background()

	targetID := uuid.New()
	tr := new(transport)
	peers := []device{
		newDevice(t, tr, "peer1.test", targetID),
		newDevice(t, tr, "peer2.test", targetID),
	}

	db := memory.NewDB()
	c := &ocf_http.Client{
		Client: &http.Client{Transport: tr},
		Peers:  []string{"http://peer1.test", "http://peer2.test"},
	}
	p := &provision.Provisioner{Net: c, DB: db}
	if err := p.AddOwnedDevice(ctx, targetID); err != nil {
		t.Fatal(err)
	}
	for _, peer := range peers {
		if err := p.AddOwnedDevice(ctx, peer.ID); err != nil {
			t.Fatal(err)
		}
		if err := db.LinkDevices(ctx, targetID, peer.ID); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan bool, 1)
	target := ocfsec.Device{ID: targetID, Endpoint: "http://target.test", Owned: true}
	if err := p.RemoveDevice(ctx, 200*time.Millisecond, &target, func(results []ocfsec.ProvisionResult, hasError bool) {
		if len(results) != 2 {
			t.Errorf("expected 2 results, got %v", results)
		}
		done <- hasError
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case hasError := <-done:
		if hasError {
			t.Fatal("expected revocation to succeed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for revocation")
	}

	for _, peer := range peers {
		snap := peer.store.Snapshot()
		if creds := snap.Cred.BySubject(targetID); len(creds) != 0 {
			t.Errorf("expected %s to have no credential for the target, got %v", peer.ID, creds)
		}
	}
	if linked, err := db.LinkedDevices(ctx, targetID); err != nil || len(linked) != 0 {
		t.Errorf("expected no links, got %v (%v)", linked, err)
	}
}
