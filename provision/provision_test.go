// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/internal/memory"
	"github.com/ocfsec/go-ocfsec/ocftest"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/provision"
	"github.com/ocfsec/go-ocfsec/svr"
)

const wait = 10 * time.Millisecond

type fixture struct {
	*provision.Provisioner
	net    *ocftest.Network
	db     *memory.DB
	local  *svr.MemoryStore
	target ocfsec.Device
	peers  []ocfsec.Device
}

// setup creates a provisioning tool which owns a target device linked to n
// discoverable peers.
func setup(t *testing.T, n int) *fixture {
	t.Helper()
	ocftest.SetDefaultLogger(t)
	ctx := context.Background()

	toolID := uuid.New()
	f := &fixture{
		net:    ocftest.NewNetwork(),
		db:     memory.NewDB(),
		local:  svr.NewMemoryStore(svr.DefaultResources(toolID)),
		target: ocfsec.Device{ID: uuid.New(), Endpoint: "target", Owned: true, OwnerID: toolID},
	}
	f.Provisioner = &provision.Provisioner{Net: f.net, DB: f.db, Local: f.local}

	if err := f.AddOwnedDevice(ctx, f.target.ID); err != nil {
		t.Fatal(err)
	}
	f.net.Devices = append(f.net.Devices, f.target)
	for i := 0; i < n; i++ {
		peer := ocfsec.Device{ID: uuid.New(), Owned: true, OwnerID: toolID}
		if err := f.AddOwnedDevice(ctx, peer.ID); err != nil {
			t.Fatal(err)
		}
		if err := f.db.LinkDevices(ctx, f.target.ID, peer.ID); err != nil {
			t.Fatal(err)
		}
		f.peers = append(f.peers, peer)
		f.net.Devices = append(f.net.Devices, peer)
	}

	r := f.local.Snapshot()
	r.Cred.Add(svr.Credential{Subject: f.target.ID, Type: svr.CredSymmetricPairwise, PrivateData: []byte("owner psk")})
	r.ACL.Add(svr.ACE{Subject: f.target.ID, Resources: []string{"*"}, Permission: svr.PermissionFull})
	if err := f.local.Replace(ctx, r); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) linkState(t *testing.T, a, b uuid.UUID) (pdm.LinkState, bool) {
	t.Helper()
	return f.db.LinkState(a, b)
}

func (f *fixture) deviceExists(t *testing.T, id uuid.UUID) bool {
	t.Helper()
	_, err := f.db.DeviceState(context.Background(), id)
	if errors.Is(err, pdm.ErrNotFound) {
		return false
	}
	if err != nil {
		t.Fatal(err)
	}
	return true
}

type call struct {
	results  []ocfsec.ProvisionResult
	hasError bool
}

// recorder is a result callback which remembers every invocation.
type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) callback(results []ocfsec.ProvisionResult, hasError bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{results: results, hasError: hasError})
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// only returns the single invocation, failing if there was not exactly one.
func (r *recorder) only(t *testing.T) call {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) != 1 {
		t.Fatalf("expected callback to be called once, got %d", len(r.calls))
	}
	return r.calls[0]
}

func statusFor(results []ocfsec.ProvisionResult, id uuid.UUID) (ocfsec.Status, bool) {
	for _, r := range results {
		if r.DeviceID == id {
			return r.Status, true
		}
	}
	return 0, false
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}
