// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/internal/memory"
	"github.com/ocfsec/go-ocfsec/ocftest"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/provision"
	"github.com/ocfsec/go-ocfsec/svr"
)

type unlinkFailingDB struct{ *memory.DB }

func (unlinkFailingDB) UnlinkDevices(context.Context, uuid.UUID, uuid.UUID) error {
	return fmt.Errorf("injected unlink failure")
}

func TestUnlinkDevices(t *testing.T) {
	f := setup(t, 1)
	a, b := f.target, f.peers[0]

	var rec recorder
	if err := f.UnlinkDevices(context.Background(), &a, &b, rec.callback); err != nil {
		t.Fatal(err)
	}
	f.net.Wait()

	got := rec.only(t)
	if got.hasError {
		t.Fatalf("expected no error, got %v", got.results)
	}
	expected := []ocfsec.ProvisionResult{
		{DeviceID: b.ID, Status: ocfsec.StatusResourceDeleted},
		{DeviceID: a.ID, Status: ocfsec.StatusResourceDeleted},
	}
	if fmt.Sprint(got.results) != fmt.Sprint(expected) {
		t.Fatalf("expected %v, got %v", expected, got.results)
	}
	if _, exists := f.linkState(t, a.ID, b.ID); exists {
		t.Fatal("expected link to be deleted")
	}

	reqB := f.net.Requests(b.ID)
	if len(reqB) != 1 || reqB[0].Method != provision.MethodDelete || reqB[0].Resource != svr.CredURI {
		t.Fatalf("expected one credential delete to B, got %+v", reqB)
	}
	if subject := reqB[0].Query.Get("subjectuuid"); subject != a.ID.String() {
		t.Fatalf("expected B to delete credential for %s, got %q", a.ID, subject)
	}
	if reqA := f.net.Requests(a.ID); len(reqA) != 1 || reqA[0].Query.Get("subjectuuid") != b.ID.String() {
		t.Fatalf("expected one credential delete to A for B, got %+v", reqA)
	}
}

func TestUnlinkDevicesFailure(t *testing.T) {
	for _, test := range []struct {
		name      string
		responseA ocftest.Responder
		responseB ocftest.Responder
		expected  []ocfsec.Status
	}{
		{
			name:      "no response from B",
			responseB: ocftest.NoReply,
			expected:  []ocfsec.Status{ocfsec.StatusError},
		},
		{
			name:      "B forbidden",
			responseB: ocftest.Reply(ocfsec.StatusForbidden),
			expected:  []ocfsec.Status{ocfsec.StatusForbidden},
		},
		{
			name:      "A not found",
			responseA: ocftest.Reply(ocfsec.StatusNoResource),
			expected:  []ocfsec.Status{ocfsec.StatusResourceDeleted, ocfsec.StatusNoResource},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := setup(t, 1)
			a, b := f.target, f.peers[0]
			if test.responseA != nil {
				f.net.Respond(a.ID, test.responseA)
			}
			if test.responseB != nil {
				f.net.Respond(b.ID, test.responseB)
			}

			var rec recorder
			if err := f.UnlinkDevices(context.Background(), &a, &b, rec.callback); err != nil {
				t.Fatal(err)
			}
			f.net.Wait()

			got := rec.only(t)
			if !got.hasError {
				t.Fatal("expected error")
			}
			if len(got.results) != len(test.expected) {
				t.Fatalf("expected %d results, got %v", len(test.expected), got.results)
			}
			for i, status := range test.expected {
				if got.results[i].Status != status {
					t.Errorf("result %d: expected %s, got %s", i, status, got.results[i].Status)
				}
			}
			if len(test.expected) == 1 && len(f.net.Requests(a.ID)) != 0 {
				t.Error("expected no request to A after B failed")
			}
			if state, exists := f.linkState(t, a.ID, b.ID); !exists || state != pdm.LinkStale {
				t.Errorf("expected link to stay stale, got %s (exists=%t)", state, exists)
			}
		})
	}
}

func TestUnlinkDevicesInconsistentDB(t *testing.T) {
	f := setup(t, 1)
	f.DB = unlinkFailingDB{f.db}
	a, b := f.target, f.peers[0]

	var rec recorder
	if err := f.UnlinkDevices(context.Background(), &a, &b, rec.callback); err != nil {
		t.Fatal(err)
	}
	f.net.Wait()

	got := rec.only(t)
	if !got.hasError || len(got.results) != 3 {
		t.Fatalf("expected 3 results with error, got %v (error=%t)", got.results, got.hasError)
	}
	if last := got.results[2]; last.DeviceID != uuid.Nil || last.Status != ocfsec.StatusInconsistentDB {
		t.Fatalf("expected nil device with INCONSISTENT_DB, got %v", last)
	}
}

func TestUnlinkDevicesInvalid(t *testing.T) {
	f := setup(t, 2)
	a, b, c := f.target, f.peers[0], f.peers[1]
	ctx := context.Background()
	var rec recorder

	// Peers are linked to the target only
	if err := f.UnlinkDevices(ctx, &b, &c, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for unlinked devices, got %v", err)
	}
	if err := f.UnlinkDevices(ctx, &a, &a, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for same device, got %v", err)
	}
	if err := f.UnlinkDevices(ctx, nil, &b, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for missing device, got %v", err)
	}
	if err := f.UnlinkDevices(ctx, &a, &b, nil); !errors.Is(err, ocfsec.StatusInvalidCallback) {
		t.Errorf("expected INVALID_CALLBACK, got %v", err)
	}

	f.net.FailDispatch(b.ID)
	if err := f.UnlinkDevices(ctx, &a, &b, rec.callback); !errors.Is(err, ocftest.ErrDispatch) {
		t.Errorf("expected dispatch error, got %v", err)
	}

	if n := f.net.RequestCount(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
	if n := rec.count(); n != 0 {
		t.Errorf("expected no callbacks, got %d", n)
	}
}
