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
	"github.com/ocfsec/go-ocfsec/ocftest"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/svr"
)

func TestRemoveDevice(t *testing.T) {
	f := setup(t, 3)

	var rec recorder
	if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); err != nil {
		t.Fatal(err)
	}
	f.net.Wait()

	got := rec.only(t)
	if got.hasError {
		t.Fatalf("expected no error, got %v", got.results)
	}
	if len(got.results) != len(f.peers) {
		t.Fatalf("expected %d results, got %v", len(f.peers), got.results)
	}
	for _, peer := range f.peers {
		if status, ok := statusFor(got.results, peer.ID); !ok || status != ocfsec.StatusResourceDeleted {
			t.Errorf("expected RESOURCE_DELETED for %s, got %s", peer.ID, status)
		}
		if _, exists := f.linkState(t, f.target.ID, peer.ID); exists {
			t.Errorf("expected link to %s to be deleted", peer.ID)
		}
		if reqs := f.net.Requests(peer.ID); len(reqs) != 1 || reqs[0].Query.Get("subjectuuid") != f.target.ID.String() {
			t.Errorf("expected one credential delete for the target, got %+v", reqs)
		}
	}
	if f.deviceExists(t, f.target.ID) {
		t.Error("expected target to be deleted from the database")
	}
	if n := len(f.net.Requests(f.target.ID)); n != 0 {
		t.Errorf("expected no requests to the target, got %d", n)
	}
	if n := len(f.net.Canceled()); n != 1 {
		t.Errorf("expected discovery to be canceled once, got %d", n)
	}
}

func TestRemoveDeviceResponseOrder(t *testing.T) {
	for _, order := range permutations(3) {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			f := setup(t, 3)
			f.net.Hold = true

			var rec recorder
			if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); err != nil {
				t.Fatal(err)
			}
			pending := f.net.Pending()
			if len(pending) != 3 {
				t.Fatalf("expected 3 pending requests, got %d", len(pending))
			}

			for i, j := range order {
				if n := rec.count(); n != 0 {
					t.Fatalf("expected no callback after %d responses, got %d", i, n)
				}
				pending[j].Deliver()
			}
			got := rec.only(t)
			if got.hasError || len(got.results) != 3 {
				t.Fatalf("expected 3 results without error, got %v (error=%t)", got.results, got.hasError)
			}
			if pending[order[0]].Deliver(); rec.count() != 1 {
				t.Fatal("expected repeated delivery to be ignored")
			}
		})
	}
}

func TestRemoveDeviceFailures(t *testing.T) {
	other := uuid.New()
	for _, test := range []struct {
		name     string
		respond  ocftest.Responder
		expected ocfsec.ProvisionResult // DeviceID is replaced by the failing peer unless nil
		nilID    bool
	}{
		{
			name:     "forbidden",
			respond:  ocftest.Reply(ocfsec.StatusForbidden),
			expected: ocfsec.ProvisionResult{Status: ocfsec.StatusForbidden},
		},
		{
			name:     "no response",
			respond:  ocftest.NoReply,
			expected: ocfsec.ProvisionResult{Status: ocfsec.StatusError},
		},
		{
			name:     "unexpected identity",
			respond:  ocftest.ReplyAs(ocfsec.StatusResourceDeleted, other),
			expected: ocfsec.ProvisionResult{Status: ocfsec.StatusInconsistentDB},
			nilID:    true,
		},
		{
			name:     "unauthenticated failure",
			respond:  ocftest.ReplyAs(ocfsec.StatusNotAcceptable, uuid.Nil),
			expected: ocfsec.ProvisionResult{Status: ocfsec.StatusNotAcceptable},
			nilID:    true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := setup(t, 2)
			bad, good := f.peers[0], f.peers[1]
			f.net.Respond(bad.ID, test.respond)

			var rec recorder
			if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); err != nil {
				t.Fatal(err)
			}
			f.net.Wait()

			got := rec.only(t)
			if !got.hasError || len(got.results) != 2 {
				t.Fatalf("expected 2 results with error, got %v (error=%t)", got.results, got.hasError)
			}
			expected := test.expected
			if !test.nilID {
				expected.DeviceID = bad.ID
			}
			var found bool
			for _, r := range got.results {
				found = found || r == expected
			}
			if !found {
				t.Errorf("expected result %v in %v", expected, got.results)
			}
			if status, _ := statusFor(got.results, good.ID); status != ocfsec.StatusResourceDeleted {
				t.Errorf("expected RESOURCE_DELETED from the good peer, got %s", status)
			}

			if !f.deviceExists(t, f.target.ID) {
				t.Error("expected target to remain in the database")
			}
			if state, exists := f.linkState(t, f.target.ID, bad.ID); !exists || state != pdm.LinkStale {
				t.Errorf("expected link to failing peer to stay stale, got %s (exists=%t)", state, exists)
			}
			if _, exists := f.linkState(t, f.target.ID, good.ID); exists {
				t.Error("expected link to good peer to be deleted")
			}
		})
	}
}

func TestRemoveDeviceNothingToRevoke(t *testing.T) {
	t.Run("no links", func(t *testing.T) {
		f := setup(t, 0)
		var rec recorder
		if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); !errors.Is(err, ocfsec.StatusContinue) {
			t.Fatalf("expected CONTINUE, got %v", err)
		}
		if n := f.net.RequestCount(); n != 0 {
			t.Errorf("expected no requests, got %d", n)
		}
		if n := rec.count(); n != 0 {
			t.Errorf("expected no callbacks, got %d", n)
		}
		if !f.deviceExists(t, f.target.ID) {
			t.Error("expected target to remain in the database")
		}
	})

	t.Run("no reachable peers", func(t *testing.T) {
		f := setup(t, 2)
		f.net.Devices = nil

		var rec recorder
		if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); !errors.Is(err, ocfsec.StatusContinue) {
			t.Fatalf("expected CONTINUE, got %v", err)
		}
		if n := rec.count(); n != 0 {
			t.Errorf("expected no callbacks, got %d", n)
		}
		for _, peer := range f.peers {
			if state, exists := f.linkState(t, f.target.ID, peer.ID); !exists || state != pdm.LinkStale {
				t.Errorf("expected link to unreachable peer to be stale, got %s (exists=%t)", state, exists)
			}
		}
	})
}

func TestRemoveDeviceDispatchFailure(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		f := setup(t, 2)
		f.net.FailDispatch(f.peers[0].ID)

		var rec recorder
		if err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback); err != nil {
			t.Fatal(err)
		}
		f.net.Wait()

		got := rec.only(t)
		if !got.hasError || len(got.results) != 2 {
			t.Fatalf("expected 2 results with error, got %v (error=%t)", got.results, got.hasError)
		}
		if status, _ := statusFor(got.results, f.peers[0].ID); status != ocfsec.StatusError {
			t.Errorf("expected ERROR for undispatched peer, got %s", status)
		}
	})

	t.Run("all", func(t *testing.T) {
		f := setup(t, 2)
		for _, peer := range f.peers {
			f.net.FailDispatch(peer.ID)
		}

		var rec recorder
		err := f.RemoveDevice(context.Background(), wait, &f.target, rec.callback)
		if !errors.Is(err, ocftest.ErrDispatch) || !errors.Is(err, ocfsec.StatusError) {
			t.Fatalf("expected dispatch error, got %v", err)
		}
		f.net.Wait()
		if n := rec.count(); n != 0 {
			t.Errorf("expected no callbacks, got %d", n)
		}
	})
}

func TestRemoveDeviceWithoutDiscovery(t *testing.T) {
	f := setup(t, 2)
	owned := f.net.Devices
	f.net.Devices = nil

	var rec recorder
	if err := f.RemoveDeviceWithoutDiscovery(context.Background(), owned, &f.target, rec.callback); err != nil {
		t.Fatal(err)
	}
	f.net.Wait()

	if got := rec.only(t); got.hasError || len(got.results) != 2 {
		t.Fatalf("expected 2 results without error, got %v (error=%t)", got.results, got.hasError)
	}
	if n := len(f.net.Canceled()); n != 0 {
		t.Errorf("expected no discovery, got %d canceled handles", n)
	}
	if f.deviceExists(t, f.target.ID) {
		t.Error("expected target to be deleted from the database")
	}
}

func TestRemoveDeviceWithUUID(t *testing.T) {
	localCreds := func(t *testing.T, f *fixture) []svr.Credential {
		cred, err := f.local.Cred(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		return cred.BySubject(f.target.ID)
	}

	t.Run("linked", func(t *testing.T) {
		f := setup(t, 2)

		var rec recorder
		if err := f.RemoveDeviceWithUUID(context.Background(), wait, f.target.ID, rec.callback); err != nil {
			t.Fatal(err)
		}
		f.net.Wait()

		if got := rec.only(t); got.hasError || len(got.results) != 2 {
			t.Fatalf("expected 2 results without error, got %v (error=%t)", got.results, got.hasError)
		}
		if creds := localCreds(t, f); len(creds) != 0 {
			t.Errorf("expected local credential to be removed, got %v", creds)
		}
		if f.deviceExists(t, f.target.ID) {
			t.Error("expected target to be deleted from the database")
		}
	})

	t.Run("unlinked", func(t *testing.T) {
		f := setup(t, 0)

		var rec recorder
		if err := f.RemoveDeviceWithUUID(context.Background(), wait, f.target.ID, rec.callback); err != nil {
			t.Fatal(err)
		}
		if got := rec.only(t); got.hasError || len(got.results) != 0 {
			t.Fatalf("expected no results and no error, got %v (error=%t)", got.results, got.hasError)
		}
		if creds := localCreds(t, f); len(creds) != 0 {
			t.Errorf("expected local credential to be removed, got %v", creds)
		}
		state, err := f.db.DeviceState(context.Background(), f.target.ID)
		if err != nil {
			t.Fatal(err)
		}
		if state != pdm.DeviceStale {
			t.Errorf("expected device to be STALE, got %s", state)
		}
	})

	t.Run("nil UUID", func(t *testing.T) {
		f := setup(t, 0)
		var rec recorder
		if err := f.RemoveDeviceWithUUID(context.Background(), wait, uuid.Nil, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
			t.Fatalf("expected INVALID_PARAM, got %v", err)
		}
	})
}

func TestRemoveDeviceInvalid(t *testing.T) {
	f := setup(t, 1)
	ctx := context.Background()
	var rec recorder

	if err := f.RemoveDevice(ctx, wait, nil, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for missing device, got %v", err)
	}
	if err := f.RemoveDevice(ctx, 0, &f.target, rec.callback); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for zero wait, got %v", err)
	}
	if err := f.RemoveDevice(ctx, wait, &f.target, nil); !errors.Is(err, ocfsec.StatusInvalidCallback) {
		t.Errorf("expected INVALID_CALLBACK, got %v", err)
	}
	if n := f.net.RequestCount(); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}
