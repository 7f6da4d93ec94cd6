// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package pdmtest contains a conformance suite for provisioning database
// implementations.
package pdmtest

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec/pdm"
)

// RunDBSuite is used to test different implementations of the provisioning
// database. Every subtest uses fresh device UUIDs, so the database may be
// shared with other tests.
func RunDBSuite(t *testing.T, db pdm.DB) { //nolint:gocyclo
	ctx := context.Background()

	active := func(t *testing.T) uuid.UUID {
		t.Helper()
		id := uuid.New()
		if err := db.AddDevice(ctx, id); err != nil {
			t.Fatalf("error adding device: %v", err)
		}
		if err := db.SetDeviceState(ctx, id, pdm.DeviceActive); err != nil {
			t.Fatalf("error activating device: %v", err)
		}
		return id
	}

	t.Run("Devices", func(t *testing.T) {
		id := uuid.New()
		if _, err := db.DeviceState(ctx, id); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := db.SetDeviceState(ctx, id, pdm.DeviceActive); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}

		if err := db.AddDevice(ctx, id); err != nil {
			t.Fatal(err)
		}
		if err := db.AddDevice(ctx, id); !errors.Is(err, pdm.ErrDuplicateDevice) {
			t.Fatalf("expected ErrDuplicateDevice, got %v", err)
		}
		if state, err := db.DeviceState(ctx, id); err != nil {
			t.Fatal(err)
		} else if state != pdm.DeviceInit {
			t.Fatalf("expected INIT, got %s", state)
		}

		owned, err := db.OwnedDevices(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if slices.Contains(owned, id) {
			t.Fatal("expected INIT device not to be listed as owned")
		}

		if err := db.SetDeviceState(ctx, id, pdm.DeviceActive); err != nil {
			t.Fatal(err)
		}
		if owned, err = db.OwnedDevices(ctx); err != nil {
			t.Fatal(err)
		} else if !slices.Contains(owned, id) {
			t.Fatal("expected ACTIVE device to be listed as owned")
		}

		if err := db.DeleteDevice(ctx, id); err != nil {
			t.Fatal(err)
		}
		if _, err := db.DeviceState(ctx, id); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
		if err := db.DeleteDevice(ctx, id); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("Links", func(t *testing.T) {
		a, b, c := active(t), active(t), active(t)

		if err := db.LinkDevices(ctx, a, a); !errors.Is(err, pdm.ErrSameDevice) {
			t.Fatalf("expected ErrSameDevice, got %v", err)
		}
		if err := db.LinkDevices(ctx, a, b); err != nil {
			t.Fatal(err)
		}
		if err := db.LinkDevices(ctx, c, a); err != nil {
			t.Fatal(err)
		}

		for _, pair := range [][2]uuid.UUID{{a, b}, {b, a}, {a, c}} {
			if ok, err := db.IsLinkExists(ctx, pair[0], pair[1]); err != nil {
				t.Fatal(err)
			} else if !ok {
				t.Fatalf("expected link %s-%s to exist", pair[0], pair[1])
			}
		}
		if ok, _ := db.IsLinkExists(ctx, b, c); ok {
			t.Fatal("expected no link between b and c")
		}

		linked, err := db.LinkedDevices(ctx, a)
		if err != nil {
			t.Fatal(err)
		}
		slices.SortFunc(linked, compareUUID)
		expected := []uuid.UUID{b, c}
		slices.SortFunc(expected, compareUUID)
		if !slices.Equal(linked, expected) {
			t.Fatalf("expected linked %v, got %v", expected, linked)
		}

		// Stale links still exist but are no longer linked
		if err := db.SetLinkStale(ctx, b, a); err != nil {
			t.Fatal(err)
		}
		if linked, err = db.LinkedDevices(ctx, a); err != nil {
			t.Fatal(err)
		} else if !slices.Equal(linked, []uuid.UUID{c}) {
			t.Fatalf("expected only %s to be linked, got %v", c, linked)
		}
		if ok, _ := db.IsLinkExists(ctx, a, b); !ok {
			t.Fatal("expected stale link to exist")
		}
		stale, err := db.StaleLinks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !containsLink(stale, a, b) {
			t.Fatalf("expected stale links to include %s-%s, got %v", a, b, stale)
		}

		if err := db.UnlinkDevices(ctx, a, b); err != nil {
			t.Fatal(err)
		}
		if ok, _ := db.IsLinkExists(ctx, a, b); ok {
			t.Fatal("expected link to be deleted")
		}
		if err := db.UnlinkDevices(ctx, a, b); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound unlinking twice, got %v", err)
		}
		if err := db.SetLinkStale(ctx, a, b); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound for missing link, got %v", err)
		}
	})

	t.Run("LinkRequiresActiveDevices", func(t *testing.T) {
		a := active(t)
		b := uuid.New()
		if err := db.LinkDevices(ctx, a, b); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if err := db.AddDevice(ctx, b); err != nil {
			t.Fatal(err)
		}
		if err := db.LinkDevices(ctx, a, b); !errors.Is(err, pdm.ErrDeviceNotActive) {
			t.Fatalf("expected ErrDeviceNotActive, got %v", err)
		}
	})

	t.Run("DeleteDeviceRemovesLinks", func(t *testing.T) {
		a, b, c := active(t), active(t), active(t)
		if err := db.LinkDevices(ctx, a, b); err != nil {
			t.Fatal(err)
		}
		if err := db.LinkDevices(ctx, b, c); err != nil {
			t.Fatal(err)
		}
		if err := db.SetLinkStale(ctx, b, c); err != nil {
			t.Fatal(err)
		}

		if err := db.DeleteDevice(ctx, b); err != nil {
			t.Fatal(err)
		}
		for _, peer := range []uuid.UUID{a, c} {
			if ok, _ := db.IsLinkExists(ctx, peer, b); ok {
				t.Fatalf("expected link %s-%s to be deleted", peer, b)
			}
		}
		stale, err := db.StaleLinks(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if containsLink(stale, b, c) {
			t.Fatal("expected stale link to be deleted with device")
		}
	})

	t.Run("DeleteDevicesWithState", func(t *testing.T) {
		initDev, staleDev, activeDev := uuid.New(), active(t), active(t)
		if err := db.AddDevice(ctx, initDev); err != nil {
			t.Fatal(err)
		}
		if err := db.LinkDevices(ctx, staleDev, activeDev); err != nil {
			t.Fatal(err)
		}
		if err := db.SetDeviceState(ctx, staleDev, pdm.DeviceStale); err != nil {
			t.Fatal(err)
		}

		if err := db.DeleteDevicesWithState(ctx, pdm.DeviceInit); err != nil {
			t.Fatal(err)
		}
		if _, err := db.DeviceState(ctx, initDev); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected INIT device to be deleted, got %v", err)
		}

		if err := db.DeleteDevicesWithState(ctx, pdm.DeviceStale); err != nil {
			t.Fatal(err)
		}
		if _, err := db.DeviceState(ctx, staleDev); !errors.Is(err, pdm.ErrNotFound) {
			t.Fatalf("expected STALE device to be deleted, got %v", err)
		}
		if ok, _ := db.IsLinkExists(ctx, staleDev, activeDev); ok {
			t.Fatal("expected links of deleted device to be removed")
		}
		if state, err := db.DeviceState(ctx, activeDev); err != nil || state != pdm.DeviceActive {
			t.Fatalf("expected ACTIVE device to remain, got %s, %v", state, err)
		}
	})
}

func compareUUID(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) }

func containsLink(links []pdm.Link, a, b uuid.UUID) bool {
	return slices.ContainsFunc(links, func(l pdm.Link) bool {
		return (l.A == a && l.B == b) || (l.A == b && l.B == a)
	})
}
