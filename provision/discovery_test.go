// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/internal/memory"
	"github.com/ocfsec/go-ocfsec/ocftest"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/provision"
)

func TestDiscovery(t *testing.T) {
	owned := ocfsec.Device{ID: uuid.New(), Owned: true}
	unowned := ocfsec.Device{ID: uuid.New()}
	net := ocftest.NewNetwork(owned, unowned, owned, ocfsec.Device{Owned: true})
	p := &provision.Provisioner{Net: net, DB: memory.NewDB()}
	ctx := context.Background()

	devices, err := p.DiscoverOwnedDevices(ctx, wait)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != owned.ID {
		t.Errorf("expected only %s, got %v", owned.ID, devices)
	}

	devices, err = p.DiscoverUnownedDevices(ctx, wait)
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 1 || devices[0].ID != unowned.ID {
		t.Errorf("expected only %s, got %v", unowned.ID, devices)
	}

	if n := len(net.Canceled()); n != 2 {
		t.Errorf("expected both discoveries to be canceled, got %d", n)
	}

	if _, err := p.DiscoverOwnedDevices(ctx, 0); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM, got %v", err)
	}
}

func TestDiscoveryCanceled(t *testing.T) {
	net := ocftest.NewNetwork()
	p := &provision.Provisioner{Net: net, DB: memory.NewDB()}

	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	if _, err := p.DiscoverOwnedDevices(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestCleanupForTimeout(t *testing.T) {
	db := memory.NewDB()
	p := &provision.Provisioner{Net: ocftest.NewNetwork(), DB: db}
	ctx := context.Background()

	pending, active := uuid.New(), uuid.New()
	if err := db.AddDevice(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := p.AddOwnedDevice(ctx, active); err != nil {
		t.Fatal(err)
	}
	if err := p.CleanupForTimeout(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := db.DeviceState(ctx, pending); !errors.Is(err, pdm.ErrNotFound) {
		t.Errorf("expected INIT device to be deleted, got %v", err)
	}
	if state, err := db.DeviceState(ctx, active); err != nil || state != pdm.DeviceActive {
		t.Errorf("expected ACTIVE device to remain, got %s (%v)", state, err)
	}
}
