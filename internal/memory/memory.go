// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package memory implements the provisioning database using non-persistent
// memory. It is useful for tests and for tools which discover and provision
// devices within a single process lifetime.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec/pdm"
)

type linkKey [2]uuid.UUID

func key(a, b uuid.UUID) linkKey {
	a, b = pdm.Ordered(a, b)
	return linkKey{a, b}
}

// DB implements pdm.DB with maps.
type DB struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]pdm.DeviceState
	links   map[linkKey]pdm.LinkState
}

var _ pdm.DB = (*DB)(nil)

// NewDB initializes an empty in-memory database.
func NewDB() *DB {
	return &DB{
		devices: make(map[uuid.UUID]pdm.DeviceState),
		links:   make(map[linkKey]pdm.LinkState),
	}
}

// AddDevice implements pdm.DB.
func (db *DB) AddDevice(_ context.Context, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.devices[id]; exists {
		return fmt.Errorf("%w: %s", pdm.ErrDuplicateDevice, id)
	}
	db.devices[id] = pdm.DeviceInit
	return nil
}

// SetDeviceState implements pdm.DB.
func (db *DB) SetDeviceState(_ context.Context, id uuid.UUID, state pdm.DeviceState) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.devices[id]; !exists {
		return fmt.Errorf("device %s: %w", id, pdm.ErrNotFound)
	}
	db.devices[id] = state
	return nil
}

// DeviceState implements pdm.DB.
func (db *DB) DeviceState(_ context.Context, id uuid.UUID) (pdm.DeviceState, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	state, exists := db.devices[id]
	if !exists {
		return 0, fmt.Errorf("device %s: %w", id, pdm.ErrNotFound)
	}
	return state, nil
}

// DeleteDevice implements pdm.DB.
func (db *DB) DeleteDevice(_ context.Context, id uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, exists := db.devices[id]; !exists {
		return fmt.Errorf("device %s: %w", id, pdm.ErrNotFound)
	}
	db.deleteDevice(id)
	return nil
}

func (db *DB) deleteDevice(id uuid.UUID) {
	for k := range db.links {
		if k[0] == id || k[1] == id {
			delete(db.links, k)
		}
	}
	delete(db.devices, id)
}

// DeleteDevicesWithState implements pdm.DB.
func (db *DB) DeleteDevicesWithState(_ context.Context, state pdm.DeviceState) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for id, s := range db.devices {
		if s == state {
			db.deleteDevice(id)
		}
	}
	return nil
}

// OwnedDevices implements pdm.DB.
func (db *DB) OwnedDevices(context.Context) ([]uuid.UUID, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var ids []uuid.UUID
	for id, state := range db.devices {
		if state == pdm.DeviceActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// LinkDevices implements pdm.DB.
func (db *DB) LinkDevices(_ context.Context, a, b uuid.UUID) error {
	if a == b {
		return pdm.ErrSameDevice
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, id := range []uuid.UUID{a, b} {
		state, exists := db.devices[id]
		if !exists {
			return fmt.Errorf("device %s: %w", id, pdm.ErrNotFound)
		}
		if state != pdm.DeviceActive {
			return fmt.Errorf("device %s is %s: %w", id, state, pdm.ErrDeviceNotActive)
		}
	}
	db.links[key(a, b)] = pdm.LinkActive
	return nil
}

// UnlinkDevices implements pdm.DB.
func (db *DB) UnlinkDevices(_ context.Context, a, b uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := key(a, b)
	if _, exists := db.links[k]; !exists {
		return fmt.Errorf("link %s-%s: %w", a, b, pdm.ErrNotFound)
	}
	delete(db.links, k)
	return nil
}

// SetLinkStale implements pdm.DB.
func (db *DB) SetLinkStale(_ context.Context, a, b uuid.UUID) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := key(a, b)
	if _, exists := db.links[k]; !exists {
		return fmt.Errorf("link %s-%s: %w", a, b, pdm.ErrNotFound)
	}
	db.links[k] = pdm.LinkStale
	return nil
}

// LinkedDevices implements pdm.DB.
func (db *DB) LinkedDevices(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var ids []uuid.UUID
	for k, state := range db.links {
		if state != pdm.LinkActive {
			continue
		}
		switch id {
		case k[0]:
			ids = append(ids, k[1])
		case k[1]:
			ids = append(ids, k[0])
		}
	}
	return ids, nil
}

// StaleLinks implements pdm.DB.
func (db *DB) StaleLinks(context.Context) ([]pdm.Link, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var links []pdm.Link
	for k, state := range db.links {
		if state == pdm.LinkStale {
			links = append(links, pdm.Link{A: k[0], B: k[1], State: state})
		}
	}
	return links, nil
}

// IsLinkExists implements pdm.DB.
func (db *DB) IsLinkExists(_ context.Context, a, b uuid.UUID) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, exists := db.links[key(a, b)]
	return exists, nil
}

// LinkState returns the state of a link, for tests.
func (db *DB) LinkState(a, b uuid.UUID) (pdm.LinkState, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	state, exists := db.links[key(a, b)]
	return state, exists
}

// Close implements pdm.DB.
func (db *DB) Close() error { return nil }
