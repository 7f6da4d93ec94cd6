// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package pdm defines the provisioning database, which records the devices
// owned by a provisioning tool and the pairwise credential links between
// them.
package pdm

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Errors returned by DB implementations.
var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateDevice = errors.New("device already exists")
	ErrDeviceNotActive = errors.New("device is not active")
	ErrSameDevice      = errors.New("a device cannot be linked to itself")
)

// DeviceState is the state of a device record.
type DeviceState int

// Device states.
const (
	// DeviceInit is the state of a device added before ownership transfer
	// completed.
	DeviceInit DeviceState = iota
	DeviceActive
	// DeviceStale marks a device which has been removed from its peers but
	// whose record could not yet be deleted.
	DeviceStale
)

func (s DeviceState) String() string {
	switch s {
	case DeviceInit:
		return "INIT"
	case DeviceActive:
		return "ACTIVE"
	case DeviceStale:
		return "STALE"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// LinkState is the state of a link. A deleted link has no record.
type LinkState int

// Link states.
const (
	LinkActive LinkState = iota
	// LinkStale marks a link whose credentials are being, or failed to be,
	// revoked.
	LinkStale
)

func (s LinkState) String() string {
	switch s {
	case LinkActive:
		return "ACTIVE"
	case LinkStale:
		return "STALE"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// Link is a pairwise credential relationship. Links are symmetric.
type Link struct {
	A, B  uuid.UUID
	State LinkState
}

// DB is the provisioning database. Links are unordered: (a, b) and (b, a)
// name the same link.
type DB interface {
	// AddDevice records a new device in the INIT state.
	AddDevice(ctx context.Context, id uuid.UUID) error

	// SetDeviceState changes the state of a device.
	SetDeviceState(ctx context.Context, id uuid.UUID, state DeviceState) error

	// DeviceState returns the state of a device or ErrNotFound.
	DeviceState(ctx context.Context, id uuid.UUID) (DeviceState, error)

	// DeleteDevice removes a device and all of its links atomically.
	DeleteDevice(ctx context.Context, id uuid.UUID) error

	// DeleteDevicesWithState removes all devices, and their links, in the
	// given state.
	DeleteDevicesWithState(ctx context.Context, state DeviceState) error

	// OwnedDevices lists devices in the ACTIVE state.
	OwnedDevices(ctx context.Context) ([]uuid.UUID, error)

	// LinkDevices records an active link between two active devices.
	LinkDevices(ctx context.Context, a, b uuid.UUID) error

	// UnlinkDevices deletes a link in any state.
	UnlinkDevices(ctx context.Context, a, b uuid.UUID) error

	// SetLinkStale marks an existing link stale.
	SetLinkStale(ctx context.Context, a, b uuid.UUID) error

	// LinkedDevices lists the devices with an ACTIVE link to id.
	LinkedDevices(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)

	// StaleLinks lists all links in the STALE state.
	StaleLinks(ctx context.Context) ([]Link, error)

	// IsLinkExists reports whether a link in any state exists.
	IsLinkExists(ctx context.Context, a, b uuid.UUID) (bool, error)

	Close() error
}

// Ordered returns the pair in a canonical order, for implementations which
// store each link once.
func Ordered(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
