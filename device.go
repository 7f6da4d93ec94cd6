// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ocfsec

import (
	"fmt"

	"github.com/google/uuid"
)

// Device is a resolved descriptor of a remote device, as produced by
// discovery.
type Device struct {
	// ID is the device UUID (doxm deviceuuid).
	ID uuid.UUID

	// Endpoint is an address the network layer can use to reach the device.
	Endpoint string

	// Owned and OwnerID mirror the device's doxm owned and devowneruuid
	// properties at discovery time.
	Owned   bool
	OwnerID uuid.UUID
}

// Validate checks that the descriptor can be used as a request target.
func (d *Device) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: missing device", StatusInvalidParam)
	}
	if d.ID == uuid.Nil {
		return fmt.Errorf("%w: device has nil UUID", StatusInvalidParam)
	}
	return nil
}

func (d Device) String() string {
	if d.Endpoint == "" {
		return d.ID.String()
	}
	return d.ID.String() + "@" + d.Endpoint
}

// ProvisionResult is the outcome of one step of a provisioning operation.
// A nil DeviceID marks a result which is not attributable to a single
// device, such as the local database update.
type ProvisionResult struct {
	DeviceID uuid.UUID
	Status   Status
}

// ResultCallback receives the results of an asynchronous provisioning
// operation. It is invoked exactly once for every operation that was
// successfully started. hasError is true if any step failed.
type ResultCallback func(results []ProvisionResult, hasError bool)
