// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import "github.com/google/uuid"

// Ownership transfer methods.
const (
	OxmJustWorks      = 0
	OxmRandomPIN      = 1
	OxmManufacturerCA = 2
)

// Doxm is the device owner transfer resource (/oic/sec/doxm).
type Doxm struct {
	Oxms       []int     `cbor:"oxms"`
	OxmSel     int       `cbor:"oxmsel"`
	Owned      bool      `cbor:"owned"`
	DeviceID   uuid.UUID `cbor:"deviceuuid"`
	DevOwnerID uuid.UUID `cbor:"devowneruuid"`
	RownerID   uuid.UUID `cbor:"rowneruuid"`
}

// DefaultDoxm returns an unowned doxm for the given device UUID.
func DefaultDoxm(deviceID uuid.UUID) Doxm {
	return Doxm{
		Oxms:     []int{OxmJustWorks, OxmRandomPIN, OxmManufacturerCA},
		OxmSel:   OxmJustWorks,
		DeviceID: deviceID,
	}
}
