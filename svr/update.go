// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import "github.com/google/uuid"

// PstatUpdate is the body of a pstat POST request. Absent properties are
// nil and left unchanged.
type PstatUpdate struct {
	DOS      *DeviceOnboardingState `cbor:"dos,omitempty"`
	IsOp     *bool                  `cbor:"isop,omitempty"`
	CM       *ProvisioningMode      `cbor:"cm,omitempty"`
	TM       *ProvisioningMode      `cbor:"tm,omitempty"`
	OM       *OperationalMode       `cbor:"om,omitempty"`
	SM       []OperationalMode      `cbor:"sm,omitempty"`
	RownerID *uuid.UUID             `cbor:"rowneruuid,omitempty"`
}

// ResetRequest returns the update a provisioning tool sends to return a
// device to its manufacturer state.
func ResetRequest() PstatUpdate {
	return PstatUpdate{
		DOS: &DeviceOnboardingState{State: StateReset},
		CM:  &ProvisioningMode{Reset: true},
		TM:  &ProvisioningMode{TakeOwner: true},
	}
}

// IsReset reports whether the update requests a hardware reset.
func (u *PstatUpdate) IsReset() bool {
	return u.CM != nil && u.CM.Reset && u.TM != nil && u.TM.TakeOwner
}

// Property identifies a pstat property for access checks.
type Property int

// Pstat properties.
const (
	PropDOS Property = iota
	PropIsOp
	PropCM
	PropTM
	PropOM
	PropSM
	PropRownerID
)

var propertyNames = [...]string{"dos", "isop", "cm", "tm", "om", "sm", "rowneruuid"}

func (p Property) String() string { return propertyNames[p] }

// pstatWritable holds which properties may be written in each state.
//
//	            RESET RFOTM RFPRO RFNOP SRESET
//	dos         R     RW    RW    RW    RW
//	isop        R     R     R     R     R
//	cm          R     R     R     R     R
//	tm          R     RW    RW    RW    RW
//	om          R     RW    RW    RW    RW
//	sm          R     R     R     R     R
//	rowneruuid  R     RW    R     R     RW
var pstatWritable = [...][5]bool{
	PropDOS:      {false, true, true, true, true},
	PropIsOp:     {},
	PropCM:       {},
	PropTM:       {false, true, true, true, true},
	PropOM:       {false, true, true, true, true},
	PropSM:       {},
	PropRownerID: {false, true, false, false, true},
}

// Writable reports whether a pstat property may be set by a client while
// the device is in the given state.
func Writable(p Property, s OnboardingState) bool {
	if !s.Valid() {
		return false
	}
	return pstatWritable[p][s]
}

// ReadOnlyViolations lists the properties present in the update which are
// read-only in state s. The cm of a reset request is not reported.
func (u *PstatUpdate) ReadOnlyViolations(s OnboardingState) []Property {
	present := map[Property]bool{
		PropDOS:      u.DOS != nil,
		PropIsOp:     u.IsOp != nil,
		PropCM:       u.CM != nil && !u.IsReset(),
		PropTM:       u.TM != nil,
		PropOM:       u.OM != nil,
		PropSM:       u.SM != nil,
		PropRownerID: u.RownerID != nil,
	}
	var violations []Property
	for p := PropDOS; p <= PropRownerID; p++ {
		if present[p] && !Writable(p, s) {
			violations = append(violations, p)
		}
	}
	return violations
}
