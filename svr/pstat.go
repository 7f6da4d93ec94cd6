// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// OnboardingState is the Device Onboarding State (pstat dos.s).
type OnboardingState int

// Onboarding states. The numeric values are those used on the wire.
const (
	StateReset OnboardingState = iota
	StateRFOTM
	StateRFPRO
	StateRFNOP
	StateSReset
)

// States lists all onboarding states in wire order.
var States = []OnboardingState{StateReset, StateRFOTM, StateRFPRO, StateRFNOP, StateSReset}

func (s OnboardingState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateRFOTM:
		return "RFOTM"
	case StateRFPRO:
		return "RFPRO"
	case StateRFNOP:
		return "RFNOP"
	case StateSReset:
		return "SRESET"
	default:
		return fmt.Sprintf("OnboardingState(%d)", int(s))
	}
}

// Valid reports whether s is one of the five defined states.
func (s OnboardingState) Valid() bool { return s >= StateReset && s <= StateSReset }

// ParseState parses a state name, ignoring case.
func ParseState(name string) (OnboardingState, error) {
	for _, s := range States {
		if strings.EqualFold(name, s.String()) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown onboarding state %q", name)
}

// DeviceOnboardingState is the pstat dos property. Pending is true only while
// a transition is being processed.
type DeviceOnboardingState struct {
	State   OnboardingState `cbor:"s"`
	Pending bool            `cbor:"p"`
}

// ProvisioningMode holds the bits of the pstat cm (current mode) and tm
// (target mode) properties.
type ProvisioningMode struct {
	Reset                      bool
	BootstrapService           bool
	TakeOwner                  bool
	SecurityManagementServices bool
	ProvisionCredentials       bool
	ProvisionACLs              bool
	VerifySoftwareVersion      bool
	UpdateSoftware             bool
}

const (
	modeReset uint8 = 1 << iota
	modeBootstrapService
	modeTakeOwner
	modeSecurityManagementServices
	modeProvisionCredentials
	modeProvisionACLs
	modeVerifySoftwareVersion
	modeUpdateSoftware
)

// Bits returns the wire bitmask of the mode.
func (m ProvisioningMode) Bits() uint8 {
	var bits uint8
	for _, f := range []struct {
		set bool
		bit uint8
	}{
		{m.Reset, modeReset},
		{m.BootstrapService, modeBootstrapService},
		{m.TakeOwner, modeTakeOwner},
		{m.SecurityManagementServices, modeSecurityManagementServices},
		{m.ProvisionCredentials, modeProvisionCredentials},
		{m.ProvisionACLs, modeProvisionACLs},
		{m.VerifySoftwareVersion, modeVerifySoftwareVersion},
		{m.UpdateSoftware, modeUpdateSoftware},
	} {
		if f.set {
			bits |= f.bit
		}
	}
	return bits
}

// ModeFromBits parses a wire bitmask.
func ModeFromBits(bits uint8) ProvisioningMode {
	return ProvisioningMode{
		Reset:                      bits&modeReset != 0,
		BootstrapService:           bits&modeBootstrapService != 0,
		TakeOwner:                  bits&modeTakeOwner != 0,
		SecurityManagementServices: bits&modeSecurityManagementServices != 0,
		ProvisionCredentials:       bits&modeProvisionCredentials != 0,
		ProvisionACLs:              bits&modeProvisionACLs != 0,
		VerifySoftwareVersion:      bits&modeVerifySoftwareVersion != 0,
		UpdateSoftware:             bits&modeUpdateSoftware != 0,
	}
}

// MarshalCBOR implements cbor.Marshaler.
func (m ProvisioningMode) MarshalCBOR() ([]byte, error) { return cbor.Marshal(m.Bits()) }

// UnmarshalCBOR implements cbor.Unmarshaler.
func (m *ProvisioningMode) UnmarshalCBOR(data []byte) error {
	var bits uint8
	if err := cbor.Unmarshal(data, &bits); err != nil {
		return fmt.Errorf("provisioning mode: %w", err)
	}
	*m = ModeFromBits(bits)
	return nil
}

// OperationalMode is a pstat om/sm value.
type OperationalMode uint8

// Operational modes.
const (
	MultipleServiceServerDriven OperationalMode = 1 << iota
	SingleServiceServerDriven
	MultipleServiceClientDriven
	SingleServiceClientDriven
)

// Pstat is the provisioning status resource (/oic/sec/pstat).
type Pstat struct {
	DOS      DeviceOnboardingState `cbor:"dos"`
	IsOp     bool                  `cbor:"isop"`
	CM       ProvisioningMode      `cbor:"cm"`
	TM       ProvisioningMode      `cbor:"tm"`
	OM       OperationalMode       `cbor:"om"`
	SM       []OperationalMode     `cbor:"sm"`
	RownerID uuid.UUID             `cbor:"rowneruuid"`
}

// SupportsMode reports whether om is one of the supported modes in sm.
func (p *Pstat) SupportsMode(om OperationalMode) bool {
	for _, m := range p.SM {
		if m == om {
			return true
		}
	}
	return false
}

// DefaultPstat returns the manufacturer default pstat: ready for ownership
// transfer, not operational.
func DefaultPstat() Pstat {
	return Pstat{
		DOS: DeviceOnboardingState{State: StateRFOTM},
		CM:  ProvisioningMode{TakeOwner: true},
		OM:  SingleServiceClientDriven,
		SM:  []OperationalMode{SingleServiceClientDriven},
	}
}
