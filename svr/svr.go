// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package svr implements the security virtual resources of a device (pstat,
// doxm, acl2, cred) and their persistence.
package svr

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

// Resource URIs.
const (
	PstatURI = "/oic/sec/pstat"
	DoxmURI  = "/oic/sec/doxm"
	ACLURI   = "/oic/sec/acl2"
	CredURI  = "/oic/sec/cred"
)

// Resources is a complete snapshot of the security virtual resources.
type Resources struct {
	Pstat Pstat `cbor:"pstat"`
	Doxm  Doxm  `cbor:"doxm"`
	ACL   ACL   `cbor:"acl2"`
	Cred  Cred  `cbor:"cred"`
}

// DefaultResources returns the manufacturer defaults for a device.
func DefaultResources(deviceID uuid.UUID) Resources {
	return Resources{
		Pstat: DefaultPstat(),
		Doxm:  DefaultDoxm(deviceID),
	}
}

// Clone returns a deep copy.
func (r Resources) Clone() Resources {
	r.Pstat.SM = slices.Clone(r.Pstat.SM)
	r.Doxm.Oxms = slices.Clone(r.Doxm.Oxms)
	r.ACL = r.ACL.Clone()
	r.Cred = r.Cred.Clone()
	return r
}

// Store persists the security virtual resources of a device. Each setter
// replaces a whole resource in one write, which either fully succeeds or
// leaves the stored resource unchanged.
type Store interface {
	Pstat(context.Context) (Pstat, error)
	SetPstat(context.Context, Pstat) error

	Doxm(context.Context) (Doxm, error)
	SetDoxm(context.Context, Doxm) error

	ACL(context.Context) (ACL, error)
	SetACL(context.Context, ACL) error

	Cred(context.Context) (Cred, error)
	SetCred(context.Context, Cred) error

	// RestoreDefaults replaces all resources with the manufacturer defaults,
	// keeping the pending flag of the onboarding state.
	RestoreDefaults(context.Context) error
}
