// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import (
	"slices"

	"github.com/google/uuid"
)

// CredType is a credential type bitmask.
type CredType uint8

// Credential types.
const (
	CredSymmetricPairwise CredType = 1 << iota
	CredSymmetricGroup
	CredAsymmetricSigning
	CredAsymmetricSigningWithCert
	CredPIN
	CredAsymmetricEncryption
)

// Credential is a single entry of the cred resource.
type Credential struct {
	ID          uint16    `cbor:"credid"`
	Subject     uuid.UUID `cbor:"subjectuuid"`
	Type        CredType  `cbor:"credtype"`
	Usage       string    `cbor:"credusage,omitempty"`
	PrivateData []byte    `cbor:"privatedata,omitempty"`
}

// Cred is the credential resource (/oic/sec/cred).
type Cred struct {
	Creds    []Credential `cbor:"creds"`
	RownerID uuid.UUID    `cbor:"rowneruuid"`
}

// Add appends credentials, assigning unused IDs to those with a zero ID.
func (c *Cred) Add(creds ...Credential) {
	next := uint16(1)
	for _, cred := range c.Creds {
		next = max(next, cred.ID+1)
	}
	for _, cred := range creds {
		if cred.ID == 0 {
			cred.ID = next
			next++
		}
		cred.PrivateData = slices.Clone(cred.PrivateData)
		c.Creds = append(c.Creds, cred)
	}
}

// BySubject returns the credentials for a subject.
func (c *Cred) BySubject(subject uuid.UUID) []Credential {
	var out []Credential
	for _, cred := range c.Creds {
		if cred.Subject == subject {
			out = append(out, cred)
		}
	}
	return out
}

// RemoveSubject deletes every credential for the subject and returns how
// many were removed.
func (c *Cred) RemoveSubject(subject uuid.UUID) int {
	n := len(c.Creds)
	c.Creds = slices.DeleteFunc(c.Creds, func(cred Credential) bool { return cred.Subject == subject })
	return n - len(c.Creds)
}

// Clone returns a deep copy.
func (c Cred) Clone() Cred {
	if c.Creds == nil {
		return Cred{RownerID: c.RownerID}
	}
	creds := make([]Credential, len(c.Creds))
	for i, cred := range c.Creds {
		cred.PrivateData = slices.Clone(cred.PrivateData)
		creds[i] = cred
	}
	return Cred{Creds: creds, RownerID: c.RownerID}
}
