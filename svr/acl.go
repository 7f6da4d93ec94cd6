// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import (
	"slices"

	"github.com/google/uuid"
)

// CRUDN permission bits of an ACE.
const (
	PermissionCreate uint16 = 1 << iota
	PermissionRead
	PermissionWrite
	PermissionDelete
	PermissionNotify

	PermissionFull = PermissionCreate | PermissionRead | PermissionWrite | PermissionDelete | PermissionNotify
)

// ACE is one access control entry.
type ACE struct {
	ID         uint16    `cbor:"aceid"`
	Subject    uuid.UUID `cbor:"subject"`
	Resources  []string  `cbor:"resources"`
	Permission uint16    `cbor:"permission"`
}

// ACL is the access control list resource (/oic/sec/acl2).
type ACL struct {
	ACEs     []ACE     `cbor:"aclist2"`
	RownerID uuid.UUID `cbor:"rowneruuid"`
}

// Add appends entries, assigning unused IDs to those with a zero ID.
func (a *ACL) Add(aces ...ACE) {
	next := uint16(1)
	for _, ace := range a.ACEs {
		next = max(next, ace.ID+1)
	}
	for _, ace := range aces {
		if ace.ID == 0 {
			ace.ID = next
			next++
		}
		ace.Resources = slices.Clone(ace.Resources)
		a.ACEs = append(a.ACEs, ace)
	}
}

// RemoveSubject deletes every entry for the subject and returns how many
// were removed.
func (a *ACL) RemoveSubject(subject uuid.UUID) int {
	n := len(a.ACEs)
	a.ACEs = slices.DeleteFunc(a.ACEs, func(ace ACE) bool { return ace.Subject == subject })
	return n - len(a.ACEs)
}

// Clone returns a deep copy.
func (a ACL) Clone() ACL {
	aces := make([]ACE, len(a.ACEs))
	for i, ace := range a.ACEs {
		ace.Resources = slices.Clone(ace.Resources)
		aces[i] = ace
	}
	if a.ACEs == nil {
		aces = nil
	}
	return ACL{ACEs: aces, RownerID: a.RownerID}
}
