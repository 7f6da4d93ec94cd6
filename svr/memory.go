// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package svr

import (
	"context"
	"sync"
)

// MemoryStore keeps resources in memory. Values are copied on every get and
// set, so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	current  Resources
	defaults Resources

	// persist is called with the new resources, under lock, before a change
	// is committed. A failure aborts the change.
	persist func(Resources) error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a store whose current and default resources are
// both initialized from defaults.
func NewMemoryStore(defaults Resources) *MemoryStore {
	return &MemoryStore{
		current:  defaults.Clone(),
		defaults: defaults.Clone(),
	}
}

// Snapshot returns a copy of all current resources.
func (s *MemoryStore) Snapshot() Resources {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Replace sets all current resources at once.
func (s *MemoryStore) Replace(_ context.Context, r Resources) error {
	return s.update(func(cur *Resources) { *cur = r.Clone() })
}

func (s *MemoryStore) update(fn func(*Resources)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Clone()
	fn(&next)
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			return err
		}
	}
	s.current = next
	return nil
}

// Pstat implements Store.
func (s *MemoryStore) Pstat(context.Context) (Pstat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone().Pstat, nil
}

// SetPstat implements Store.
func (s *MemoryStore) SetPstat(_ context.Context, p Pstat) error {
	return s.update(func(r *Resources) { r.Pstat = p; r.Pstat.SM = append([]OperationalMode(nil), p.SM...) })
}

// Doxm implements Store.
func (s *MemoryStore) Doxm(context.Context) (Doxm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone().Doxm, nil
}

// SetDoxm implements Store.
func (s *MemoryStore) SetDoxm(_ context.Context, d Doxm) error {
	return s.update(func(r *Resources) { r.Doxm = d; r.Doxm.Oxms = append([]int(nil), d.Oxms...) })
}

// ACL implements Store.
func (s *MemoryStore) ACL(context.Context) (ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.ACL.Clone(), nil
}

// SetACL implements Store.
func (s *MemoryStore) SetACL(_ context.Context, a ACL) error {
	return s.update(func(r *Resources) { r.ACL = a.Clone() })
}

// Cred implements Store.
func (s *MemoryStore) Cred(context.Context) (Cred, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Cred.Clone(), nil
}

// SetCred implements Store.
func (s *MemoryStore) SetCred(_ context.Context, c Cred) error {
	return s.update(func(r *Resources) { r.Cred = c.Clone() })
}

// RestoreDefaults implements Store. The pending flag of pstat is kept.
func (s *MemoryStore) RestoreDefaults(context.Context) error {
	return s.update(func(r *Resources) {
		pending := r.Pstat.DOS.Pending
		*r = s.defaults.Clone()
		r.Pstat.DOS.Pending = pending
	})
}
