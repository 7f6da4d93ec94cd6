// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision

import (
	"sync"

	"github.com/ocfsec/go-ocfsec"
)

// aggregator collects the results of a fan-out of revocation requests and
// completes exactly once, when one result per dispatched peer has been
// registered. It is owned by the operation which created it.
//
// Results may arrive before dispatching has finished, so completion is held
// back until the aggregator is armed.
type aggregator struct {
	mu       sync.Mutex
	capacity int
	results  []ocfsec.ProvisionResult
	hasError bool
	armed    bool
	done     bool

	complete func(results []ocfsec.ProvisionResult, hasError bool)
}

func newAggregator(capacity int, complete func([]ocfsec.ProvisionResult, bool)) *aggregator {
	return &aggregator{
		capacity: capacity,
		results:  make([]ocfsec.ProvisionResult, 0, capacity),
		complete: complete,
	}
}

// register records one result. Once any result is an error, the aggregate
// stays in error.
func (a *aggregator) register(result ocfsec.ProvisionResult, failed bool) {
	a.mu.Lock()
	if a.done || len(a.results) == a.capacity {
		a.mu.Unlock()
		return
	}
	a.results = append(a.results, result)
	a.hasError = a.hasError || failed
	a.finishLocked()
}

// arm allows completion. It must be called once dispatching is done.
func (a *aggregator) arm() {
	a.mu.Lock()
	a.armed = true
	a.finishLocked()
}

// discard abandons the aggregator without completing, for when no request
// could be dispatched.
func (a *aggregator) discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
}

// finishLocked releases the lock and, if the aggregator is full and armed,
// calls complete outside of it.
func (a *aggregator) finishLocked() {
	if a.done || !a.armed || len(a.results) < a.capacity {
		a.mu.Unlock()
		return
	}
	a.done = true
	results := a.results
	hasError := a.hasError
	a.mu.Unlock()

	a.complete(results, hasError)
}
