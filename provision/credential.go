// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package provision

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/pdm"
	"github.com/ocfsec/go-ocfsec/svr"
)

// Pairwise key sizes in bytes.
const (
	KeySize128 = 16
	KeySize256 = 32
)

// pairwiseKey derives a symmetric key shared by two devices.
func pairwiseKey(size int, a, b uuid.UUID) ([]byte, error) {
	seed := make([]byte, sha256.Size)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	lo, hi := pdm.Ordered(a, b)
	salt := append(lo[:], hi[:]...)

	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, seed, salt, []byte("oic.sec.cred.pairwise")), key); err != nil {
		return nil, err
	}
	return key, nil
}

// ProvisionPairwiseCredentials installs a new symmetric pairwise credential
// on two devices, first on a and then on b, and links them in the database
// once both accepted it. cb receives one result per device, plus a nil UUID
// result with [ocfsec.StatusInconsistentDB] if the link could not be
// recorded.
func (p *Provisioner) ProvisionPairwiseCredentials(ctx context.Context, keySize int, a, b *ocfsec.Device, cb ocfsec.ResultCallback) error {
	if err := validatePair(a, b, cb); err != nil {
		return err
	}
	if keySize != KeySize128 && keySize != KeySize256 {
		return fmt.Errorf("%w: invalid key size %d", ocfsec.StatusInvalidParam, keySize)
	}
	devA, devB := *a, *b

	linked, err := p.DB.IsLinkExists(ctx, devA.ID, devB.ID)
	if err != nil {
		return fmt.Errorf("%w: checking link: %w", ocfsec.StatusError, err)
	}
	if linked {
		return fmt.Errorf("%w: %s and %s are already linked", ocfsec.StatusInvalidParam, devA.ID, devB.ID)
	}

	key, err := pairwiseKey(keySize, devA.ID, devB.ID)
	if err != nil {
		return fmt.Errorf("%w: generating pairwise key: %w", ocfsec.StatusError, err)
	}
	credFor := func(dev, subject ocfsec.Device) Request {
		return Request{
			Method:   MethodPost,
			Device:   dev,
			Resource: svr.CredURI,
			Payload: svr.Cred{Creds: []svr.Credential{{
				Subject:     subject.ID,
				Type:        svr.CredSymmetricPairwise,
				PrivateData: key,
			}}},
		}
	}

	results := make([]ocfsec.ProvisionResult, 0, 3)
	accepted := func(resp *Response) (ocfsec.Status, bool) {
		status := statusOf(resp)
		return status, status == ocfsec.StatusResourceChanged || status == ocfsec.StatusResourceCreated
	}

	handleB := func(resp *Response) {
		status, ok := accepted(resp)
		results = append(results, ocfsec.ProvisionResult{DeviceID: devB.ID, Status: status})
		if !ok {
			cb(results, true)
			return
		}
		if err := p.DB.LinkDevices(ctx, devA.ID, devB.ID); err != nil {
			slog.Error("credentials provisioned but link could not be recorded", "a", devA.ID, "b", devB.ID, "error", err)
			p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeInconsistentDB, Device: devA.ID, Peer: devB.ID, Error: err})
			cb(append(results, ocfsec.ProvisionResult{Status: ocfsec.StatusInconsistentDB}), true)
			return
		}
		p.Events.Emit(ctx, ocfsec.Event{Type: ocfsec.EventTypeLinkCreated, Device: devA.ID, Peer: devB.ID})
		cb(results, false)
	}

	handleA := func(resp *Response) {
		status, ok := accepted(resp)
		results = append(results, ocfsec.ProvisionResult{DeviceID: devA.ID, Status: status})
		if !ok {
			cb(results, true)
			return
		}
		if _, err := p.Net.SendRequest(ctx, credFor(devB, devA), handleB); err != nil {
			slog.Warn("failed to send pairwise credential", "device", devB.ID, "error", err)
			cb(append(results, ocfsec.ProvisionResult{DeviceID: devB.ID, Status: ocfsec.StatusError}), true)
		}
	}

	if _, err := p.Net.SendRequest(ctx, credFor(devA, devB), handleA); err != nil {
		return fmt.Errorf("%w: sending pairwise credential to %s: %w", ocfsec.StatusError, devA.ID, err)
	}
	return nil
}

// ProvisionACL posts access control entries to a device.
func (p *Provisioner) ProvisionACL(ctx context.Context, dev *ocfsec.Device, acl svr.ACL, cb ocfsec.ResultCallback) error {
	if err := dev.Validate(); err != nil {
		return err
	}
	if cb == nil {
		return ocfsec.StatusInvalidCallback
	}
	if len(acl.ACEs) == 0 {
		return fmt.Errorf("%w: empty ACL", ocfsec.StatusInvalidParam)
	}
	for _, ace := range acl.ACEs {
		if ace.Subject == uuid.Nil {
			return errors.Join(ocfsec.StatusInvalidParam, fmt.Errorf("ACE %d has no subject", ace.ID))
		}
	}
	id := dev.ID

	req := Request{Method: MethodPost, Device: *dev, Resource: svr.ACLURI, Payload: acl.Clone()}
	if _, err := p.Net.SendRequest(ctx, req, func(resp *Response) {
		status := statusOf(resp)
		ok := status == ocfsec.StatusResourceChanged || status == ocfsec.StatusResourceCreated
		cb([]ocfsec.ProvisionResult{{DeviceID: id, Status: status}}, !ok)
	}); err != nil {
		return fmt.Errorf("%w: sending ACL to %s: %w", ocfsec.StatusError, id, err)
	}
	return nil
}
