// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ocfsec_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
)

func TestStatusIsError(t *testing.T) {
	err := fmt.Errorf("pstat write: %w", ocfsec.StatusInternalError)
	if !errors.Is(err, ocfsec.StatusInternalError) {
		t.Fatalf("expected wrapped status to match")
	}
	if errors.Is(err, ocfsec.StatusForbidden) {
		t.Fatalf("expected wrapped status not to match a different status")
	}

	var status ocfsec.Status
	if !errors.As(err, &status) || status != ocfsec.StatusInternalError {
		t.Fatalf("expected errors.As to extract INTERNAL_ERROR, got %v", status)
	}
}

func TestStatusSuccess(t *testing.T) {
	for _, test := range []struct {
		status  ocfsec.Status
		success bool
	}{
		{ocfsec.StatusOK, true},
		{ocfsec.StatusResourceDeleted, true},
		{ocfsec.StatusResourceChanged, true},
		{ocfsec.StatusContinue, true},
		{ocfsec.StatusForbidden, false},
		{ocfsec.StatusInconsistentDB, false},
		{ocfsec.StatusTimeout, false},
	} {
		t.Run(test.status.String(), func(t *testing.T) {
			if got := test.status.Success(); got != test.success {
				t.Errorf("expected %t, got %t", test.success, got)
			}
		})
	}
}

func TestDeviceValidate(t *testing.T) {
	var nilDev *ocfsec.Device
	if err := nilDev.Validate(); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for nil device, got %v", err)
	}
	if err := (&ocfsec.Device{}).Validate(); !errors.Is(err, ocfsec.StatusInvalidParam) {
		t.Errorf("expected INVALID_PARAM for nil UUID, got %v", err)
	}
	if err := (&ocfsec.Device{ID: uuid.New()}).Validate(); err != nil {
		t.Errorf("expected valid device, got %v", err)
	}
}
