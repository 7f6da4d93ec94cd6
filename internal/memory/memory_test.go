// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package memory_test

import (
	"testing"

	"github.com/ocfsec/go-ocfsec/internal/memory"
	"github.com/ocfsec/go-ocfsec/pdm/pdmtest"
)

func TestDB(t *testing.T) {
	pdmtest.RunDBSuite(t, memory.NewDB())
}
