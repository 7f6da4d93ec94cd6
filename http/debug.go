// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"context"
	"log/slog"

	"github.com/ocfsec/go-ocfsec/svr"
)

func debugEnabled() bool {
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

func tryDebugNotation(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return svr.Diagnose(b)
}
