// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"log/slog"
	"os"

	"hermannm.dev/devlog"

	"github.com/ocfsec/go-ocfsec"
)

var level slog.LevelVar

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &level,
	})))
}

// logEvents writes security lifecycle events to the default logger.
var logEvents = ocfsec.EventHandlerFunc(func(ctx context.Context, event ocfsec.Event) {
	attrs := []any{"device", event.Device}
	if event.From != "" || event.To != "" {
		attrs = append(attrs, "from", event.From, "to", event.To)
	}
	if event.Count > 0 {
		attrs = append(attrs, "count", event.Count)
	}
	if event.Error != nil {
		attrs = append(attrs, "error", event.Error)
		slog.WarnContext(ctx, event.Type.String(), attrs...)
		return
	}
	slog.DebugContext(ctx, event.Type.String(), attrs...)
})
