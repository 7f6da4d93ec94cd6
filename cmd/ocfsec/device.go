// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/pflag"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/dos"
	ocf_http "github.com/ocfsec/go-ocfsec/http"
	"github.com/ocfsec/go-ocfsec/svr"
)

var deviceFlags = pflag.NewFlagSet("device", pflag.ContinueOnError)

var (
	deviceListen   string
	deviceSVR      string
	deviceID       string
	deviceSetState string
)

func init() {
	deviceFlags.StringVar(&deviceListen, "listen", "", "The `addr`ess to serve security resources on")
	deviceFlags.StringVar(&deviceSVR, "svr", "", "The `path` to the security resources file")
	deviceFlags.StringVar(&deviceID, "id", "", "Device `uuid` used when creating the security resources file")
	deviceFlags.StringVar(&deviceSetState, "set-state", "", "Move to onboarding `state` and exit")
}

func overrideDeviceConfig(cfg *DeviceConfig) {
	if deviceFlags.Changed("listen") {
		cfg.Listen = deviceListen
	}
	if deviceFlags.Changed("svr") {
		cfg.SVR = deviceSVR
	}
	if deviceFlags.Changed("id") {
		cfg.ID = deviceID
	}
}

func device(ctx context.Context, cfg DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	id, err := configuredID(cfg.ID)
	if err != nil {
		return err
	}

	store, err := svr.OpenFileStore(cfg.SVR, svr.DefaultResources(id))
	if err != nil {
		return err
	}
	events := new(ocfsec.Events)
	events.Register(logEvents)
	machine := dos.New(store, events)

	if deviceSetState != "" {
		state, err := svr.ParseState(deviceSetState)
		if err != nil {
			return err
		}
		if err := machine.SetState(ctx, state); err != nil {
			return fmt.Errorf("error moving to %s: %w", state, err)
		}
		current, err := machine.State(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Onboarding state: %s\n", current.State)
		return nil
	}

	srv := &http.Server{
		Handler:           &ocf_http.Handler{Store: store, Machine: machine},
		ReadHeaderTimeout: 3 * time.Second,
	}
	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	defer func() { _ = lis.Close() }()

	doxm, err := store.Doxm(ctx)
	if err != nil {
		return err
	}
	slog.Info("Listening", "local", lis.Addr().String(), "device", doxm.DeviceID, "svr", store.Path())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(lis); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
