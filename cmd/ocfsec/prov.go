// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/dos"
	ocf_http "github.com/ocfsec/go-ocfsec/http"
	"github.com/ocfsec/go-ocfsec/provision"
	"github.com/ocfsec/go-ocfsec/sqlite"
	"github.com/ocfsec/go-ocfsec/svr"
)

var provFlags = pflag.NewFlagSet("prov", pflag.ContinueOnError)

var (
	provDB         string
	provPassphrase string
	provSVR        string
	provPeers      []string
	provWait       time.Duration
	provTimeout    time.Duration
	provKeySize    int
	provSync       bool
	provPermission string
)

func init() {
	provFlags.StringVar(&provDB, "db", "", "SQLite database `path`")
	provFlags.StringVar(&provPassphrase, "db-pass", "", "SQLite database encryption-at-rest `passphrase`")
	provFlags.StringVar(&provSVR, "svr", "", "The `path` to the tool's security resources file")
	provFlags.StringSliceVar(&provPeers, "peer", nil, "Device `url` to probe during discovery (repeatable)")
	provFlags.DurationVar(&provWait, "wait", 0, "Discovery wait `duration`")
	provFlags.DurationVar(&provTimeout, "timeout", 0, "Request timeout `duration`")
	provFlags.IntVar(&provKeySize, "key-size", 0, "Pairwise key size in `bytes` (16 or 32)")
	provFlags.BoolVar(&provSync, "sync", false, "Revoke credentials held by linked devices before a reset")
	provFlags.StringVar(&provPermission, "perm", "crudn", "ACE `permissions` as a subset of crudn")
}

func overrideToolConfig(cfg *ToolConfig) {
	if provFlags.Changed("db") {
		cfg.Database = provDB
	}
	if provFlags.Changed("db-pass") {
		cfg.Passphrase = provPassphrase
	}
	if provFlags.Changed("svr") {
		cfg.SVR = provSVR
	}
	if provFlags.Changed("peer") {
		cfg.Peers = provPeers
	}
	if provFlags.Changed("wait") {
		cfg.DiscoveryWait = provWait
	}
	if provFlags.Changed("timeout") {
		cfg.RequestTimeout = provTimeout
	}
	if provFlags.Changed("key-size") {
		cfg.KeySize = provKeySize
	}
}

type tool struct {
	*provision.Provisioner
	cfg ToolConfig
}

func prov(ctx context.Context, cfg ToolConfig, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(args) == 0 {
		return errors.New("missing action")
	}
	action, args := args[0], args[1:]

	db, err := sqlite.Open(cfg.Database, cfg.Passphrase)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	toolID, err := configuredID(cfg.ID)
	if err != nil {
		return err
	}
	local, err := svr.OpenFileStore(cfg.SVR, svr.DefaultResources(toolID))
	if err != nil {
		return err
	}

	events := new(ocfsec.Events)
	events.Register(logEvents)
	t := &tool{
		Provisioner: &provision.Provisioner{
			Net: &ocf_http.Client{
				Timeout: cfg.RequestTimeout,
				Peers:   cfg.Peers,
			},
			DB:     db,
			Local:  local,
			Events: events,
		},
		cfg: cfg,
	}

	switch action {
	case "list":
		return t.list(ctx)
	case "add":
		ids, err := parseUUIDs(args, 1)
		if err != nil {
			return err
		}
		return t.AddOwnedDevice(ctx, ids[0])
	case "link":
		return t.link(ctx, args)
	case "grant":
		return t.grant(ctx, args)
	case "unlink":
		return t.unlink(ctx, args)
	case "remove":
		return t.remove(ctx, args)
	case "reset":
		return t.reset(ctx, args)
	case "cleanup":
		return t.CleanupForTimeout(ctx)
	case "state":
		if len(args) != 1 {
			return errors.New("state requires one argument")
		}
		state, err := svr.ParseState(args[0])
		if err != nil {
			return err
		}
		return dos.New(local, events).SetState(ctx, state)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

func (t *tool) list(ctx context.Context) error {
	owned, err := t.DiscoverOwnedDevices(ctx, t.cfg.DiscoveryWait)
	if err != nil {
		return err
	}
	unowned, err := t.DiscoverUnownedDevices(ctx, t.cfg.DiscoveryWait)
	if err != nil {
		return err
	}
	fmt.Println("Owned devices:")
	for _, dev := range owned {
		fmt.Printf("  %s\n", dev)
	}
	fmt.Println("Unowned devices:")
	for _, dev := range unowned {
		fmt.Printf("  %s\n", dev)
	}

	ids, err := t.DB.OwnedDevices(ctx)
	if err != nil {
		return err
	}
	fmt.Println("Database:")
	for _, id := range ids {
		state, err := t.DB.DeviceState(ctx, id)
		if err != nil {
			return err
		}
		linked, err := t.DB.LinkedDevices(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("  %s %s linked=%v\n", id, state, linked)
	}
	stale, err := t.DB.StaleLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range stale {
		fmt.Printf("  stale link %s - %s\n", link.A, link.B)
	}
	return nil
}

func (t *tool) link(ctx context.Context, args []string) error {
	devs, err := t.resolve(ctx, args, 2)
	if err != nil {
		return err
	}
	return await(ctx, func(cb ocfsec.ResultCallback) error {
		return t.ProvisionPairwiseCredentials(ctx, t.cfg.KeySize, &devs[0], &devs[1], cb)
	})
}

func (t *tool) grant(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("grant requires a device, a subject and at least one resource")
	}
	devs, err := t.resolve(ctx, args[:1], 1)
	if err != nil {
		return err
	}
	subject, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("invalid subject: %w", err)
	}
	perm, err := parsePermission(provPermission)
	if err != nil {
		return err
	}
	acl := svr.ACL{ACEs: []svr.ACE{{Subject: subject, Resources: args[2:], Permission: perm}}}
	return await(ctx, func(cb ocfsec.ResultCallback) error {
		return t.ProvisionACL(ctx, &devs[0], acl, cb)
	})
}

func (t *tool) unlink(ctx context.Context, args []string) error {
	devs, err := t.resolve(ctx, args, 2)
	if err != nil {
		return err
	}
	return await(ctx, func(cb ocfsec.ResultCallback) error {
		return t.UnlinkDevices(ctx, &devs[0], &devs[1], cb)
	})
}

func (t *tool) remove(ctx context.Context, args []string) error {
	ids, err := parseUUIDs(args, 1)
	if err != nil {
		return err
	}
	owned, err := t.DiscoverOwnedDevices(ctx, t.cfg.DiscoveryWait)
	if err != nil {
		return err
	}
	target, ok := find(owned, ids[0])
	if !ok {
		slog.Info("device not discovered, removing by UUID", "device", ids[0])
		return await(ctx, func(cb ocfsec.ResultCallback) error {
			return t.RemoveDeviceWithUUID(ctx, t.cfg.DiscoveryWait, ids[0], cb)
		})
	}
	return await(ctx, func(cb ocfsec.ResultCallback) error {
		return t.RemoveDeviceWithoutDiscovery(ctx, owned, &target, cb)
	})
}

func (t *tool) reset(ctx context.Context, args []string) error {
	devs, err := t.resolve(ctx, args, 1)
	if err != nil {
		return err
	}
	return await(ctx, func(cb ocfsec.ResultCallback) error {
		if provSync {
			return t.SyncAndResetDevice(ctx, t.cfg.DiscoveryWait, &devs[0], cb)
		}
		return t.ResetDevice(ctx, &devs[0], cb)
	})
}

// resolve discovers owned devices and returns those named by args.
func (t *tool) resolve(ctx context.Context, args []string, n int) ([]ocfsec.Device, error) {
	ids, err := parseUUIDs(args, n)
	if err != nil {
		return nil, err
	}
	owned, err := t.DiscoverOwnedDevices(ctx, t.cfg.DiscoveryWait)
	if err != nil {
		return nil, err
	}
	devs := make([]ocfsec.Device, len(ids))
	for i, id := range ids {
		dev, ok := find(owned, id)
		if !ok {
			return nil, fmt.Errorf("device %s was not discovered", id)
		}
		devs[i] = dev
	}
	return devs, nil
}

func find(devs []ocfsec.Device, id uuid.UUID) (ocfsec.Device, bool) {
	for _, dev := range devs {
		if dev.ID == id {
			return dev, true
		}
	}
	return ocfsec.Device{}, false
}

func parseUUIDs(args []string, n int) ([]uuid.UUID, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d device UUIDs, got %d arguments", n, len(args))
	}
	ids := make([]uuid.UUID, n)
	for i, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid device UUID %q: %w", arg, err)
		}
		ids[i] = id
	}
	return ids, nil
}

func parsePermission(s string) (uint16, error) {
	var perm uint16
	for _, c := range strings.ToLower(s) {
		switch c {
		case 'c':
			perm |= svr.PermissionCreate
		case 'r':
			perm |= svr.PermissionRead
		case 'u':
			perm |= svr.PermissionWrite
		case 'd':
			perm |= svr.PermissionDelete
		case 'n':
			perm |= svr.PermissionNotify
		default:
			return 0, fmt.Errorf("invalid permission %q", c)
		}
	}
	return perm, nil
}

type outcome struct {
	results  []ocfsec.ProvisionResult
	hasError bool
}

// await starts an asynchronous operation and blocks until its result
// callback runs, printing the results.
func await(ctx context.Context, start func(ocfsec.ResultCallback) error) error {
	done := make(chan outcome, 1)
	err := start(func(results []ocfsec.ProvisionResult, hasError bool) {
		done <- outcome{results: results, hasError: hasError}
	})
	if errors.Is(err, ocfsec.StatusContinue) {
		fmt.Println("Nothing to do")
		return nil
	}
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case out := <-done:
		for _, r := range out.results {
			id := "database"
			if r.DeviceID != uuid.Nil {
				id = r.DeviceID.String()
			}
			fmt.Printf("  %s: %s\n", id, r.Status)
		}
		if out.hasError {
			return errors.New("operation completed with errors")
		}
		return nil
	}
}
