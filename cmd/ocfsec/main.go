// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package main implements device and provisioning tool modes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
)

var flags = pflag.NewFlagSet("root", pflag.ContinueOnError)

var (
	debug      bool
	configPath string
)

func init() {
	flags.SetInterspersed(false)
	flags.BoolVar(&debug, "debug", false, "Run subcommand with debug enabled")
	flags.StringVar(&configPath, "config", "", "YAML `file` with device and tool settings")
	flags.Usage = usage
	deviceFlags.Usage = func() {}
	provFlags.Usage = func() {}
}

func usage() {
	_, _ = fmt.Fprintf(os.Stderr, `
Usage:
  ocfsec [global_options] [device|prov] [--] [options] [action] [args]

Global options:
%s
Device options:
%s
Provisioning tool options:
%s
Provisioning tool actions:
  list                    Discover devices and print the database
  add UUID                Record a device whose ownership transfer completed
  link UUID UUID          Provision pairwise credentials between two devices
  grant UUID SUBJECT HREF...
                          Provision an ACE on a device for a subject
  unlink UUID UUID        Revoke the pairwise credentials between two devices
  remove UUID             Revoke the credentials for a device from its peers
                          and delete it
  reset UUID              Reset a device to its manufacturer state
  cleanup                 Delete devices whose ownership transfer never
                          completed
  state STATE             Move the tool's own onboarding state

Onboarding states:
  - RESET
  - RFOTM
  - RFPRO
  - RFNOP
  - SRESET
`, flags.FlagUsages(), deviceFlags.FlagUsages(), provFlags.FlagUsages())
}

func main() {
	if err := flags.Parse(os.Args[1:]); err != nil {
		usage()
		os.Exit(1)
	}
	if debug {
		level.Set(slog.LevelDebug)
	}

	sub := flags.Arg(0)
	var args []string
	if flags.NArg() > 1 {
		args = flags.Args()[1:]
		if flags.Arg(1) == "--" {
			args = flags.Args()[2:]
		}
	}

	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = LoadConfig(configPath); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch sub {
	case "device", "d", "dev":
		if err := deviceFlags.Parse(args); err != nil {
			usage()
			os.Exit(1)
		}
		overrideDeviceConfig(&cfg.Device)
		if err := device(ctx, cfg.Device); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "device error: %v\n", err)
			stop()
			os.Exit(2)
		}
	case "prov", "p", "tool":
		if err := provFlags.Parse(args); err != nil {
			usage()
			os.Exit(1)
		}
		overrideToolConfig(&cfg.Tool)
		if err := prov(ctx, cfg.Tool, provFlags.Args()); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "provisioning error: %v\n", err)
			stop()
			os.Exit(2)
		}
	default:
		if sub != "" {
			_, _ = fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", sub)
		}
		usage()
		os.Exit(1)
	}
}
