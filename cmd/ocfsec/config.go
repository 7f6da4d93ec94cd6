// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ocfsec/go-ocfsec/provision"
)

// Config is the top-level configuration file.
type Config struct {
	Device DeviceConfig `yaml:"device"`
	Tool   ToolConfig   `yaml:"tool"`
}

// DeviceConfig configures device mode.
type DeviceConfig struct {
	// Listen is the TCP address serving the security resources.
	Listen string `yaml:"listen"`

	// SVR is the file holding the device's security resources. It is
	// created with factory defaults if it does not exist.
	SVR string `yaml:"svr"`

	// ID is the device UUID used when the SVR file is created. A random
	// UUID is used if it is empty.
	ID string `yaml:"id"`
}

// ToolConfig configures the provisioning tool.
type ToolConfig struct {
	// Database is the provisioning database file. If Passphrase is set, the
	// database is encrypted.
	Database   string `yaml:"database"`
	Passphrase string `yaml:"passphrase"`

	// SVR is the file holding the tool's own security resources.
	SVR string `yaml:"svr"`
	ID  string `yaml:"id"`

	// Peers are the device endpoints probed during discovery.
	Peers []string `yaml:"peers"`

	DiscoveryWait  time.Duration `yaml:"discovery_wait"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// KeySize is the size of pairwise keys in bytes: 16 or 32.
	KeySize int `yaml:"key_size"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Device: DeviceConfig{
			Listen: "localhost:8080",
			SVR:    "device_svr.cbor",
		},
		Tool: ToolConfig{
			Database:       "ocfsec.db",
			SVR:            "tool_svr.cbor",
			DiscoveryWait:  3 * time.Second,
			RequestTimeout: 10 * time.Second,
			KeySize:        provision.KeySize128,
		},
	}
}

// LoadConfig reads a YAML configuration file. Settings missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that the device configuration is usable.
func (c *DeviceConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("device listen address is required")
	}
	if c.SVR == "" {
		return fmt.Errorf("device svr file is required")
	}
	if _, err := parseOptionalUUID(c.ID); err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	return nil
}

// Validate checks that the tool configuration is usable.
func (c *ToolConfig) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("tool database is required")
	}
	if c.SVR == "" {
		return fmt.Errorf("tool svr file is required")
	}
	if _, err := parseOptionalUUID(c.ID); err != nil {
		return fmt.Errorf("tool id: %w", err)
	}
	for _, peer := range c.Peers {
		u, err := url.Parse(peer)
		if err != nil {
			return fmt.Errorf("peer %q: %w", peer, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("peer %q: scheme must be http or https", peer)
		}
	}
	if c.DiscoveryWait <= 0 {
		return fmt.Errorf("discovery wait must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.KeySize != provision.KeySize128 && c.KeySize != provision.KeySize256 {
		return fmt.Errorf("key size must be %d or %d bytes", provision.KeySize128, provision.KeySize256)
	}
	return nil
}

func parseOptionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(s)
}

// configuredID parses a configured device UUID, generating one when unset.
func configuredID(s string) (uuid.UUID, error) {
	id, err := parseOptionalUUID(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if id == uuid.Nil {
		id = uuid.New()
	}
	return id, nil
}
