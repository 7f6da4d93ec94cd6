// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

// Package ocfsec implements the security onboarding core of an OCF device
// and of its provisioning tool.
//
// Result codes, device descriptors, and lifecycle events shared by all
// subpackages live in this package. The work is split as follows:
//
// The [svr] subpackage holds the security virtual resources (pstat, doxm,
// acl2, cred) of a device and the [svr.Store] interface used to persist
// them. The [dos] subpackage enforces the Device Onboarding State machine
// over such a store: legal transitions, their preconditions, and the mode
// bits each state implies.
//
// On the provisioning tool side, [provision.Provisioner] revokes pairwise
// credentials between devices (unlink), removes a device from all of its
// peers, and resets devices to their manufacturer state. It records device
// and link state in a [pdm.DB], for which an in-memory and a SQLite
// implementation ([sqlite.DB]) are provided. SQLite runs inside a WASM
// runtime as part of the same process, so no cgo is required.
//
// Network transport is abstracted by [provision.Requester]. The [http]
// subpackage implements it with CBOR bodies over HTTP, along with a handler
// serving a device's security resources.
package ocfsec
