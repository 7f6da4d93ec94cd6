// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package ocfsec

import "fmt"

// Status is the result code of a security provisioning operation or of a
// single device request. Every Status is also an error, so it can be
// returned directly or wrapped and later matched with errors.Is.
type Status int

// Result codes.
const (
	StatusOK Status = iota
	StatusResourceCreated
	StatusResourceChanged
	StatusResourceDeleted
	// StatusContinue is returned when an operation had nothing to do. Like
	// io.EOF, it is not a failure, and no result callback will be invoked.
	StatusContinue

	StatusError
	StatusInvalidParam
	StatusInvalidCallback
	StatusForbidden
	StatusNotAcceptable
	StatusInternalError
	StatusInconsistentDB
	StatusNoResource
	StatusTimeout
	StatusInvalidRequestHandle
	StatusDuplicateUUID
)

var statusNames = map[Status]string{
	StatusOK:                   "OK",
	StatusResourceCreated:      "RESOURCE_CREATED",
	StatusResourceChanged:      "RESOURCE_CHANGED",
	StatusResourceDeleted:      "RESOURCE_DELETED",
	StatusContinue:             "CONTINUE",
	StatusError:                "ERROR",
	StatusInvalidParam:         "INVALID_PARAM",
	StatusInvalidCallback:      "INVALID_CALLBACK",
	StatusForbidden:            "FORBIDDEN",
	StatusNotAcceptable:        "NOT_ACCEPTABLE",
	StatusInternalError:        "INTERNAL_ERROR",
	StatusInconsistentDB:       "INCONSISTENT_DB",
	StatusNoResource:           "NO_RESOURCE",
	StatusTimeout:              "TIMEOUT",
	StatusInvalidRequestHandle: "INVALID_REQUEST_HANDLE",
	StatusDuplicateUUID:        "DUPLICATE_UUID",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Error implements the error interface.
func (s Status) Error() string { return s.String() }

// Success reports whether the status does not indicate a failure.
func (s Status) Success() bool {
	switch s {
	case StatusOK, StatusResourceCreated, StatusResourceChanged, StatusResourceDeleted, StatusContinue:
		return true
	default:
		return false
	}
}
