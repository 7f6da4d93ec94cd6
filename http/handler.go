// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/dos"
	"github.com/ocfsec/go-ocfsec/svr"
)

// Handler implements http.Handler and serves the security resources of one
// device.
type Handler struct {
	Store svr.Store

	// Machine applies pstat updates. It must use the same Store.
	Machine *dos.Machine

	// MaxContentLength defaults to 65535. Negative values disable content
	// length checking.
	MaxContentLength int64

	once sync.Once
	mux  *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.once.Do(func() {
		h.mux = http.NewServeMux()
		h.mux.HandleFunc("GET "+svr.DoxmURI, h.getDoxm)
		h.mux.HandleFunc("GET "+svr.PstatURI, h.getPstat)
		h.mux.HandleFunc("POST "+svr.PstatURI, h.postPstat)
		h.mux.HandleFunc("GET "+svr.CredURI, h.getCred)
		h.mux.HandleFunc("POST "+svr.CredURI, h.postCred)
		h.mux.HandleFunc("DELETE "+svr.CredURI, h.deleteCred)
		h.mux.HandleFunc("GET "+svr.ACLURI, h.getACL)
		h.mux.HandleFunc("POST "+svr.ACLURI, h.postACL)
		h.mux.HandleFunc("DELETE "+svr.ACLURI, h.deleteACL)
	})
	debugRequest(w, r, h.mux.ServeHTTP)
}

func (h *Handler) getDoxm(w http.ResponseWriter, r *http.Request) {
	doxm, err := h.Store.Doxm(r.Context())
	h.respond(w, r, doxm, err)
}

func (h *Handler) getPstat(w http.ResponseWriter, r *http.Request) {
	pstat, err := h.Store.Pstat(r.Context())
	h.respond(w, r, pstat, err)
}

func (h *Handler) getCred(w http.ResponseWriter, r *http.Request) {
	cred, err := h.Store.Cred(r.Context())
	h.respond(w, r, cred, err)
}

func (h *Handler) getACL(w http.ResponseWriter, r *http.Request) {
	acl, err := h.Store.ACL(r.Context())
	h.respond(w, r, acl, err)
}

func (h *Handler) postPstat(w http.ResponseWriter, r *http.Request) {
	// Read the identity first, as a reset may change it
	id := h.deviceID(r.Context())

	var update svr.PstatUpdate
	if err := h.decode(r, &update); err != nil {
		h.error(w, id, err)
		return
	}
	if err := h.Machine.HandleUpdate(r.Context(), update); err != nil {
		h.error(w, id, err)
		return
	}
	h.changed(w, id)
}

func (h *Handler) postCred(w http.ResponseWriter, r *http.Request) {
	id := h.deviceID(r.Context())

	var creds svr.Cred
	if err := h.decode(r, &creds); err != nil {
		h.error(w, id, err)
		return
	}
	cred, err := h.Store.Cred(r.Context())
	if err != nil {
		h.error(w, id, err)
		return
	}
	cred.Add(creds.Creds...)
	if err := h.Store.SetCred(r.Context(), cred); err != nil {
		h.error(w, id, err)
		return
	}
	slog.Debug("credentials added", "count", len(creds.Creds))
	h.changed(w, id)
}

func (h *Handler) postACL(w http.ResponseWriter, r *http.Request) {
	id := h.deviceID(r.Context())

	var entries svr.ACL
	if err := h.decode(r, &entries); err != nil {
		h.error(w, id, err)
		return
	}
	acl, err := h.Store.ACL(r.Context())
	if err != nil {
		h.error(w, id, err)
		return
	}
	acl.Add(entries.ACEs...)
	if err := h.Store.SetACL(r.Context(), acl); err != nil {
		h.error(w, id, err)
		return
	}
	slog.Debug("ACEs added", "count", len(entries.ACEs))
	h.changed(w, id)
}

func (h *Handler) deleteCred(w http.ResponseWriter, r *http.Request) {
	id := h.deviceID(r.Context())

	subject, err := subjectQuery(r)
	if err != nil {
		h.error(w, id, err)
		return
	}
	cred, err := h.Store.Cred(r.Context())
	if err != nil {
		h.error(w, id, err)
		return
	}
	if cred.RemoveSubject(subject) == 0 {
		h.error(w, id, fmt.Errorf("%w: no credential for %s", ocfsec.StatusNoResource, subject))
		return
	}
	if err := h.Store.SetCred(r.Context(), cred); err != nil {
		h.error(w, id, err)
		return
	}
	slog.Debug("credentials deleted", "subject", subject)
	h.deleted(w, id)
}

func (h *Handler) deleteACL(w http.ResponseWriter, r *http.Request) {
	id := h.deviceID(r.Context())

	subject, err := subjectQuery(r)
	if err != nil {
		h.error(w, id, err)
		return
	}
	acl, err := h.Store.ACL(r.Context())
	if err != nil {
		h.error(w, id, err)
		return
	}
	if acl.RemoveSubject(subject) == 0 {
		h.error(w, id, fmt.Errorf("%w: no ACE for %s", ocfsec.StatusNoResource, subject))
		return
	}
	if err := h.Store.SetACL(r.Context(), acl); err != nil {
		h.error(w, id, err)
		return
	}
	slog.Debug("ACEs deleted", "subject", subject)
	h.deleted(w, id)
}

func subjectQuery(r *http.Request) (uuid.UUID, error) {
	subject, err := uuid.Parse(r.URL.Query().Get("subjectuuid"))
	if err != nil || subject == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: missing or invalid subjectuuid", ocfsec.StatusInvalidParam)
	}
	return subject, nil
}

func (h *Handler) deviceID(ctx context.Context) uuid.UUID {
	doxm, err := h.Store.Doxm(ctx)
	if err != nil {
		slog.Warn("error reading device UUID", "error", err)
		return uuid.Nil
	}
	return doxm.DeviceID
}

func (h *Handler) decode(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()

	// Validate content length
	maxSize := h.MaxContentLength
	if maxSize == 0 {
		maxSize = 65535
	}
	if maxSize > 0 && r.ContentLength > maxSize {
		return fmt.Errorf("%w: content too large (%d bytes)", ocfsec.StatusInvalidParam, r.ContentLength)
	}
	var body io.Reader = r.Body
	if maxSize > 0 {
		body = io.LimitReader(r.Body, maxSize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: error reading request: %w", ocfsec.StatusInvalidParam, err)
	}
	if err := svr.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: error decoding request: %w", ocfsec.StatusInvalidParam, err)
	}
	return nil
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	id := h.deviceID(r.Context())
	if err != nil {
		h.error(w, id, err)
		return
	}
	data, err := svr.Marshal(v)
	if err != nil {
		h.error(w, id, err)
		return
	}
	w.Header().Set(DeviceIDHeader, id.String())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) changed(w http.ResponseWriter, id uuid.UUID) {
	w.Header().Set(DeviceIDHeader, id.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleted(w http.ResponseWriter, id uuid.UUID) {
	w.Header().Set(DeviceIDHeader, id.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) error(w http.ResponseWriter, id uuid.UUID, err error) {
	code := http.StatusInternalServerError
	var status ocfsec.Status
	if errors.As(err, &status) {
		switch status {
		case ocfsec.StatusInvalidParam:
			code = http.StatusBadRequest
		case ocfsec.StatusForbidden:
			code = http.StatusForbidden
		case ocfsec.StatusNotAcceptable:
			code = http.StatusNotAcceptable
		case ocfsec.StatusNoResource:
			code = http.StatusNotFound
		}
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	} else {
		slog.Debug("request rejected", "status", code, "error", err)
	}

	if id != uuid.Nil {
		w.Header().Set(DeviceIDHeader, id.String())
	}
	http.Error(w, err.Error(), code)
}
