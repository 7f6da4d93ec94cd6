// SPDX-FileCopyrightText: (C) 2024 Intel Corporation
// SPDX-License-Identifier: Apache 2.0

package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocfsec/go-ocfsec"
	"github.com/ocfsec/go-ocfsec/provision"
	"github.com/ocfsec/go-ocfsec/svr"
)

// DeviceIDHeader carries the UUID of the device which produced a response.
const DeviceIDHeader = "OCF-Device-ID"

const contentType = "application/cbor"

// Client sends provisioning requests to devices over HTTP with CBOR bodies.
// Device endpoints are base URLs including scheme. e.g. http://10.0.0.2:5683
type Client struct {
	// Client to use for HTTP requests. Nil indicates that the default client
	// should be used.
	Client *http.Client

	// Timeout bounds each request. It defaults to 10 seconds.
	Timeout time.Duration

	// MaxContentLength defaults to 65535. Negative values disable content
	// length checking.
	MaxContentLength int64

	// Peers are the endpoints probed by discovery.
	Peers []string

	// MaxConcurrentProbes limits discovery fan-out. Zero means no limit.
	MaxConcurrentProbes int

	mu      sync.Mutex
	next    provision.Handle
	cancels map[provision.Handle]context.CancelFunc
}

var _ provision.Requester = (*Client)(nil)

// SendRequest implements provision.Requester. The request runs on its own
// goroutine, which also calls the handler.
func (c *Client) SendRequest(ctx context.Context, req provision.Request, handler provision.ResponseHandler) (provision.Handle, error) {
	if handler == nil {
		return 0, ocfsec.StatusInvalidCallback
	}
	httpReq, body, err := c.newRequest(req)
	if err != nil {
		return 0, err
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	handle := c.track(cancel)

	go func() {
		defer c.untrack(handle)
		resp, err := c.do(httpReq.WithContext(reqCtx), body)
		if err != nil {
			slog.Debug("request failed", "method", req.Method, "device", req.Device.ID, "resource", req.Resource, "error", err)
			handler(nil)
			return
		}
		handler(resp)
	}()
	return handle, nil
}

// Discover implements provision.Requester by reading the doxm resource of
// every peer.
func (c *Client) Discover(ctx context.Context, query provision.DiscoveryQuery, found func(ocfsec.Device)) (provision.Handle, error) {
	if found == nil {
		return 0, ocfsec.StatusInvalidCallback
	}
	discCtx, cancel := context.WithCancel(ctx)
	handle := c.track(cancel)

	go func() {
		defer c.untrack(handle)

		g, gctx := errgroup.WithContext(discCtx)
		if c.MaxConcurrentProbes > 0 {
			g.SetLimit(c.MaxConcurrentProbes)
		}
		for _, peer := range c.Peers {
			g.Go(func() error {
				dev, err := c.probe(gctx, peer)
				if err != nil {
					slog.Debug("discovery probe failed", "endpoint", peer, "error", err)
					return nil
				}
				if dev.Owned == query.Owned {
					found(dev)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return handle, nil
}

// Cancel implements provision.Requester. The handler of a canceled request
// receives no response.
func (c *Client) Cancel(h provision.Handle) error {
	c.mu.Lock()
	cancel, ok := c.cancels[h]
	delete(c.cancels, h)
	c.mu.Unlock()
	if !ok {
		return ocfsec.StatusInvalidRequestHandle
	}
	cancel()
	return nil
}

func (c *Client) track(cancel context.CancelFunc) provision.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancels == nil {
		c.cancels = make(map[provision.Handle]context.CancelFunc)
	}
	c.next++
	c.cancels[c.next] = cancel
	return c.next
}

func (c *Client) untrack(h provision.Handle) {
	c.mu.Lock()
	cancel, ok := c.cancels[h]
	delete(c.cancels, h)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Client) probe(ctx context.Context, endpoint string) (ocfsec.Device, error) {
	httpReq, body, err := c.newRequest(provision.Request{
		Method:   provision.MethodGet,
		Device:   ocfsec.Device{Endpoint: endpoint},
		Resource: svr.DoxmURI,
	})
	if err != nil {
		return ocfsec.Device{}, err
	}
	resp, err := c.do(httpReq.WithContext(ctx), body)
	if err != nil {
		return ocfsec.Device{}, err
	}
	if resp.Status != ocfsec.StatusOK {
		return ocfsec.Device{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	var doxm svr.Doxm
	if err := svr.Unmarshal(resp.Payload, &doxm); err != nil {
		return ocfsec.Device{}, fmt.Errorf("error decoding doxm: %w", err)
	}
	if doxm.DeviceID == uuid.Nil {
		return ocfsec.Device{}, errors.New("doxm has nil device UUID")
	}
	return ocfsec.Device{
		ID:       doxm.DeviceID,
		Endpoint: endpoint,
		Owned:    doxm.Owned,
		OwnerID:  doxm.DevOwnerID,
	}, nil
}

func (c *Client) newRequest(req provision.Request) (*http.Request, []byte, error) {
	switch req.Method {
	case provision.MethodGet, provision.MethodPost, provision.MethodDelete:
	default:
		return nil, nil, fmt.Errorf("%w: unsupported method %q", ocfsec.StatusInvalidParam, req.Method)
	}
	if req.Device.Endpoint == "" {
		return nil, nil, fmt.Errorf("%w: device %s has no endpoint", ocfsec.StatusInvalidParam, req.Device.ID)
	}

	uri, err := url.JoinPath(req.Device.Endpoint, req.Resource)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: error parsing endpoint: %w", ocfsec.StatusInvalidParam, err)
	}
	if len(req.Query) > 0 {
		uri += "?" + req.Query.Encode()
	}

	var body []byte
	if req.Payload != nil {
		if body, err = svr.Marshal(req.Payload); err != nil {
			return nil, nil, fmt.Errorf("%w: error encoding payload: %w", ocfsec.StatusInvalidParam, err)
		}
	}
	httpReq, err := http.NewRequest(req.Method, uri, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: error creating request: %w", ocfsec.StatusInvalidParam, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}
	return httpReq, body, nil
}

func (c *Client) do(req *http.Request, body []byte) (*provision.Response, error) {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	debugRequestOut(req, body)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Validate content length
	maxSize := c.MaxContentLength
	if maxSize == 0 {
		maxSize = 65535
	}
	if maxSize > 0 && resp.ContentLength > maxSize {
		return nil, fmt.Errorf("content too large (%d bytes)", resp.ContentLength)
	}
	var payload io.Reader = resp.Body
	if maxSize > 0 {
		payload = io.LimitReader(resp.Body, maxSize+1)
	}
	content, err := io.ReadAll(payload)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}
	if maxSize > 0 && int64(len(content)) > maxSize {
		return nil, fmt.Errorf("content too large (more than %d bytes)", maxSize)
	}
	debugResponse(resp, content)

	identity, err := uuid.Parse(resp.Header.Get(DeviceIDHeader))
	if err != nil {
		identity = uuid.Nil
	}
	return &provision.Response{
		Status:   statusFromHTTP(req.Method, resp.StatusCode),
		Identity: identity,
		Payload:  content,
	}, nil
}

func statusFromHTTP(method string, code int) ocfsec.Status {
	switch {
	case code >= 200 && code < 300:
		switch method {
		case http.MethodPost:
			return ocfsec.StatusResourceChanged
		case http.MethodDelete:
			return ocfsec.StatusResourceDeleted
		}
		if code == http.StatusOK {
			return ocfsec.StatusOK
		}
		return ocfsec.StatusError
	case code == http.StatusBadRequest:
		return ocfsec.StatusInvalidParam
	case code == http.StatusForbidden:
		return ocfsec.StatusForbidden
	case code == http.StatusNotFound:
		return ocfsec.StatusNoResource
	case code == http.StatusNotAcceptable:
		return ocfsec.StatusNotAcceptable
	default:
		return ocfsec.StatusInternalError
	}
}
