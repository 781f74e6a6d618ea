package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"collabcanvas/core"
)

// Channel delivers a mutation event to the server and waits for its
// acknowledgement. Implementations must return a *core.SyncError for
// failures the server reported.
type Channel interface {
	Emit(ctx context.Context, event string, payload map[string]any) (*core.SyncAck, error)
}

// ChannelFunc adapts a transport emit function, such as a socket.io client
// emit-with-ack, to the Channel interface.
type ChannelFunc func(ctx context.Context, event string, payload map[string]any) (*core.SyncAck, error)

func (f ChannelFunc) Emit(ctx context.Context, event string, payload map[string]any) (*core.SyncAck, error) {
	return f(ctx, event, payload)
}

// CredentialSource supplies the bearer credential attached to requests.
// Refresh is called at most once per request after an unauthorized
// response, so an expired credential mid-session recovers transparently.
type CredentialSource interface {
	Credential(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticCredential is a CredentialSource for a fixed token, mostly for tests.
type StaticCredential string

func (s StaticCredential) Credential(ctx context.Context) (string, error) { return string(s), nil }
func (s StaticCredential) Refresh(ctx context.Context) (string, error)    { return string(s), nil }

const defaultRequestTimeout = 10 * time.Second

// HTTPChannel submits mutations over the fallback REST API. It carries the
// client mutation id in the X-Mutation-ID header, so a mutation that already
// went through on the realtime channel acknowledges as a duplicate here.
type HTTPChannel struct {
	baseURL string
	creds   CredentialSource
	client  *http.Client
}

type HTTPOption func(*HTTPChannel)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPChannel) { h.client = c }
}

func NewHTTPChannel(baseURL string, creds CredentialSource, opts ...HTTPOption) *HTTPChannel {
	h := &HTTPChannel{
		baseURL: baseURL,
		creds:   creds,
		client:  &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *HTTPChannel) Emit(ctx context.Context, event string, payload map[string]any) (*core.SyncAck, error) {
	method, url, err := h.route(event, payload)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding mutation payload: %w", err)
	}

	ack, err := h.send(ctx, method, url, body, payload, false)
	if syncErr, ok := err.(*core.SyncError); ok && syncErr.Code == core.CodeUnauthorized {
		// One refresh, then resubmit with the same mutation id.
		return h.send(ctx, method, url, body, payload, true)
	}
	return ack, err
}

func (h *HTTPChannel) send(ctx context.Context, method, url string, body []byte, payload map[string]any, refresh bool) (*core.SyncAck, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if mutationID, ok := payload["mutation_id"].(string); ok && mutationID != "" {
		req.Header.Set("X-Mutation-ID", mutationID)
	}

	var credential string
	if refresh {
		credential, err = h.creds.Refresh(ctx)
	} else {
		credential, err = h.creds.Credential(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("obtaining credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		syncErr := &core.SyncError{}
		if jsonErr := json.Unmarshal(data, syncErr); jsonErr != nil || syncErr.Code == "" {
			syncErr = core.NewInternalError()
		}
		return nil, syncErr
	}

	ack := &core.SyncAck{}
	if err := json.Unmarshal(data, ack); err != nil {
		return nil, fmt.Errorf("decoding acknowledgement: %w", err)
	}
	return ack, nil
}

func (h *HTTPChannel) route(event string, payload map[string]any) (method, url string, err error) {
	canvasID, _ := payload["canvas_id"].(string)
	if canvasID == "" {
		return "", "", core.NewValidationError("canvas_id", "canvas_id is required")
	}
	objectID, _ := payload["object_id"].(string)

	base := fmt.Sprintf("%s/api/v1/canvases/%s/objects", h.baseURL, canvasID)
	switch event {
	case core.EventObjectCreated:
		return http.MethodPost, base, nil
	case core.EventObjectUpdated:
		if objectID == "" {
			return "", "", core.NewValidationError("object_id", "object_id is required")
		}
		return http.MethodPut, base + "/" + objectID, nil
	case core.EventObjectDeleted:
		if objectID == "" {
			return "", "", core.NewValidationError("object_id", "object_id is required")
		}
		return http.MethodDelete, base + "/" + objectID, nil
	default:
		return "", "", core.NewValidationError("event", fmt.Sprintf("event %q cannot be sent over the fallback channel", event))
	}
}

// FetchObjects retrieves the authoritative object set for a canvas. The
// synchronizer reconciles the local projection against this.
func (h *HTTPChannel) FetchObjects(ctx context.Context, canvasID string) ([]*core.CanvasObject, error) {
	url := fmt.Sprintf("%s/api/v1/canvases/%s/objects", h.baseURL, canvasID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	credential, err := h.creds.Credential(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		syncErr := &core.SyncError{}
		if jsonErr := json.Unmarshal(data, syncErr); jsonErr != nil || syncErr.Code == "" {
			syncErr = core.NewInternalError()
		}
		return nil, syncErr
	}

	var listing struct {
		CanvasID string               `json:"canvas_id"`
		Objects  []*core.CanvasObject `json:"objects"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		return nil, fmt.Errorf("decoding object listing: %w", err)
	}
	return listing.Objects, nil
}
