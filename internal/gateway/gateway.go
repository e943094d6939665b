// Package gateway translates queued operations into authenticated HTTP calls
// against the remote field-service API. It never touches local state; the
// reconciliation layer owns what happens to the response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
)

// maxResponseBytes bounds how much of a response body is read. Entity
// responses are small; anything larger is a misbehaving server.
const maxResponseBytes = 1 << 20

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, the common case for device
// provisioning where the token comes from the environment.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return string(s), nil
}

// DispatchError describes a failed dispatch attempt. Retryable distinguishes
// transport-level failures (worth backing off and retrying) from protocol
// rejections that will fail identically on every attempt.
type DispatchError struct {
	Reason     string
	StatusCode int
	IsTimeout  bool
	Retryable  bool
}

func (e *DispatchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch failed: %s (status %d)", e.Reason, e.StatusCode)
	}
	return "dispatch failed: " + e.Reason
}

// Details converts the failure into the persisted queue item error record.
func (e *DispatchError) Details() *syncpkg.ErrorDetails {
	return &syncpkg.ErrorDetails{
		Reason:     e.Reason,
		StatusCode: e.StatusCode,
		IsTimeout:  e.IsTimeout,
		Retryable:  e.Retryable,
		OccurredAt: time.Now().UTC(),
	}
}

// Gateway is the HTTP client for the remote field-service API.
type Gateway struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Gateway. timeout bounds each dispatch attempt.
func New(baseURL string, tokens TokenSource, timeout time.Duration, logger *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL: baseURL,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With("component", "gateway"),
	}
}

// Ping checks connectivity to the remote health endpoint.
func (g *Gateway) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// Dispatch delivers one queued operation and returns the raw response body on
// success. All failures are *DispatchError.
func (g *Gateway) Dispatch(ctx context.Context, item *syncpkg.QueueItem) (json.RawMessage, error) {
	method, path, body, err := requestFor(item)
	if err != nil {
		return nil, &DispatchError{Reason: err.Error(), Retryable: false}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, &DispatchError{Reason: "marshal request body: " + err.Error(), Retryable: false}
		}
		reqBody = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reqBody)
	if err != nil {
		return nil, &DispatchError{Reason: "build request: " + err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, &DispatchError{Reason: "obtain token: " + err.Error(), Retryable: true}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	g.logger.Debug("dispatching operation",
		"queue_item_id", item.ID,
		"operation", string(item.Operation),
		"method", method,
		"path", path,
	)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, classifyStatusError(resp.StatusCode, respBody)
}

// classifyTransportError maps a connection-level failure onto a retryable
// DispatchError, detecting timeouts via net.Error and context deadlines.
func classifyTransportError(err error) *DispatchError {
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &DispatchError{
		Reason:    err.Error(),
		IsTimeout: timeout,
		Retryable: true,
	}
}

// classifyStatusError maps a non-2xx response onto a DispatchError. Server
// errors, rate limiting, and request timeouts are retryable; the remaining
// 4xx rejections are not.
func classifyStatusError(status int, body []byte) *DispatchError {
	reason := http.StatusText(status)
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &problem); err == nil {
		if problem.Detail != "" {
			reason = problem.Detail
		} else if problem.Title != "" {
			reason = problem.Title
		}
	}

	retryable := status >= 500 ||
		status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout
	return &DispatchError{
		Reason:     reason,
		StatusCode: status,
		IsTimeout:  status == http.StatusRequestTimeout,
		Retryable:  retryable,
	}
}

// requestFor maps a queue item onto its HTTP method, path, and body. Resource
// paths prefer the server-assigned id and fall back to the client id, which
// the server accepts interchangeably.
func requestFor(item *syncpkg.QueueItem) (method, path string, body any, err error) {
	payload, err := syncpkg.DecodePayload(item.Operation, item.Payload)
	if err != nil {
		return "", "", nil, err
	}

	switch item.Operation {
	case syncpkg.OpCreateMeter:
		return http.MethodPost, "/api/v1/meters", payload, nil
	case syncpkg.OpUpdateMeter:
		p := payload.(*syncpkg.MeterPayload)
		return http.MethodPut, "/api/v1/meters/" + remoteID(p.ServerID, p.ID), payload, nil
	case syncpkg.OpDeleteMeter:
		p := payload.(*syncpkg.DeletePayload)
		return http.MethodDelete, "/api/v1/meters/" + remoteID(p.ServerID, p.ID), nil, nil

	case syncpkg.OpCreateReading:
		p := payload.(*syncpkg.ReadingPayload)
		return http.MethodPost, "/api/v1/meters/" + escape(p.MeterID) + "/readings", payload, nil
	case syncpkg.OpUpdateReading:
		p := payload.(*syncpkg.ReadingPayload)
		return http.MethodPut,
			"/api/v1/meters/" + escape(p.MeterID) + "/readings/" + remoteID(p.ServerID, p.ID),
			payload, nil
	case syncpkg.OpDeleteReading:
		p := payload.(*syncpkg.DeletePayload)
		return http.MethodDelete,
			"/api/v1/meters/" + escape(p.ParentID) + "/readings/" + remoteID(p.ServerID, p.ID),
			nil, nil

	case syncpkg.OpCreateIncident:
		return http.MethodPost, "/api/v1/incidents", payload, nil
	case syncpkg.OpUpdateIncident:
		p := payload.(*syncpkg.IncidentPayload)
		return http.MethodPut, "/api/v1/incidents/" + remoteID(p.ServerID, p.ID), payload, nil
	case syncpkg.OpDeleteIncident:
		p := payload.(*syncpkg.DeletePayload)
		return http.MethodDelete, "/api/v1/incidents/" + remoteID(p.ServerID, p.ID), nil, nil

	case syncpkg.OpCreateRoute:
		return http.MethodPost, "/api/v1/routes", payload, nil
	case syncpkg.OpUpdateRoute:
		p := payload.(*syncpkg.RoutePayload)
		return http.MethodPut, "/api/v1/routes/" + remoteID(p.ServerID, p.ID), payload, nil
	case syncpkg.OpDeleteRoute:
		p := payload.(*syncpkg.DeletePayload)
		return http.MethodDelete, "/api/v1/routes/" + remoteID(p.ServerID, p.ID), nil, nil

	case syncpkg.OpBatchUpdateRouteMeterSequence:
		p := payload.(*syncpkg.RouteMeterSequencePayload)
		return http.MethodPut, "/api/v1/routes/" + escape(p.RouteID) + "/meters/sequence", payload, nil
	case syncpkg.OpBatchDeleteRouteMeters:
		p := payload.(*syncpkg.RouteMeterDeletePayload)
		return http.MethodDelete, "/api/v1/routes/" + escape(p.RouteID) + "/meters", payload, nil

	case syncpkg.OpUpdateSetting:
		p := payload.(*syncpkg.SettingPayload)
		return http.MethodPut, "/api/v1/settings/" + escape(p.Key), payload, nil
	}
	return "", "", nil, fmt.Errorf("unknown operation type %q", item.Operation)
}

func remoteID(serverID, clientID string) string {
	if serverID != "" {
		return escape(serverID)
	}
	return escape(clientID)
}

func escape(s string) string {
	return url.PathEscape(s)
}
