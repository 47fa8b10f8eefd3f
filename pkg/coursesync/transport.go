// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package coursesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
)

// defaultRetryAfter is the rate-limit hint used when the homeserver sends
// neither a Retry-After header nor retry_after_ms.
const defaultRetryAfter = time.Second

// maxRetryAfter bounds server hints so absurd values cannot overflow.
const maxRetryAfter = time.Hour

// Outcome classifies a homeserver reply.
type Outcome int

const (
	// OutcomeOK is any 2xx reply.
	OutcomeOK Outcome = iota
	// OutcomeRateLimited is a 429 reply. Response.RetryAfter holds the hint.
	OutcomeRateLimited
	// OutcomeFailed is any other non-2xx reply or a network failure.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request describes one client-server API call. Path holds the segments
// after /_matrix/client, e.g. {"v3", "rooms", roomID, "invite"}.
type Request struct {
	Method string
	Path   []any
	Body   any
	// Result is decoded from the body of a 2xx reply when non-nil.
	Result any
	// Sensitive keeps the request body out of debug logs.
	Sensitive bool
}

// Response is the tagged result of Transport.Call.
type Response struct {
	Outcome    Outcome
	StatusCode int
	// RetryAfter is only set for OutcomeRateLimited.
	RetryAfter time.Duration
	// Error holds the server's error body for non-2xx replies.
	Error *MatrixError
	// Err holds network or decoding failures, where no status is available.
	Err error
}

// OK reports whether the call succeeded.
func (r Response) OK() bool {
	return r.Outcome == OutcomeOK
}

// AsError returns nil for OutcomeOK, otherwise an error describing the failure.
func (r Response) AsError() error {
	switch {
	case r.Outcome == OutcomeOK:
		return nil
	case r.Error != nil:
		return r.Error
	case r.Err != nil:
		return r.Err
	default:
		return fmt.Errorf("matrix: HTTP %d", r.StatusCode)
	}
}

// Transport issues authenticated calls to a Matrix homeserver. Retry policy
// is left to callers: every call is attempted exactly once.
type Transport struct {
	client *mautrix.Client
	log    zerolog.Logger
}

// NewTransport creates an unauthenticated transport for the homeserver.
func NewTransport(homeserverURL string, log zerolog.Logger) (*Transport, error) {
	if homeserverURL == "" {
		return nil, errors.New("homeserver URL is required")
	}
	client, err := mautrix.NewClient(homeserverURL, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	log = log.With().Str("component", "transport").Logger()
	client.Log = log
	return &Transport{client: client, log: log}, nil
}

// Call performs the request. It never returns a Go error for non-2xx
// replies; the outcome is decided here, once.
func (t *Transport) Call(ctx context.Context, req Request) Response {
	body, err := t.client.MakeFullRequest(ctx, mautrix.FullRequest{
		Method:           req.Method,
		URL:              t.client.BuildClientURL(req.Path...),
		RequestJSON:      req.Body,
		ResponseJSON:     req.Result,
		SensitiveContent: req.Sensitive,
		MaxAttempts:      1,
	})
	return classifyResponse(body, err)
}

func (t *Transport) setCredentials(accessToken string) {
	t.client.AccessToken = accessToken
}

// classifyResponse maps the error returned by the mautrix client to a Response.
// body is the raw reply, which mautrix hands back next to the error.
func classifyResponse(body []byte, err error) Response {
	if err == nil {
		return Response{Outcome: OutcomeOK, StatusCode: http.StatusOK}
	}
	var httpErr mautrix.HTTPError
	if !errors.As(err, &httpErr) || httpErr.Response == nil {
		return Response{Outcome: OutcomeFailed, Err: err}
	}

	status := httpErr.Response.StatusCode
	raw := httpErr.ResponseBody
	if raw == "" {
		raw = string(body)
	}
	matrixErr := matrixErrorFrom(status, httpErr.RespError, raw)
	if status == http.StatusTooManyRequests {
		return Response{
			Outcome:    OutcomeRateLimited,
			StatusCode: status,
			RetryAfter: retryAfter(httpErr.Response.Header, httpErr.RespError, raw),
			Error:      matrixErr,
		}
	}
	return Response{
		Outcome:    OutcomeFailed,
		StatusCode: status,
		Error:      matrixErr,
	}
}

// matrixErrorFrom prefers the error mautrix already decoded and only parses
// the raw body when there was none.
func matrixErrorFrom(status int, respErr *mautrix.RespError, body string) *MatrixError {
	if respErr != nil && respErr.ErrCode != "" {
		return &MatrixError{Code: respErr.ErrCode, Message: respErr.Err, StatusCode: status}
	}
	return parseMatrixError(status, body)
}

// parseMatrixError decodes the standard {errcode, error} body. Non-JSON
// bodies are kept verbatim as the message.
func parseMatrixError(status int, body string) *MatrixError {
	matrixErr := &MatrixError{StatusCode: status}
	if err := json.Unmarshal([]byte(body), matrixErr); err != nil || (matrixErr.Code == "" && matrixErr.Message == "") {
		matrixErr.Code = ""
		matrixErr.Message = body
	}
	return matrixErr
}

// retryAfter reads the Retry-After header (seconds), then retry_after_ms from
// the error body, and falls back to one second.
func retryAfter(header http.Header, respErr *mautrix.RespError, body string) time.Duration {
	if value := header.Get("Retry-After"); value != "" {
		if seconds, err := strconv.ParseInt(value, 10, 64); err == nil && seconds > 0 {
			return time.Duration(min(seconds, int64(maxRetryAfter/time.Second))) * time.Second
		}
	}
	if ms := retryAfterMS(respErr, body); ms > 0 {
		return time.Duration(min(ms, maxRetryAfter.Milliseconds())) * time.Millisecond
	}
	return defaultRetryAfter
}

func retryAfterMS(respErr *mautrix.RespError, body string) int64 {
	if respErr != nil {
		switch value := respErr.ExtraData["retry_after_ms"].(type) {
		case float64:
			// JSON numbers decode as float64; clamp before converting.
			if value <= 0 {
				return 0
			}
			return int64(min(value, float64(maxRetryAfter.Milliseconds())))
		case json.Number:
			if ms, err := value.Int64(); err == nil {
				return ms
			}
		}
	}
	var limited struct {
		RetryAfterMS int64 `json:"retry_after_ms"`
	}
	if err := json.Unmarshal([]byte(body), &limited); err == nil {
		return limited.RetryAfterMS
	}
	return 0
}
