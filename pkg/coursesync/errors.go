// Copyright 2024-2026 Aiku AI

package coursesync

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication is returned when the homeserver rejects the login.
	// No course is processed after it.
	ErrAuthentication = errors.New("matrix login failed")
	// ErrRoomCreation is returned when the createRoom call does not succeed.
	ErrRoomCreation = errors.New("room creation failed")
	// ErrInvitePermissionDenied marks an invite answered with 403. It is
	// never retried.
	ErrInvitePermissionDenied = errors.New("invite permission denied")
	// ErrInviteExhausted marks an invite that failed on every allowed attempt.
	ErrInviteExhausted = errors.New("invite retries exhausted")
)

// MatrixError is the structured error body returned by the homeserver.
type MatrixError struct {
	Code       string `json:"errcode"`
	Message    string `json:"error"`
	StatusCode int    `json:"-"`
}

func (e *MatrixError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("matrix: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Matrix error codes the package reacts to.
const (
	ErrCodeForbidden     = "M_FORBIDDEN"
	ErrCodeLimitExceeded = "M_LIMIT_EXCEEDED"
	ErrCodeNotFound      = "M_NOT_FOUND"
)

// IsMatrixError reports whether err wraps a *MatrixError with the given code.
func IsMatrixError(err error, code string) bool {
	var matrixErr *MatrixError
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}
