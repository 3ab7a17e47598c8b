package model

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Machine-readable reason codes carried by errors and by failed executions.
const (
	ErrCodePlanNotFound           = "PLAN_NOT_FOUND"
	ErrCodeExecutionNotFound      = "EXECUTION_NOT_FOUND"
	ErrCodeProtectionGroupMissing = "PROTECTION_GROUP_NOT_FOUND"
	ErrCodeInvalidState           = "INVALID_STATE"
	ErrCodeWaveSizeExceeded       = "WAVE_SIZE_EXCEEDED"
	ErrCodeConcurrentJobsExceeded = "CONCURRENT_JOBS_LIMIT_EXCEEDED"
	ErrCodeServersInJobsExceeded  = "SERVERS_IN_JOBS_LIMIT_EXCEEDED"
	ErrCodeServerConflict         = "SERVER_CONFLICT"
	ErrCodeServerResolution       = "SERVER_RESOLUTION_FAILED"
	ErrCodeExternalService        = "EXTERNAL_SERVICE_ERROR"
	ErrCodeWaveFailed             = "WAVE_FAILED"
	ErrCodeZeroLaunched           = "ZERO_LAUNCHED_INSTANCES"
	ErrCodeWaveTimedOut           = "WAVE_TIMED_OUT"
	ErrCodeTokenMalformed         = "TOKEN_MALFORMED"
	ErrCodeTokenInvalid           = "TOKEN_INVALID"
	ErrCodeTokenConsumed          = "TOKEN_ALREADY_CONSUMED"
)

var (
	ErrPlanNotFound = apperrors.New("recovery plan not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodePlanNotFound)
	ErrExecutionNotFound = apperrors.New("execution not found", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeExecutionNotFound)
	ErrProtectionGroupNotFound = apperrors.New("protection group not found", apperrors.CategoryBadInput).
					WithTextCode(ErrCodeProtectionGroupMissing)
	ErrInvalidState = apperrors.New("invalid execution state", apperrors.CategoryConflict).
			WithTextCode(ErrCodeInvalidState)
	ErrAdmissionDenied = apperrors.New("admission denied", apperrors.CategoryConflict).
				WithTextCode(ErrCodeServerConflict)
	ErrServerResolution = apperrors.New("failed to resolve wave servers", apperrors.CategoryValidation).
				WithTextCode(ErrCodeServerResolution)
	ErrExternalService = apperrors.New("recovery service call failed", apperrors.CategoryExternal).
				WithTextCode(ErrCodeExternalService)
	ErrTokenMalformed = apperrors.New("continuation token is malformed", apperrors.CategoryValidation).
				WithTextCode(ErrCodeTokenMalformed)
	ErrTokenInvalid = apperrors.New("continuation token is invalid or expired", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeTokenInvalid)
	ErrTokenConsumed = apperrors.New("continuation token was already used; the workflow already resumed or timed out", apperrors.CategoryConflict).
				WithTextCode(ErrCodeTokenConsumed)
)

// NewError clones a taxonomy sentinel with a specific message, cause and metadata
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// NewAdmissionError builds an admission denial carrying a specific reason code
func NewAdmissionError(code, message string, metadata map[string]any) *apperrors.Error {
	err := NewError(ErrAdmissionDenied, message, nil, metadata)
	return err.WithTextCode(code)
}

// ErrorCode returns the text code of a taxonomy error, or "" for other errors
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// IsCode reports whether err carries the given text code
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// IsAdmissionDenied reports whether err is a quota or conflict denial
func IsAdmissionDenied(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeWaveSizeExceeded, ErrCodeConcurrentJobsExceeded, ErrCodeServersInJobsExceeded, ErrCodeServerConflict:
		return true
	}
	return false
}

// IsTokenError reports whether err is a continuation-token validation failure
func IsTokenError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeTokenMalformed, ErrCodeTokenInvalid, ErrCodeTokenConsumed:
		return true
	}
	return false
}

// IsClientError reports whether err should be surfaced to the caller as a client mistake
func IsClientError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodePlanNotFound, ErrCodeExecutionNotFound, ErrCodeInvalidState,
		ErrCodeTokenMalformed, ErrCodeTokenInvalid, ErrCodeTokenConsumed:
		return true
	}
	return false
}
