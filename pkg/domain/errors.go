package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error classes. Typed errors below match these through errors.Is.
var (
	ErrCodec     = errors.New("codec error")
	ErrStage     = errors.New("stage error")
	ErrTransport = errors.New("transport error")
	ErrConfig    = errors.New("invalid configuration")
)

// Machine-readable error codes carried in ErrorResponse.
const (
	CodeCodec     = "CODEC_ERROR"
	CodeStage     = "STAGE_ERROR"
	CodeTransport = "TRANSPORT_ERROR"
	CodeConfig    = "CONFIG_ERROR"
	CodeTimeout   = "STAGE_TIMEOUT"
	CodeInternal  = "INTERNAL_ERROR"
)

// CodecError reports a payload that could not be decoded: malformed base64,
// an undecodable image container, or malformed JSON.
type CodecError struct {
	Field string
	Err   error
}

func (e *CodecError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("codec: %v", e.Err)
	}
	return fmt.Sprintf("codec: field %q: %v", e.Field, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// Is reports whether target is the codec error class.
func (e *CodecError) Is(target error) bool { return target == ErrCodec }

// StageError is a stage's own processing failure. Status follows HTTP semantics
// so the same value survives a round trip through a stage server.
type StageError struct {
	Stage   StageName
	Status  int
	Message string
	Err     error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Stage == "" {
		return fmt.Sprintf("stage failed (%d): %s", e.Status, msg)
	}
	return fmt.Sprintf("stage %s failed (%d): %s", e.Stage, e.Status, msg)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is reports whether target is the stage error class.
func (e *StageError) Is(target error) bool { return target == ErrStage }

// TransportError reports a failure reaching a stage or engine (dial, TLS, read).
type TransportError struct {
	Stage StageName
	URL   string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport to %s (%s): %v", e.Stage, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports whether target is the transport error class.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ConfigError reports invalid configuration detected at startup.
type ConfigError struct {
	Key string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is reports whether target is the config error class.
func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// NewStageError builds a StageError with a formatted message.
func NewStageError(stage StageName, status int, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Status: status, Message: fmt.Sprintf(format, args...)}
}

// StatusOf maps an error to the HTTP status a server should answer with.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var stageErr *StageError
	switch {
	case errors.As(err, &stageErr) && stageErr.Status > 0:
		return stageErr.Status
	case errors.Is(err, ErrCodec):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, ErrConfig):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf maps an error to its machine-readable code.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCodec):
		return CodeCodec
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrStage):
		return CodeStage
	case errors.Is(err, ErrTransport):
		return CodeTransport
	case errors.Is(err, ErrConfig):
		return CodeConfig
	default:
		return CodeInternal
	}
}

// MessageOf returns the human-readable part of an error for the wire. A stage
// error contributes only its message so a round trip does not repeat the
// stage prefix.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.Message != "" {
			return stageErr.Message
		}
		if stageErr.Err != nil {
			return stageErr.Err.Error()
		}
	}
	return err.Error()
}

// ErrorResponse is the JSON error body returned by stage and engine servers.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RunID   string `json:"run_id,omitempty"`
}
