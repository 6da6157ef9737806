package protocol

import (
	"errors"
	"fmt"
)

const (
	// Envelope validation.
	ErrSchema             = "E_SCHEMA"
	ErrUnsupportedVersion = "E_UNSUPPORTED_VERSION"

	// Lifecycle.
	ErrInvalidTransition = "E_INVALID_TRANSITION"
	ErrFatal             = "E_FATAL"

	// Coordination.
	ErrBusy         = "E_BUSY"
	ErrHandlerFault = "E_HANDLER_FAULT"

	// Control surface.
	ErrBadRequest   = "E_BAD_REQUEST"
	ErrDuplicate    = "E_DUPLICATE"
	ErrNoPermission = "E_NO_PERMISSION"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrSchema:             {},
	ErrUnsupportedVersion: {},
	ErrInvalidTransition:  {},
	ErrFatal:              {},
	ErrBusy:               {},
	ErrHandlerFault:       {},
	ErrBadRequest:         {},
	ErrDuplicate:          {},
	ErrNoPermission:       {},
	ErrInternal:           {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// ErrInvalidEnvelope matches every *SchemaError.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SchemaError rejects a message at publish time. Field names the offending
// envelope field or payload location (e.g. "payload/sites/0/x").
type SchemaError struct {
	Type   string
	Field  string
	Reason string
	Code   string
}

func (e *SchemaError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("schema: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("schema: %s: %s: %s", e.Type, e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrInvalidEnvelope }

// CodeOf maps an error to its wire code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *SchemaError
	if errors.As(err, &se) {
		if se.Code != "" {
			return se.Code
		}
		return ErrSchema
	}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ErrInternal
}
