// Package cortexerr defines the small tagged error taxonomy that crosses
// the store/authz/protocol boundary and is ultimately surfaced to clients
// as a wire error name.
package cortexerr

import "fmt"

// Kind is one of the fixed error tags a client may observe on the wire.
type Kind string

const (
	NotFound                Kind = "not_found"
	AlreadyExists           Kind = "already_exists"
	AccessDenied            Kind = "access_denied"
	InvalidRequest          Kind = "invalid_request"
	InvalidParams           Kind = "invalid_params"
	MissingKey              Kind = "missing_key"
	InvalidPermissions      Kind = "invalid_permissions"
	FederatedIdentityNeeded Kind = "federated_identity_required"
	Unauthorized            Kind = "unauthorized"
	BufferOverflow          Kind = "buffer_overflow"
	ProtocolError           Kind = "protocol_error"
	Internal                Kind = "internal"
)

// Error is a Kind-tagged error. The message is for logs/humans; the Kind
// is what crosses the wire.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error with a Kind, preserving its message.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// KindOf extracts the Kind from err, defaulting to Internal for anything
// that isn't a *Error. Store and authz code should always return *Error,
// so this default is the safety net for the one place it must never
// crash: the connection handler's response encoder.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
