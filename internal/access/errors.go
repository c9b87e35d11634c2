// Package access validates credentials before vendor calls and maps access
// failures to the sentinel values published on the access property.
package access

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an access failure raised by an adapter
type Kind int

const (
	KindNoAccessDevice Kind = iota + 1
	KindInvalidAccessCredentials
	KindUnauthorized
	KindRemoteControlDisabled
	KindPermissionRevoked
	KindAPIConnection
)

func (k Kind) String() string {
	switch k {
	case KindNoAccessDevice:
		return "no_access_device"
	case KindInvalidAccessCredentials:
		return "invalid_access_credentials"
	case KindUnauthorized:
		return "unauthorized"
	case KindRemoteControlDisabled:
		return "remote_control_disabled"
	case KindPermissionRevoked:
		return "permission_revoked"
	case KindAPIConnection:
		return "api_connection_error"
	default:
		return "unknown"
	}
}

// Error is a typed access failure
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "access: " + e.Kind.String()
	}
	return fmt.Sprintf("access: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// NewError wraps err as an access failure of kind
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds an access failure with a formatted message
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Kind-only targets for errors.Is
var (
	ErrNoAccessDevice           = &Error{Kind: KindNoAccessDevice}
	ErrInvalidAccessCredentials = &Error{Kind: KindInvalidAccessCredentials}
	ErrUnauthorized             = &Error{Kind: KindUnauthorized}
	ErrRemoteControlDisabled    = &Error{Kind: KindRemoteControlDisabled}
	ErrPermissionRevoked        = &Error{Kind: KindPermissionRevoked}
	ErrAPIConnection            = &Error{Kind: KindAPIConnection}
)

// KindOf extracts the access kind of err, if any
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

// Sentinel names as published on the access property
const (
	ServiceError          = "ACCESS_SERVICE_ERROR"
	Unauthorized          = "ACCESS_UNAUTHORIZED"
	RemoteControlDisabled = "ACCESS_REMOTE_CONTROL_DISABLED"
	PermissionRevoked     = "ACCESS_PERMISSION_REVOKED"
	APIUnreachable        = "ACCESS_API_UNREACHABLE"
)

var sentinelByKind = map[Kind]string{
	KindNoAccessDevice:           ServiceError,
	KindInvalidAccessCredentials: Unauthorized,
	KindUnauthorized:             Unauthorized,
	KindRemoteControlDisabled:    RemoteControlDisabled,
	KindPermissionRevoked:        PermissionRevoked,
	KindAPIConnection:            APIUnreachable,
}

// Values maps sentinels to the strings actually published. Operators may
// override the published string of any sentinel.
type Values struct {
	published map[string]string
}

// NewValues builds the table; override keys are sentinel names in any case
func NewValues(overrides map[string]string) *Values {
	v := &Values{published: make(map[string]string)}
	for _, name := range []string{ServiceError, Unauthorized, RemoteControlDisabled, PermissionRevoked, APIUnreachable} {
		v.published[name] = name
	}
	for k, value := range overrides {
		name := strings.ToUpper(k)
		if _, ok := v.published[name]; ok && value != "" {
			v.published[name] = value
		}
	}
	return v
}

// Sentinel returns the published string for a sentinel name
func (v *Values) Sentinel(name string) string {
	if s, ok := v.published[name]; ok {
		return s
	}
	return name
}

// ForKind returns the published string for an access kind
func (v *Values) ForKind(kind Kind) string {
	name, ok := sentinelByKind[kind]
	if !ok {
		name = ServiceError
	}
	return v.Sentinel(name)
}

// ForError maps err to a published string. ok is false when err is not an
// access failure.
func (v *Values) ForError(err error) (string, bool) {
	kind, ok := KindOf(err)
	if !ok {
		return "", false
	}
	return v.ForKind(kind), true
}
