// Copyright 2026 Gravitational, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fido2client

import (
	"fmt"

	"github.com/gravitational/trace"
)

// ErrorKind classifies the stable, client-facing error codes a ceremony can
// fail with.
type ErrorKind int

const (
	// OtherError is a catch-all for unexpected internal conditions.
	OtherError ErrorKind = iota + 1
	// BadRequest means the origin/identifier check failed or the caller
	// supplied malformed input.
	BadRequest
	// ConfigurationUnsupported means the caller asked for a capability the
	// device cannot satisfy (e.g. an unsupported PIN protocol).
	ConfigurationUnsupported
	// DeviceIneligible means no attached device can serve the request.
	DeviceIneligible
	// Timeout means the polling budget was exhausted without user presence.
	Timeout
)

func (k ErrorKind) String() string {
	switch k {
	case OtherError:
		return "OTHER_ERROR"
	case BadRequest:
		return "BAD_REQUEST"
	case ConfigurationUnsupported:
		return "CONFIGURATION_UNSUPPORTED"
	case DeviceIneligible:
		return "DEVICE_INELIGIBLE"
	case Timeout:
		return "TIMEOUT"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ClientError is the client-facing error type. Construction sites name the
// kind directly, replacing the source language's "callable enum member"
// idiom with ordinary constructors.
type ClientError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap lets errors.Is/As reach the underlying cause.
func (e *ClientError) Unwrap() error {
	return e.cause
}

func newClientError(kind ErrorKind, cause error, format string, args ...interface{}) *ClientError {
	return &ClientError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		cause:   cause,
	}
}

// NewOtherError wraps an unexpected internal condition.
func NewOtherError(cause error, format string, args ...interface{}) *ClientError {
	return newClientError(OtherError, cause, format, args...)
}

// NewBadRequest reports an origin mismatch or malformed caller input.
func NewBadRequest(format string, args ...interface{}) *ClientError {
	return newClientError(BadRequest, nil, format, args...)
}

// NewConfigurationUnsupported reports a capability the device cannot satisfy.
func NewConfigurationUnsupported(format string, args ...interface{}) *ClientError {
	return newClientError(ConfigurationUnsupported, nil, format, args...)
}

// NewDeviceIneligible reports that no attached device can serve the request.
func NewDeviceIneligible(format string, args ...interface{}) *ClientError {
	return newClientError(DeviceIneligible, nil, format, args...)
}

// NewTimeout reports that the polling budget was exhausted.
func NewTimeout(format string, args ...interface{}) *ClientError {
	return newClientError(Timeout, nil, format, args...)
}

// IsKind reports whether err is a *ClientError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ce, ok := trace.Unwrap(err).(*ClientError)
	if !ok {
		ce, ok = err.(*ClientError)
		if !ok {
			return false
		}
	}
	return ce.Kind == kind
}

// CTAP2ErrorKind classifies the narrower set of errors surfaced verbatim to
// CTAP2-path callers.
type CTAP2ErrorKind int

const (
	// UnsupportedOption means rk/uv was requested of a CTAP1-only device, or
	// an empty allow_list was passed to the CTAP1 assertion down-converter.
	UnsupportedOption CTAP2ErrorKind = iota + 1
	// CredentialExcluded means a CTAP1 device already holds a credential
	// named in the exclude list.
	CredentialExcluded
	// NoCredentials means every allow_list candidate failed on a CTAP1
	// device.
	NoCredentials
)

func (k CTAP2ErrorKind) String() string {
	switch k {
	case UnsupportedOption:
		return "UNSUPPORTED_OPTION"
	case CredentialExcluded:
		return "CREDENTIAL_EXCLUDED"
	case NoCredentials:
		return "NO_CREDENTIALS"
	default:
		return fmt.Sprintf("CTAP2ErrorKind(%d)", int(k))
	}
}

// CTAP2Error is returned by the CTAP1 down-conversion paths when they hit a
// condition that a native CTAP2 device would report as a device-side error.
type CTAP2Error struct {
	Kind CTAP2ErrorKind
}

func (e *CTAP2Error) Error() string {
	return e.Kind.String()
}

func newCTAP2Error(kind CTAP2ErrorKind) *CTAP2Error {
	return &CTAP2Error{Kind: kind}
}
