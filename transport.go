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

import "context"

// Algorithm is a COSE algorithm identifier.
type Algorithm int

const (
	// ES256 is ECDSA w/ SHA-256 over the P-256 curve.
	ES256 Algorithm = -7
	// RS256 is RSASSA-PKCS1-v1_5 w/ SHA-256.
	RS256 Algorithm = -257
)

// KeyParam pairs a credential type with an acceptable algorithm, in the
// order the caller's algos preference list supplied them.
type KeyParam struct {
	Type string
	Alg  Algorithm
}

// RelyingParty identifies the CTAP2 relying party for a ceremony.
type RelyingParty struct {
	ID   string
	Name string
}

// User identifies the CTAP2 user account a new credential is bound to.
type User struct {
	ID          []byte
	Name        string
	DisplayName string
}

// CredentialDescriptor is a {type, id} pair used in exclude/allow lists.
type CredentialDescriptor struct {
	Type string
	ID   []byte
}

// RegisteredKey is a caller-supplied legacy (CTAP1) credential reference.
// AppID, when non-empty, overrides the ceremony app-id for this handle.
type RegisteredKey struct {
	Version   string
	KeyHandle string // base64url
	AppID     string
}

// RegisterRequest is a caller-supplied legacy (CTAP1) registration request.
type RegisterRequest struct {
	Version   string
	Challenge string
}

// Options carries the optional rk/uv flags passed to a CTAP2 command. A nil
// *Options means "omit the options map entirely".
type Options struct {
	ResidentKey       bool
	UserVerification  bool
}

// AuthenticatorInfo is the capability record fetched from a CTAP2 device
// per ceremony.
type AuthenticatorInfo struct {
	PinProtocols []int
	ClientPin    bool // options["clientPin"] == true
}

// AttestationObject is the CTAP2-shaped result of a make_credential
// ceremony.
type AttestationObject struct {
	Format          string
	AuthData        []byte
	AttStmt         map[string]interface{}
}

// AssertionResponse is the CTAP2-shaped result of a single credential
// assertion.
type AssertionResponse struct {
	Credential          CredentialDescriptor
	AuthData            []byte
	Signature           []byte
	User                *User
	NumberOfCredentials int
}

// CTAP1RegisterResponse is what a CTAP1 Transport.Register call returns.
type CTAP1RegisterResponse struct {
	KeyHandle   []byte
	PublicKey   []byte // 65-byte uncompressed EC point: 0x04 || X(32) || Y(32)
	Certificate []byte
	Signature   []byte
}

// CTAP1AuthenticateResponse is what a CTAP1 Transport.Authenticate call
// returns for a non-check-only request.
type CTAP1AuthenticateResponse struct {
	UserPresence byte
	Counter      uint32
	Signature    []byte
}

// CTAP1Transport is the legacy challenge/response authenticator wire
// protocol. Implementations report "user presence not yet supplied, retry"
// by returning ErrNotSatisfied from Register/Authenticate; any other error
// is a hard failure.
type CTAP1Transport interface {
	GetVersion(ctx context.Context) (string, error)
	Register(ctx context.Context, challengeHash, appParam [32]byte) (*CTAP1RegisterResponse, error)
	Authenticate(ctx context.Context, challengeHash, appParam [32]byte, keyHandle []byte, checkOnly bool) (*CTAP1AuthenticateResponse, error)
}

// CTAP2Transport is the modern CBOR-framed authenticator wire protocol.
type CTAP2Transport interface {
	GetInfo(ctx context.Context) (*AuthenticatorInfo, error)
	MakeCredential(ctx context.Context, clientDataHash [32]byte, rp RelyingParty, user User,
		keyParams []KeyParam, excludeList []CredentialDescriptor, extensions map[string]interface{},
		options *Options, pinAuth []byte, pinProtocol int) (*AttestationObject, error)
	GetAssertion(ctx context.Context, rpID string, clientDataHash [32]byte,
		allowList []CredentialDescriptor, extensions map[string]interface{},
		options *Options, pinAuth []byte, pinProtocol int) (*AssertionResponse, error)
	GetNextAssertion(ctx context.Context) (*AssertionResponse, error)

	// ECDHKeyAgreement and ExchangePinToken back the PIN protocol's
	// shared-secret derivation; see pin.go.
	ECDHKeyAgreement(ctx context.Context) (devicePubX, devicePubY []byte, err error)
	ExchangePinToken(ctx context.Context, platformPubX, platformPubY []byte, pinHashEnc []byte) (pinTokenEnc []byte, err error)
	PinRetries(ctx context.Context) (int, error)
}

// Device negotiates which wire protocol an attached authenticator speaks.
// OpenCTAP2 must return an error (any error) when the device does not
// understand CTAP2, so NewFido2Client can fall back to OpenCTAP1.
type Device interface {
	OpenCTAP2(ctx context.Context) (CTAP2Transport, error)
	OpenCTAP1(ctx context.Context) (CTAP1Transport, error)
}

// OriginVerifier decides whether origin is permitted to act for the given
// app-id or relying-party-id. Implementations may return an error instead
// of false; both are treated as "not verified" by the orchestrator.
type OriginVerifier interface {
	Verify(identifier, origin string) (bool, error)
}
