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
	"bytes"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// flagUserPresent and flagAttestedCredentialData are authenticator data
// flag bits.
const (
	flagUserPresent           byte = 0x01
	flagAttestedCredentialData byte = 0x40
)

// zeroAAGUID is the 16-byte all-zero AAGUID a CTAP1-synthesised credential
// carries, since U2F devices have no AAGUID of their own.
var zeroAAGUID = [16]byte{}

// cose256Key encodes an EC P-256 public key as a COSE_Key map. Canonical
// CBOR encoding (RFC 8949 deterministic map key order: shortest-encoding
// first, then bytewise) happens to sort {1, 3, -1, -2, -3} in exactly the
// order verifiers expect, so a plain map under CanonicalEncOptions is
// sufficient; no manual key ordering needed.
func cose256Key(x, y []byte) ([]byte, error) {
	m := map[int64]interface{}{
		1:  2,             // kty: EC2
		3:  int64(ES256),  // alg: ES256
		-1: 1,              // crv: P-256
		-2: x,
		-3: y,
	}
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out, err := mode.Marshal(m)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// AttestedCredentialData encodes aaguid(16) || credIdLen(2 BE) || credId ||
// cose_key.
func attestedCredentialData(aaguid [16]byte, credID, coseKey []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Write(aaguid[:])
	binary.Write(buf, binary.BigEndian, uint16(len(credID)))
	buf.Write(credID)
	buf.Write(coseKey)
	return buf.Bytes()
}

// authenticatorData encodes rpIdHash(32) || flags(1) || signCount(4 BE) ||
// attestedCredentialData?. attested may be nil.
func authenticatorData(rpIDHash [32]byte, flags byte, signCount uint32, attested []byte) []byte {
	buf := &bytes.Buffer{}
	buf.Write(rpIDHash[:])
	buf.WriteByte(flags)
	binary.Write(buf, binary.BigEndian, signCount)
	if attested != nil {
		buf.Write(attested)
	}
	return buf.Bytes()
}

// synthesizeAttestationObject builds a fido-u2f AttestationObject from a
// CTAP1 registration response. reg.PublicKey must be the 65-byte
// uncompressed EC point (0x04 || X(32) || Y(32)) the device returned.
func synthesizeAttestationObject(appParam [32]byte, reg *CTAP1RegisterResponse) (*AttestationObject, error) {
	if len(reg.PublicKey) != 65 || reg.PublicKey[0] != 0x04 {
		return nil, trace.BadParameter("unexpected CTAP1 public key encoding (%d bytes)", len(reg.PublicKey))
	}
	x := reg.PublicKey[1:33]
	y := reg.PublicKey[33:65]

	coseKey, err := cose256Key(x, y)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	attested := attestedCredentialData(zeroAAGUID, reg.KeyHandle, coseKey)
	authData := authenticatorData(appParam, flagUserPresent|flagAttestedCredentialData, 0, attested)

	return &AttestationObject{
		Format:   "fido-u2f",
		AuthData: authData,
		AttStmt: map[string]interface{}{
			"x5c": []interface{}{reg.Certificate},
			"sig": reg.Signature,
		},
	}, nil
}

// synthesizeAssertionResponse builds an AssertionResponse from a CTAP1
// authentication response. The attested-credential-data
// bit is intentionally never set here: this is an authentication, not a
// registration. The flags byte carries auth_resp.UserPresence verbatim
// (masked to its low bit) rather than the textbook 0x01; do not "improve"
// this to a hardcoded 0x01.
func synthesizeAssertionResponse(appParam [32]byte, cred CredentialDescriptor, auth *CTAP1AuthenticateResponse) *AssertionResponse {
	authData := authenticatorData(appParam, auth.UserPresence&0x01, auth.Counter, nil)
	return &AssertionResponse{
		Credential: cred,
		AuthData:   authData,
		Signature:  auth.Signature,
	}
}
