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
	"crypto/sha256"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestCose256Key_canonicalKeyOrder(t *testing.T) {
	x := make([]byte, 32)
	y := make([]byte, 32)
	for i := range x {
		x[i] = byte(i)
		y[i] = byte(64 - i)
	}

	encoded, err := cose256Key(x, y)
	require.NoError(t, err)

	var decoded map[int64]interface{}
	require.NoError(t, cbor.Unmarshal(encoded, &decoded))
	require.EqualValues(t, 2, decoded[1])
	require.EqualValues(t, int64(ES256), decoded[3])
	require.EqualValues(t, 1, decoded[-1])
	require.Equal(t, x, decoded[-2])
	require.Equal(t, y, decoded[-3])

	// Canonical CBOR sorts map keys by shortest encoding, then bytewise; the
	// single-byte keys here encode as 0x01, 0x03, 0x20, 0x21, 0x22, so this
	// exact ordering is required, not incidental.
	require.Equal(t, []byte{0x01}, []byte{encoded[1]})
}

func TestAttestedCredentialData_layout(t *testing.T) {
	aaguid := [16]byte{1, 2, 3}
	credID := []byte{0xaa, 0xbb}
	coseKey := []byte{0xcc, 0xdd, 0xee}

	out := attestedCredentialData(aaguid, credID, coseKey)
	require.Equal(t, aaguid[:], out[:16])
	require.Equal(t, []byte{0x00, 0x02}, out[16:18])
	require.Equal(t, credID, out[18:20])
	require.Equal(t, coseKey, out[20:])
}

func TestAuthenticatorData_layout(t *testing.T) {
	rpIDHash := sha256.Sum256([]byte("example.com"))
	out := authenticatorData(rpIDHash, flagUserPresent, 7, nil)
	require.Len(t, out, 37)
	require.Equal(t, rpIDHash[:], out[:32])
	require.Equal(t, flagUserPresent, out[32])
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x07}, out[33:37])
}

func TestSynthesizeAttestationObject(t *testing.T) {
	appParam := sha256.Sum256([]byte("example.com"))
	pubKey := make([]byte, 65)
	pubKey[0] = 0x04

	reg := &CTAP1RegisterResponse{
		KeyHandle:   []byte("key-handle"),
		PublicKey:   pubKey,
		Certificate: []byte("cert"),
		Signature:   []byte("sig"),
	}

	att, err := synthesizeAttestationObject(appParam, reg)
	require.NoError(t, err)
	require.Equal(t, "fido-u2f", att.Format)
	require.Equal(t, []interface{}{reg.Certificate}, att.AttStmt["x5c"])
	require.Equal(t, reg.Signature, att.AttStmt["sig"])

	require.Equal(t, appParam[:], att.AuthData[:32])
	require.Equal(t, flagUserPresent|flagAttestedCredentialData, att.AuthData[32])
}

func TestSynthesizeAttestationObject_rejectsMalformedPublicKey(t *testing.T) {
	appParam := sha256.Sum256([]byte("example.com"))
	reg := &CTAP1RegisterResponse{PublicKey: []byte{0x01, 0x02}}
	_, err := synthesizeAttestationObject(appParam, reg)
	require.Error(t, err)
}

func TestSynthesizeAssertionResponse_preservesRawUserPresenceBit(t *testing.T) {
	appParam := sha256.Sum256([]byte("example.com"))
	cred := CredentialDescriptor{Type: "public-key", ID: []byte("id")}
	auth := &CTAP1AuthenticateResponse{UserPresence: 0x03, Counter: 1, Signature: []byte("sig")}

	resp := synthesizeAssertionResponse(appParam, cred, auth)
	require.Equal(t, byte(0x01), resp.AuthData[32])
	require.Equal(t, auth.Signature, resp.Signature)
	require.Equal(t, cred, resp.Credential)
}
