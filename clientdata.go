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
	"encoding/base64"
	"encoding/json"

	"github.com/gravitational/trace"
)

// ClientData is the canonical JSON blob hashed into every ceremony. Its
// bytes are immutable once built; hash is memoised on first access.
type ClientData struct {
	bytes    []byte
	hash     [32]byte
	hashSet  bool
	b64      string
	b64Set   bool
}

// BuildU2FClientData builds the legacy (CTAP1) client data shape:
// {"typ": ..., "challenge": ..., "origin": ...}.
func BuildU2FClientData(typ, challenge, origin string) (*ClientData, error) {
	if origin == "" {
		return nil, NewBadRequest("client data requires a non-empty origin")
	}
	raw, err := json.Marshal(struct {
		Typ       string `json:"typ"`
		Challenge string `json:"challenge"`
		Origin    string `json:"origin"`
	}{typ, challenge, origin})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ClientData{bytes: raw}, nil
}

// BuildWebauthnClientData builds the CTAP2 client data shape:
// {"type": ..., "clientExtensions": {}, "challenge": ..., "origin": ...}.
func BuildWebauthnClientData(typ, challenge, origin string) (*ClientData, error) {
	if origin == "" {
		return nil, NewBadRequest("client data requires a non-empty origin")
	}
	raw, err := json.Marshal(struct {
		Type             string                 `json:"type"`
		ClientExtensions map[string]interface{} `json:"clientExtensions"`
		Challenge        string                 `json:"challenge"`
		Origin           string                 `json:"origin"`
	}{typ, map[string]interface{}{}, challenge, origin})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &ClientData{bytes: raw}, nil
}

// Bytes returns the exact UTF-8 JSON serialisation that was hashed and
// signed. Callers must not mutate the returned slice.
func (c *ClientData) Bytes() []byte {
	return c.bytes
}

// Hash returns SHA-256(Bytes()), memoised after the first call.
func (c *ClientData) Hash() [32]byte {
	if !c.hashSet {
		c.hash = sha256.Sum256(c.bytes)
		c.hashSet = true
	}
	return c.hash
}

// Base64URL returns the base64url (no padding) encoding of Bytes().
func (c *ClientData) Base64URL() string {
	if !c.b64Set {
		c.b64 = base64.RawURLEncoding.EncodeToString(c.bytes)
		c.b64Set = true
	}
	return c.b64
}
