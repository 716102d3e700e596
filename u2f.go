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
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
)

// U2FRegisterResult is the response shape of U2fClient.Register.
type U2FRegisterResult struct {
	RegistrationData string // base64url
	ClientData       string // base64url
}

// U2FSignResult is the response shape of U2fClient.Sign.
type U2FSignResult struct {
	ClientData    string // base64url
	SignatureData string // base64url
	KeyHandle     string // base64url, as supplied by the caller
}

// U2fClient implements the legacy (CTAP1/U2F) register and sign ceremonies.
// It is bound to a single device and origin for its lifetime; concurrent
// ceremonies against the same device are not safe.
type U2fClient struct {
	transport CTAP1Transport
	origin    string
	verifier  OriginVerifier

	// PollDelay overrides DefaultPollDelay between retries, if non-zero.
	PollDelay time.Duration
}

// NewU2FClient binds a CTAP1 transport to origin for the lifetime of the
// returned client.
func NewU2FClient(transport CTAP1Transport, origin string, verifier OriginVerifier) *U2fClient {
	return &U2fClient{transport: transport, origin: origin, verifier: verifier}
}

func (c *U2fClient) verifyAppID(appID string) error {
	ok, err := c.verifier.Verify(appID, c.origin)
	if err != nil || !ok {
		return NewBadRequest("app id %q not valid for origin %q", appID, c.origin)
	}
	return nil
}

func (c *U2fClient) pollDelay() *time.Duration {
	if c.PollDelay == 0 {
		return nil
	}
	d := c.PollDelay
	return &d
}

// Register implements U2fClient.register.
func (c *U2fClient) Register(ctx context.Context, appID string, registerRequests []RegisterRequest, registeredKeys []RegisteredKey, timeout *time.Duration) (*U2FRegisterResult, error) {
	if err := c.verifyAppID(appID); err != nil {
		return nil, err
	}

	version, err := c.transport.GetVersion(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	dummy := [32]byte{}
	for _, key := range registeredKeys {
		if key.Version != version {
			continue
		}
		keyAppID := key.AppID
		if keyAppID == "" {
			keyAppID = appID
		}
		if err := c.verifyAppID(keyAppID); err != nil {
			return nil, err
		}
		appParam := sha256.Sum256([]byte(keyAppID))
		keyHandle, err := base64.RawURLEncoding.DecodeString(key.KeyHandle)
		if err != nil {
			return nil, NewBadRequest("invalid key handle encoding: %v", err)
		}

		_, err = c.transport.Authenticate(ctx, dummy, appParam, keyHandle, true /* checkOnly */)
		switch {
		case err == nil:
			// A successful check-only response is anomalous: devices must
			// answer USE_NOT_SATISFIED when probed this way.
			return nil, NewDeviceIneligible("device answered check-only authenticate unexpectedly")
		case IsNotSatisfied(err):
			return nil, NewDeviceIneligible("device already holds a credential for this key handle")
		default:
			log.WithError(err).Debug("fido2client: ignoring registered key during exclusion check")
		}
	}

	var challenge string
	found := false
	for _, req := range registerRequests {
		if req.Version == version {
			challenge = req.Challenge
			found = true
			break
		}
	}
	if !found {
		return nil, NewDeviceIneligible("no register request matches device version %q", version)
	}

	clientData, err := BuildU2FClientData("navigator.id.finishEnrollment", challenge, c.origin)
	if err != nil {
		return nil, err
	}
	appParam := sha256.Sum256([]byte(appID))
	clientDataHash := clientData.Hash()

	var regResp *CTAP1RegisterResponse
	err = poll(ctx, timeout, c.pollDelay(), func() error {
		resp, err := c.transport.Register(ctx, clientDataHash, appParam)
		if err != nil {
			return err
		}
		regResp = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &U2FRegisterResult{
		RegistrationData: base64.RawURLEncoding.EncodeToString(rawCTAP1Register(regResp)),
		ClientData:       clientData.Base64URL(),
	}, nil
}

// Sign implements U2fClient.sign.
func (c *U2fClient) Sign(ctx context.Context, appID, challenge string, registeredKeys []RegisteredKey, timeout *time.Duration) (*U2FSignResult, error) {
	clientData, err := BuildU2FClientData("navigator.id.getAssertion", challenge, c.origin)
	if err != nil {
		return nil, err
	}
	clientDataHash := clientData.Hash()

	version, err := c.transport.GetVersion(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for _, key := range registeredKeys {
		if key.Version != version {
			continue
		}
		keyAppID := key.AppID
		if keyAppID == "" {
			keyAppID = appID
		}
		if err := c.verifyAppID(keyAppID); err != nil {
			return nil, err
		}
		keyHandle, err := base64.RawURLEncoding.DecodeString(key.KeyHandle)
		if err != nil {
			return nil, NewBadRequest("invalid key handle encoding: %v", err)
		}
		appParam := sha256.Sum256([]byte(keyAppID))

		var authResp *CTAP1AuthenticateResponse
		pollErr := poll(ctx, timeout, c.pollDelay(), func() error {
			resp, err := c.transport.Authenticate(ctx, clientDataHash, appParam, keyHandle, false)
			if err != nil {
				return err
			}
			authResp = resp
			return nil
		})
		if pollErr != nil {
			log.WithError(pollErr).Debug("fido2client: ignoring key during sign")
			continue
		}

		return &U2FSignResult{
			ClientData:    clientData.Base64URL(),
			SignatureData: base64.RawURLEncoding.EncodeToString(rawCTAP1Authenticate(authResp)),
			KeyHandle:     key.KeyHandle,
		}, nil
	}

	return nil, NewDeviceIneligible("no registered key succeeded")
}

// rawCTAP1Register reconstructs the raw U2F registration response wire
// format from a parsed CTAP1RegisterResponse, for callers that expect the
// legacy binary shape rather than structured fields.
func rawCTAP1Register(r *CTAP1RegisterResponse) []byte {
	out := make([]byte, 0, 1+len(r.PublicKey)+1+len(r.KeyHandle)+len(r.Certificate)+len(r.Signature))
	out = append(out, 0x05)
	out = append(out, r.PublicKey...)
	out = append(out, byte(len(r.KeyHandle)))
	out = append(out, r.KeyHandle...)
	out = append(out, r.Certificate...)
	out = append(out, r.Signature...)
	return out
}

// rawCTAP1Authenticate reconstructs the raw U2F authentication response
// wire format: user presence (1) || counter (4 BE) || signature.
func rawCTAP1Authenticate(r *CTAP1AuthenticateResponse) []byte {
	out := make([]byte, 0, 5+len(r.Signature))
	out = append(out, r.UserPresence)
	out = append(out, byte(r.Counter>>24), byte(r.Counter>>16), byte(r.Counter>>8), byte(r.Counter))
	out = append(out, r.Signature...)
	return out
}
