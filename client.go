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
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
)

// boundTransport is the tagged variant selecting which wire protocol a
// Fido2Client speaks to its device, replacing a "store callable attributes
// on self" dispatch with a statically visible choice.
type boundTransport struct {
	ctap2 CTAP2Transport // set iff the device negotiated CTAP2
	ctap1 CTAP1Transport // set iff it fell back to CTAP1
}

func (b boundTransport) isCTAP2() bool { return b.ctap2 != nil }

// Fido2Client is the top-level orchestrator facade. It exposes CTAP2-shaped
// results regardless of which wire protocol the bound device actually
// speaks.
type Fido2Client struct {
	origin   string
	verifier OriginVerifier
	bound    boundTransport

	// CTAP1PollDelay overrides DefaultPollDelay for the CTAP1 down-
	// conversion paths, if non-zero.
	CTAP1PollDelay time.Duration
}

// NewFido2Client binds dev for the lifetime of the returned client,
// preferring CTAP2 and falling back to CTAP1 when the device does not
// understand it.
func NewFido2Client(ctx context.Context, dev Device, origin string, verifier OriginVerifier) (*Fido2Client, error) {
	if ctap2, err := dev.OpenCTAP2(ctx); err == nil {
		log.Debug("fido2client: device negotiated CTAP2")
		return &Fido2Client{origin: origin, verifier: verifier, bound: boundTransport{ctap2: ctap2}}, nil
	} else {
		log.WithError(err).Debug("fido2client: device does not speak CTAP2, falling back to CTAP1")
	}

	ctap1, err := dev.OpenCTAP1(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "device speaks neither CTAP2 nor CTAP1")
	}
	return &Fido2Client{origin: origin, verifier: verifier, bound: boundTransport{ctap1: ctap1}}, nil
}

func (c *Fido2Client) verifyRPID(rpID string) error {
	ok, err := c.verifier.Verify(rpID, c.origin)
	if err != nil || !ok {
		return NewBadRequest("relying party id %q not valid for origin %q", rpID, c.origin)
	}
	return nil
}

func (c *Fido2Client) ctap1PollDelay() *time.Duration {
	if c.CTAP1PollDelay == 0 {
		return nil
	}
	d := c.CTAP1PollDelay
	return &d
}

// MakeCredential implements Fido2Client.make_credential. algos defaults to
// []Algorithm{ES256} when empty.
func (c *Fido2Client) MakeCredential(
	ctx context.Context,
	rp RelyingParty, user User, challenge string, algos []Algorithm,
	excludeList []CredentialDescriptor, extensions map[string]interface{},
	rk, uv bool, pin string, timeout *time.Duration,
) (*AttestationObject, *ClientData, error) {
	if err := c.verifyRPID(rp.ID); err != nil {
		return nil, nil, err
	}
	if len(algos) == 0 {
		algos = []Algorithm{ES256}
	}

	clientData, err := BuildWebauthnClientData("webauthn.create", challenge, c.origin)
	if err != nil {
		return nil, nil, err
	}

	var attestation *AttestationObject
	if c.bound.isCTAP2() {
		attestation, err = c.ctap2MakeCredential(ctx, clientData, rp, user, algos, excludeList, extensions, rk, uv, pin)
	} else {
		attestation, err = c.ctap1MakeCredential(ctx, clientData, rp, excludeList, rk, uv, timeout)
	}
	if err != nil {
		return nil, nil, err
	}
	return attestation, clientData, nil
}

// GetAssertion implements Fido2Client.get_assertion.
func (c *Fido2Client) GetAssertion(
	ctx context.Context,
	rpID, challenge string, allowList []CredentialDescriptor, extensions map[string]interface{},
	rk, uv bool, pin string, timeout *time.Duration,
) ([]*AssertionResponse, *ClientData, error) {
	if err := c.verifyRPID(rpID); err != nil {
		return nil, nil, err
	}

	clientData, err := BuildWebauthnClientData("webauthn.get", challenge, c.origin)
	if err != nil {
		return nil, nil, err
	}

	var assertions []*AssertionResponse
	if c.bound.isCTAP2() {
		assertions, err = c.ctap2GetAssertion(ctx, clientData, rpID, allowList, extensions, rk, uv, pin)
	} else {
		assertions, err = c.ctap1GetAssertion(ctx, clientData, rpID, allowList, rk, uv, timeout)
	}
	if err != nil {
		return nil, nil, err
	}
	return assertions, clientData, nil
}

func keyParamsFor(algos []Algorithm) []KeyParam {
	params := make([]KeyParam, len(algos))
	for i, a := range algos {
		params[i] = KeyParam{Type: "public-key", Alg: a}
	}
	return params
}

func optionsFor(rk, uv bool) *Options {
	if !rk && !uv {
		return nil
	}
	return &Options{ResidentKey: rk, UserVerification: uv}
}

func (c *Fido2Client) ctap2MakeCredential(
	ctx context.Context, clientData *ClientData, rp RelyingParty, user User,
	algos []Algorithm, excludeList []CredentialDescriptor, extensions map[string]interface{},
	rk, uv bool, pin string,
) (*AttestationObject, error) {
	info, err := c.bound.ctap2.GetInfo(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pinAuth, pinProtocol, err := pinPolicy(ctx, c.bound.ctap2, info, clientData.Hash(), pin)
	if err != nil {
		return nil, err
	}

	return c.bound.ctap2.MakeCredential(ctx, clientData.Hash(), rp, user, keyParamsFor(algos),
		excludeList, extensions, optionsFor(rk, uv), pinAuth, pinProtocol)
}

func (c *Fido2Client) ctap2GetAssertion(
	ctx context.Context, clientData *ClientData, rpID string,
	allowList []CredentialDescriptor, extensions map[string]interface{}, rk, uv bool, pin string,
) ([]*AssertionResponse, error) {
	info, err := c.bound.ctap2.GetInfo(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pinAuth, pinProtocol, err := pinPolicy(ctx, c.bound.ctap2, info, clientData.Hash(), pin)
	if err != nil {
		return nil, err
	}

	first, err := c.bound.ctap2.GetAssertion(ctx, rpID, clientData.Hash(), allowList, extensions,
		optionsFor(rk, uv), pinAuth, pinProtocol)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	results := []*AssertionResponse{first}
	remaining := first.NumberOfCredentials
	if remaining == 0 {
		remaining = 1
	}
	for i := 0; i < remaining-1; i++ {
		next, err := c.bound.ctap2.GetNextAssertion(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		results = append(results, next)
	}
	return results, nil
}

func (c *Fido2Client) ctap1MakeCredential(
	ctx context.Context, clientData *ClientData, rp RelyingParty,
	excludeList []CredentialDescriptor, rk, uv bool, timeout *time.Duration,
) (*AttestationObject, error) {
	if rk || uv {
		return nil, newCTAP2Error(UnsupportedOption)
	}

	appParam := sha256.Sum256([]byte(rp.ID))
	dummy := [32]byte{}

	for _, cred := range excludeList {
		_, err := c.bound.ctap1.Authenticate(ctx, dummy, appParam, cred.ID, true /* checkOnly */)
		switch {
		case err == nil:
			return nil, newCTAP2Error(CredentialExcluded)
		case IsNotSatisfied(err):
			return nil, newCTAP2Error(CredentialExcluded)
		default:
			log.WithError(err).Debug("fido2client: ignoring exclude_list entry")
		}
	}

	var reg *CTAP1RegisterResponse
	err := poll(ctx, timeout, c.ctap1PollDelay(), func() error {
		resp, err := c.bound.ctap1.Register(ctx, clientData.Hash(), appParam)
		if err != nil {
			return err
		}
		reg = resp
		return nil
	})
	if err != nil {
		return nil, err
	}

	return synthesizeAttestationObject(appParam, reg)
}

func (c *Fido2Client) ctap1GetAssertion(
	ctx context.Context, clientData *ClientData, rpID string,
	allowList []CredentialDescriptor, rk, uv bool, timeout *time.Duration,
) ([]*AssertionResponse, error) {
	if rk || uv || len(allowList) == 0 {
		return nil, newCTAP2Error(UnsupportedOption)
	}

	appParam := sha256.Sum256([]byte(rpID))

	for _, cred := range allowList {
		var auth *CTAP1AuthenticateResponse
		err := poll(ctx, timeout, c.ctap1PollDelay(), func() error {
			resp, err := c.bound.ctap1.Authenticate(ctx, clientData.Hash(), appParam, cred.ID, false)
			if err != nil {
				return err
			}
			auth = resp
			return nil
		})
		if err != nil {
			log.WithError(err).Debug("fido2client: ignoring allow_list entry")
			continue
		}
		return []*AssertionResponse{synthesizeAssertionResponse(appParam, cred, auth)}, nil
	}

	return nil, newCTAP2Error(NoCredentials)
}
