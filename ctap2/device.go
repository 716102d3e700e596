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

// Package ctap2 is the default CTAP2Transport, backed by a USB HID device
// speaking the CTAPHID framing protocol with CBOR-encoded commands. Command
// bytes follow the authenticatorClientPIN, authenticatorGetInfo,
// authenticatorMakeCredential, authenticatorGetAssertion and
// authenticatorGetNextAssertion conventions from the CTAP2 authenticator
// protocol. Device enumeration reuses github.com/flynn/hid, same as the
// ctap1 package.
package ctap2

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/flynn/hid"
	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	fido2client "github.com/gravitational/fido2client"
)

// fido2UsagePage and fido2Usage mirror the U2F HID usage page; CTAP2
// authenticators advertise the same page.
const (
	fido2UsagePage = 0xf1d0
	fido2Usage     = 1
)

// CTAPHID command bytes (high bit set per the CTAPHID report framing) and
// authenticator command codes.
const (
	ctapHIDInit byte = 0x86
	ctapHIDCBOR byte = 0x90

	cmdMakeCredential   byte = 0x01
	cmdGetAssertion     byte = 0x02
	cmdGetInfo          byte = 0x04
	cmdClientPIN        byte = 0x06
	cmdGetNextAssertion byte = 0x08
)

// ClientPIN sub-commands (authenticatorClientPIN parameter 0x02).
const (
	pinSubCmdGetRetries     = 0x01
	pinSubCmdGetKeyAgreement = 0x02
	pinSubCmdGetPinToken    = 0x05
)

var reportSize = 64

// DeviceLocations and NewTransport are package vars so tests can substitute
// fakes, matching the same idiom as the ctap1 package.
var (
	DeviceLocations = listDevices
	NewTransport    = newTransport
	hidOpen         = openHIDDevice
)

func openHIDDevice(info *hid.DeviceInfo) (rawDevice, error) {
	return info.Open()
}

func listDevices() ([]*hid.DeviceInfo, error) {
	all, err := hid.Devices()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*hid.DeviceInfo
	for _, d := range all {
		if d.UsagePage == fido2UsagePage && d.Usage == fido2Usage {
			out = append(out, d)
		}
	}
	return out, nil
}

// rawDevice is the minimal HID surface CTAPHID framing needs; hid.Device
// satisfies it.
type rawDevice interface {
	Write([]byte) error
	ReadCh() <-chan []byte
	ReadError() error
	Close()
}

// Transport implements fido2client.CTAP2Transport over a CTAPHID channel.
type Transport struct {
	dev       rawDevice
	channelID uint32
}

// newTransport runs the CTAPHID init handshake and confirms the device
// answers authenticatorGetInfo, satisfying the Device.OpenCTAP2 contract
// ("must return an error if the device does not speak CTAP2").
func newTransport(dev rawDevice) (*Transport, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t := &Transport{dev: dev, channelID: 0xffffffff}
	cid, err := t.init(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.channelID = cid

	if _, err := t.GetInfo(ctx); err != nil {
		return nil, trace.Wrap(err, "device did not answer authenticatorGetInfo")
	}
	return t, nil
}

// sendFrame writes payload to the device as one CTAPHID initialization
// packet followed by as many continuation packets as it takes to carry
// len(payload) bytes, per the CTAPHID report framing (FIDO CTAP
// specification, "USB HID" transport binding).
func (t *Transport) sendFrame(cid uint32, cmd byte, payload []byte) error {
	report := make([]byte, reportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = cmd | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))

	n := copy(report[7:], payload)
	if err := t.dev.Write(report); err != nil {
		return trace.Wrap(err)
	}
	payload = payload[n:]

	for seq := byte(0); len(payload) > 0; seq++ {
		for i := range report {
			report[i] = 0
		}
		binary.BigEndian.PutUint32(report[0:4], cid)
		report[4] = seq
		n := copy(report[5:], payload)
		if err := t.dev.Write(report); err != nil {
			return trace.Wrap(err)
		}
		payload = payload[n:]
	}
	return nil
}

// recvFrame reassembles a CTAPHID response addressed to cid/cmd, discarding
// any report carrying a different channel ID (another application's
// traffic sharing the same physical device).
func (t *Transport) recvFrame(ctx context.Context, cid uint32, cmd byte) ([]byte, error) {
	var total int
	var body []byte
	first := true

	for {
		var report []byte
		select {
		case report = <-t.dev.ReadCh():
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err(), "waiting for a CTAPHID response")
		case <-time.After(3 * time.Second):
			return nil, trace.BadParameter("timed out waiting for a CTAPHID response")
		}
		if len(report) == 0 {
			if err := t.dev.ReadError(); err != nil {
				return nil, trace.Wrap(err)
			}
			continue
		}
		if len(report) < 5 || binary.BigEndian.Uint32(report[0:4]) != cid {
			continue
		}

		if first {
			if report[4] != (cmd | 0x80) {
				continue
			}
			total = int(binary.BigEndian.Uint16(report[5:7]))
			body = make([]byte, 0, total)
			body = append(body, report[7:]...)
			first = false
		} else {
			body = append(body, report[5:]...)
		}

		if len(body) >= total {
			return body[:total], nil
		}
	}
}

func (t *Transport) init(ctx context.Context) (uint32, error) {
	nonce := make([]byte, 8)
	if err := t.sendFrame(0xffffffff, ctapHIDInit, nonce); err != nil {
		return 0, trace.Wrap(err)
	}
	resp, err := t.recvFrame(ctx, 0xffffffff, ctapHIDInit)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	if len(resp) < 12 {
		return 0, trace.BadParameter("CTAPHID init response too short")
	}
	return binary.BigEndian.Uint32(resp[8:12]), nil
}

func (t *Transport) cbor(ctx context.Context, cmdByte byte, req interface{}) ([]byte, error) {
	payload := []byte{cmdByte}
	if req != nil {
		body, err := cbor.Marshal(req)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		payload = append(payload, body...)
	}
	if err := t.sendFrame(t.channelID, ctapHIDCBOR, payload); err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := t.recvFrame(ctx, t.channelID, ctapHIDCBOR)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(resp) == 0 {
		return nil, trace.BadParameter("empty CTAP2 response")
	}
	status := resp[0]
	if status != 0x00 {
		log.WithField("status", status).Debug("ctap2: authenticator returned an error status")
		if status == 0x3b /* UP required, used generically here */ {
			return nil, fido2client.ErrNotSatisfied
		}
		return nil, trace.Errorf("authenticator returned status 0x%02x", status)
	}
	return resp[1:], nil
}

// GetInfo implements fido2client.CTAP2Transport.
func (t *Transport) GetInfo(ctx context.Context) (*fido2client.AuthenticatorInfo, error) {
	body, err := t.cbor(ctx, cmdGetInfo, nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		PinProtocols []int          `cbor:"6,keyasint,omitempty"`
		Options      map[string]bool `cbor:"4,keyasint,omitempty"`
	}
	if err := cbor.Unmarshal(body, &raw); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fido2client.AuthenticatorInfo{
		PinProtocols: raw.PinProtocols,
		ClientPin:    raw.Options["clientPin"],
	}, nil
}

// MakeCredential implements fido2client.CTAP2Transport.
func (t *Transport) MakeCredential(
	ctx context.Context, clientDataHash [32]byte, rp fido2client.RelyingParty, user fido2client.User,
	keyParams []fido2client.KeyParam, excludeList []fido2client.CredentialDescriptor, extensions map[string]interface{},
	options *fido2client.Options, pinAuth []byte, pinProtocol int,
) (*fido2client.AttestationObject, error) {
	req := makeCredentialRequest(clientDataHash, rp, user, keyParams, excludeList, extensions, options, pinAuth, pinProtocol)
	body, err := t.cbor(ctx, cmdMakeCredential, req)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Fmt      string                 `cbor:"1,keyasint"`
		AuthData []byte                 `cbor:"2,keyasint"`
		AttStmt  map[string]interface{} `cbor:"3,keyasint"`
	}
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fido2client.AttestationObject{Format: resp.Fmt, AuthData: resp.AuthData, AttStmt: resp.AttStmt}, nil
}

// GetAssertion implements fido2client.CTAP2Transport.
func (t *Transport) GetAssertion(
	ctx context.Context, rpID string, clientDataHash [32]byte, allowList []fido2client.CredentialDescriptor,
	extensions map[string]interface{}, options *fido2client.Options, pinAuth []byte, pinProtocol int,
) (*fido2client.AssertionResponse, error) {
	req := getAssertionRequest(rpID, clientDataHash, allowList, extensions, options, pinAuth, pinProtocol)
	body, err := t.cbor(ctx, cmdGetAssertion, req)
	if err != nil {
		return nil, err
	}
	return decodeAssertion(body)
}

// GetNextAssertion implements fido2client.CTAP2Transport.
func (t *Transport) GetNextAssertion(ctx context.Context) (*fido2client.AssertionResponse, error) {
	body, err := t.cbor(ctx, cmdGetNextAssertion, nil)
	if err != nil {
		return nil, err
	}
	return decodeAssertion(body)
}

func decodeAssertion(body []byte) (*fido2client.AssertionResponse, error) {
	var resp struct {
		Credential struct {
			Type string `cbor:"type"`
			ID   []byte `cbor:"id"`
		} `cbor:"1,keyasint"`
		AuthData            []byte `cbor:"2,keyasint"`
		Signature           []byte `cbor:"3,keyasint"`
		NumberOfCredentials int    `cbor:"5,keyasint,omitempty"`
	}
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return &fido2client.AssertionResponse{
		Credential:          fido2client.CredentialDescriptor{Type: resp.Credential.Type, ID: resp.Credential.ID},
		AuthData:            resp.AuthData,
		Signature:           resp.Signature,
		NumberOfCredentials: resp.NumberOfCredentials,
	}, nil
}

func makeCredentialRequest(
	clientDataHash [32]byte, rp fido2client.RelyingParty, user fido2client.User,
	keyParams []fido2client.KeyParam, excludeList []fido2client.CredentialDescriptor, extensions map[string]interface{},
	options *fido2client.Options, pinAuth []byte, pinProtocol int,
) map[int]interface{} {
	m := map[int]interface{}{
		1: clientDataHash[:],
		2: map[string]interface{}{"id": rp.ID, "name": rp.Name},
		3: map[string]interface{}{"id": user.ID, "name": user.Name, "displayName": user.DisplayName},
		4: keyParamsCBOR(keyParams),
	}
	if len(excludeList) > 0 {
		m[5] = credentialListCBOR(excludeList)
	}
	if len(extensions) > 0 {
		m[6] = extensions
	}
	if options != nil {
		m[7] = optionsCBOR(options)
	}
	if pinAuth != nil {
		m[8] = pinAuth
		m[9] = pinProtocol
	}
	return m
}

func getAssertionRequest(
	rpID string, clientDataHash [32]byte, allowList []fido2client.CredentialDescriptor,
	extensions map[string]interface{}, options *fido2client.Options, pinAuth []byte, pinProtocol int,
) map[int]interface{} {
	m := map[int]interface{}{
		1: rpID,
		2: clientDataHash[:],
	}
	if len(allowList) > 0 {
		m[3] = credentialListCBOR(allowList)
	}
	if len(extensions) > 0 {
		m[4] = extensions
	}
	if options != nil {
		m[5] = optionsCBOR(options)
	}
	if pinAuth != nil {
		m[6] = pinAuth
		m[7] = pinProtocol
	}
	return m
}

func keyParamsCBOR(params []fido2client.KeyParam) []map[string]interface{} {
	out := make([]map[string]interface{}, len(params))
	for i, p := range params {
		out[i] = map[string]interface{}{"type": p.Type, "alg": int(p.Alg)}
	}
	return out
}

func credentialListCBOR(creds []fido2client.CredentialDescriptor) []map[string]interface{} {
	out := make([]map[string]interface{}, len(creds))
	for i, c := range creds {
		out[i] = map[string]interface{}{"type": c.Type, "id": c.ID}
	}
	return out
}

func optionsCBOR(o *fido2client.Options) map[string]bool {
	m := map[string]bool{}
	if o.ResidentKey {
		m["rk"] = true
	}
	if o.UserVerification {
		m["uv"] = true
	}
	return m
}

// ECDHKeyAgreement implements fido2client.CTAP2Transport by issuing
// authenticatorClientPIN/getKeyAgreement.
func (t *Transport) ECDHKeyAgreement(ctx context.Context) (x, y []byte, err error) {
	body, err := t.cbor(ctx, cmdClientPIN, map[int]interface{}{1: 1, 2: pinSubCmdGetKeyAgreement})
	if err != nil {
		return nil, nil, err
	}
	var resp struct {
		KeyAgreement map[int]interface{} `cbor:"1,keyasint"`
	}
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, nil, trace.Wrap(err)
	}
	xb, _ := resp.KeyAgreement[-2].([]byte)
	yb, _ := resp.KeyAgreement[-3].([]byte)
	if xb == nil || yb == nil {
		return nil, nil, trace.BadParameter("malformed COSE key in getKeyAgreement response")
	}
	return xb, yb, nil
}

// ExchangePinToken implements fido2client.CTAP2Transport by issuing
// authenticatorClientPIN/getPinToken.
func (t *Transport) ExchangePinToken(ctx context.Context, platformPubX, platformPubY []byte, pinHashEnc []byte) ([]byte, error) {
	platformKey := map[int]interface{}{1: 2, 3: -7, -1: 1, -2: platformPubX, -3: platformPubY}
	body, err := t.cbor(ctx, cmdClientPIN, map[int]interface{}{
		1: 1,
		2: pinSubCmdGetPinToken,
		3: platformKey,
		6: pinHashEnc,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		PinToken []byte `cbor:"2,keyasint"`
	}
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return nil, trace.Wrap(err)
	}
	return resp.PinToken, nil
}

// PinRetries implements fido2client.CTAP2Transport.
func (t *Transport) PinRetries(ctx context.Context) (int, error) {
	body, err := t.cbor(ctx, cmdClientPIN, map[int]interface{}{1: 1, 2: pinSubCmdGetRetries})
	if err != nil {
		return 0, err
	}
	var resp struct {
		Retries int `cbor:"3,keyasint"`
	}
	if err := cbor.Unmarshal(body, &resp); err != nil {
		return 0, trace.Wrap(err)
	}
	return resp.Retries, nil
}

// DevicePollInterval is the wait between device-enumeration scans in
// OpenFirst. Exported so tests can tighten it.
var DevicePollInterval = 200 * time.Millisecond

// OpenFirst polls for an attached CTAP2 HID device until ctx is cancelled,
// opens the first one found, and returns it as a Transport.
func OpenFirst(ctx context.Context) (*Transport, error) {
	for {
		infos, err := DeviceLocations()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(infos) > 0 {
			dev, err := hidOpen(infos[0])
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return NewTransport(dev)
		}

		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err(), "no CTAP2 device found before cancellation")
		case <-time.After(DevicePollInterval):
		}
	}
}
