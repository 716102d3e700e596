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

// Package ctap1 is the default CTAP1Transport, backed by USB HID devices
// speaking the U2F APDU protocol: device enumeration via
// github.com/flynn/hid, framing via github.com/flynn/u2f/u2fhid, and APDU
// commands via github.com/flynn/u2f/u2ftoken.
package ctap1

import (
	"context"
	"time"

	"github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"
	"github.com/flynn/u2f/u2ftoken"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	fido2client "github.com/gravitational/fido2client"
)

// u2fUsagePage and u2fUsage identify FIDO U2F HID devices, per the USB HID
// usage tables the FIDO alliance registered.
const (
	u2fUsagePage = 0xf1d0
	u2fUsage     = 1
)

// DevicePollInterval is the wait between device-enumeration scans in
// OpenFirst. Exported so tests can tighten it.
var DevicePollInterval = 200 * time.Millisecond

// Devices, hidOpen and NewToken are package vars rather than direct calls
// so tests can substitute fakes.
var (
	Devices  = listDevices
	hidOpen  = u2fhid.Open
	NewToken = u2ftoken.NewToken
)

func listDevices() ([]*hid.DeviceInfo, error) {
	all, err := hid.Devices()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []*hid.DeviceInfo
	for _, d := range all {
		if d.UsagePage == u2fUsagePage && d.Usage == u2fUsage {
			out = append(out, d)
		}
	}
	return out, nil
}

// Transport adapts a single HID/U2F token to fido2client.CTAP1Transport.
type Transport struct {
	token *u2ftoken.Token
}

// Open wraps an already-opened HID device as a Transport.
func Open(dev u2ftoken.Device) *Transport {
	return &Transport{token: NewToken(dev)}
}

// OpenFirst polls for an attached U2F HID device until ctx is cancelled,
// opens the first one found, and returns it as a Transport.
func OpenFirst(ctx context.Context) (*Transport, error) {
	for {
		infos, err := Devices()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if len(infos) > 0 {
			dev, err := hidOpen(infos[0])
			if err != nil {
				return nil, trace.Wrap(err)
			}
			return Open(dev), nil
		}

		select {
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err(), "no U2F device found before cancellation")
		case <-time.After(DevicePollInterval):
		}
	}
}

// GetVersion implements fido2client.CTAP1Transport.
func (t *Transport) GetVersion(ctx context.Context) (string, error) {
	v, err := t.token.Version()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return v, nil
}

// Register implements fido2client.CTAP1Transport.
func (t *Transport) Register(ctx context.Context, challengeHash, appParam [32]byte) (*fido2client.CTAP1RegisterResponse, error) {
	raw, err := t.token.Register(u2ftoken.RegisterRequest{
		Challenge:   challengeHash[:],
		Application: appParam[:],
	})
	if err != nil {
		return nil, toTransportError(err)
	}
	return parseRegisterResponse(raw)
}

// Authenticate implements fido2client.CTAP1Transport.
func (t *Transport) Authenticate(ctx context.Context, challengeHash, appParam [32]byte, keyHandle []byte, checkOnly bool) (*fido2client.CTAP1AuthenticateResponse, error) {
	req := u2ftoken.AuthenticateRequest{
		Challenge:   challengeHash[:],
		Application: appParam[:],
		KeyHandle:   keyHandle,
	}
	if checkOnly {
		err := t.token.CheckAuthenticate(req)
		return nil, toTransportError(err)
	}

	resp, err := t.token.Authenticate(req)
	if err != nil {
		return nil, toTransportError(err)
	}
	if len(resp.RawResponse) < 1 {
		return nil, trace.BadParameter("authenticate response too short")
	}
	return &fido2client.CTAP1AuthenticateResponse{
		UserPresence: resp.RawResponse[0],
		Counter:      resp.Counter,
		Signature:    resp.Signature,
	}, nil
}

// toTransportError maps u2ftoken's "touch me" error to the shared
// ErrNotSatisfied sentinel the polling driver understands.
func toTransportError(err error) error {
	if err == nil {
		return nil
	}
	if err == u2ftoken.ErrPresenceRequired {
		return fido2client.ErrNotSatisfied
	}
	log.WithError(err).Debug("ctap1: transport error")
	return trace.Wrap(err)
}

// parseRegisterResponse parses the raw U2F registration response wire
// format into structured fields (FIDO U2F raw message formats v1.2,
// section "registration response message: success").
func parseRegisterResponse(resp []byte) (*fido2client.CTAP1RegisterResponse, error) {
	const pubKeyLen = 65
	const minLen = 1 + pubKeyLen + 1 // reserved + pubkey + key handle length byte
	if len(resp) < minLen {
		return nil, trace.BadParameter("U2F registration response too short: got %d bytes", len(resp))
	}
	if resp[0] != 0x05 {
		return nil, trace.BadParameter("invalid reserved byte: %#x", resp[0])
	}
	buf := resp[1:]

	pubKey := append([]byte(nil), buf[:pubKeyLen]...)
	buf = buf[pubKeyLen:]

	khLen := int(buf[0])
	buf = buf[1:]
	if len(buf) < khLen {
		return nil, trace.BadParameter("key handle length %d exceeds remaining %d bytes", khLen, len(buf))
	}
	keyHandle := append([]byte(nil), buf[:khLen]...)
	buf = buf[khLen:]

	// The certificate is a DER-encoded X.509 certificate of unknown
	// length followed by the signature; ASN.1 SEQUENCE length parsing
	// tells us where the certificate ends.
	certLen, err := asn1SequenceLength(buf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(buf) < certLen {
		return nil, trace.BadParameter("certificate length %d exceeds remaining %d bytes", certLen, len(buf))
	}
	cert := append([]byte(nil), buf[:certLen]...)
	sig := append([]byte(nil), buf[certLen:]...)

	return &fido2client.CTAP1RegisterResponse{
		KeyHandle:   keyHandle,
		PublicKey:   pubKey,
		Certificate: cert,
		Signature:   sig,
	}, nil
}

// asn1SequenceLength returns the total encoded length (header + content) of
// the DER SEQUENCE starting at buf[0], without fully parsing its contents.
func asn1SequenceLength(buf []byte) (int, error) {
	if len(buf) < 2 || buf[0] != 0x30 {
		return 0, trace.BadParameter("expected a DER SEQUENCE")
	}
	lenByte := buf[1]
	if lenByte < 0x80 {
		return 2 + int(lenByte), nil
	}
	numLenBytes := int(lenByte &^ 0x80)
	if numLenBytes == 0 || numLenBytes > 4 || len(buf) < 2+numLenBytes {
		return 0, trace.BadParameter("unsupported DER length encoding")
	}
	length := 0
	for _, b := range buf[2 : 2+numLenBytes] {
		length = length<<8 | int(b)
	}
	return 2 + numLenBytes + length, nil
}
