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

package ctap1

import (
	"context"
	"testing"
	"time"

	"github.com/flynn/hid"
	"github.com/flynn/u2f/u2fhid"
	"github.com/flynn/u2f/u2ftoken"
	"github.com/stretchr/testify/require"

	fido2client "github.com/gravitational/fido2client"
)

func resetCallbacksAfterTest(t *testing.T) {
	oldDevices, oldHidOpen, oldNewToken, oldInterval := Devices, hidOpen, NewToken, DevicePollInterval
	t.Cleanup(func() {
		Devices = oldDevices
		hidOpen = oldHidOpen
		NewToken = oldNewToken
		DevicePollInterval = oldInterval
	})
}

func TestOpenFirst_waitsForDevice(t *testing.T) {
	resetCallbacksAfterTest(t)
	DevicePollInterval = time.Millisecond

	info := &hid.DeviceInfo{Path: "dev-0"}
	calls := 0
	Devices = func() ([]*hid.DeviceInfo, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return []*hid.DeviceInfo{info}, nil
	}
	hidOpen = func(i *hid.DeviceInfo) (*u2fhid.Device, error) { return &u2fhid.Device{}, nil }
	NewToken = func(d u2ftoken.Device) *u2ftoken.Token { return u2ftoken.NewToken(d) }

	transport, err := OpenFirst(context.Background())
	require.NoError(t, err)
	require.NotNil(t, transport)
	require.GreaterOrEqual(t, calls, 3)
}

func TestOpenFirst_cancelledBeforeDeviceFound(t *testing.T) {
	resetCallbacksAfterTest(t)
	DevicePollInterval = time.Millisecond
	Devices = func() ([]*hid.DeviceInfo, error) { return nil, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := OpenFirst(ctx)
	require.Error(t, err)
}

func TestParseRegisterResponse(t *testing.T) {
	pubKey := make([]byte, 65)
	pubKey[0] = 0x04
	keyHandle := []byte("handle")
	cert := []byte{0x30, 0x03, 0x01, 0x02, 0x03} // DER SEQUENCE, length 3
	sig := []byte("signature")

	raw := append([]byte{0x05}, pubKey...)
	raw = append(raw, byte(len(keyHandle)))
	raw = append(raw, keyHandle...)
	raw = append(raw, cert...)
	raw = append(raw, sig...)

	resp, err := parseRegisterResponse(raw)
	require.NoError(t, err)
	require.Equal(t, pubKey, resp.PublicKey)
	require.Equal(t, keyHandle, resp.KeyHandle)
	require.Equal(t, cert, resp.Certificate)
	require.Equal(t, sig, resp.Signature)
}

func TestParseRegisterResponse_rejectsBadReservedByte(t *testing.T) {
	_, err := parseRegisterResponse(make([]byte, 70))
	require.Error(t, err)
}

func TestParseRegisterResponse_tooShort(t *testing.T) {
	_, err := parseRegisterResponse([]byte{0x05, 0x04})
	require.Error(t, err)
}

func TestAsn1SequenceLength_shortForm(t *testing.T) {
	buf := []byte{0x30, 0x05, 1, 2, 3, 4, 5}
	n, err := asn1SequenceLength(buf)
	require.NoError(t, err)
	require.Equal(t, 7, n)
}

func TestAsn1SequenceLength_longForm(t *testing.T) {
	content := make([]byte, 200)
	buf := append([]byte{0x30, 0x81, 0xc8}, content...)
	n, err := asn1SequenceLength(buf)
	require.NoError(t, err)
	require.Equal(t, 3+200, n)
}

func TestAsn1SequenceLength_rejectsNonSequence(t *testing.T) {
	_, err := asn1SequenceLength([]byte{0x02, 0x01, 0x00})
	require.Error(t, err)
}

func TestToTransportError_mapsPresenceRequired(t *testing.T) {
	err := toTransportError(u2ftoken.ErrPresenceRequired)
	require.Equal(t, fido2client.ErrNotSatisfied, err)
}

func TestToTransportError_nilIsNil(t *testing.T) {
	require.NoError(t, toTransportError(nil))
}
