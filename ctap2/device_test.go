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

package ctap2

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	fido2client "github.com/gravitational/fido2client"
)

// fakeRawDevice is an in-memory loopback rawDevice: writes to it are parsed
// as CTAPHID requests and a canned response is queued onto reads, letting
// tests drive Transport without real USB hardware.
type fakeRawDevice struct {
	reports chan []byte

	// onWrite lets a test synthesize a response once it has seen the
	// request come in, mirroring an authenticator's command handling.
	onWrite func(report []byte) [][]byte
}

func newFakeRawDevice() *fakeRawDevice {
	return &fakeRawDevice{reports: make(chan []byte, 16)}
}

func (f *fakeRawDevice) Write(report []byte) error {
	cp := append([]byte(nil), report...)
	if f.onWrite != nil {
		for _, resp := range f.onWrite(cp) {
			f.reports <- resp
		}
	}
	return nil
}

func (f *fakeRawDevice) ReadCh() <-chan []byte { return f.reports }
func (f *fakeRawDevice) ReadError() error      { return nil }
func (f *fakeRawDevice) Close()                {}

// initResponse builds a single-packet CTAPHID init response
// announcing channel ID cid, to be returned from the first write the fake
// device observes.
func initResponse(cid uint32) []byte {
	report := make([]byte, reportSize)
	binary.BigEndian.PutUint32(report[0:4], 0xffffffff)
	report[4] = ctapHIDInit | 0x80
	binary.BigEndian.PutUint16(report[5:7], 17)
	copy(report[7:], make([]byte, 8)) // echoed nonce, content irrelevant here
	binary.BigEndian.PutUint32(report[15:19], cid)
	return report
}

// cborResponse builds the one-or-more CTAPHID CBOR response packets for a
// given channel carrying a successful (status 0x00) authenticator reply.
func cborResponse(cid uint32, body []byte) [][]byte {
	payload := append([]byte{0x00}, body...)
	var reports [][]byte

	report := make([]byte, reportSize)
	binary.BigEndian.PutUint32(report[0:4], cid)
	report[4] = ctapHIDCBOR | 0x80
	binary.BigEndian.PutUint16(report[5:7], uint16(len(payload)))
	n := copy(report[7:], payload)
	reports = append(reports, report)
	payload = payload[n:]

	for seq := byte(0); len(payload) > 0; seq++ {
		cont := make([]byte, reportSize)
		binary.BigEndian.PutUint32(cont[0:4], cid)
		cont[4] = seq
		n := copy(cont[5:], payload)
		reports = append(reports, cont)
		payload = payload[n:]
	}
	return reports
}

func newConnectedTransport(t *testing.T, onCommand func(cmd byte, params []byte) []byte) (*Transport, *fakeRawDevice) {
	t.Helper()
	const cid = 0x12345678
	dev := newFakeRawDevice()

	seenInit := false
	connected := false
	var pending []byte
	want := 0
	dev.onWrite = func(report []byte) [][]byte {
		gotCID := binary.BigEndian.Uint32(report[0:4])
		if !seenInit {
			seenInit = true
			return [][]byte{initResponse(cid)}
		}
		if gotCID != cid {
			return nil
		}
		// Reassemble requests that span continuation packets.
		if report[4] == (ctapHIDCBOR | 0x80) {
			want = int(binary.BigEndian.Uint16(report[5:7]))
			pending = append([]byte(nil), report[7:]...)
		} else if pending != nil {
			pending = append(pending, report[5:]...)
		}
		if pending == nil || len(pending) < want {
			return nil
		}
		payload := pending[:want]
		pending = nil
		if !connected {
			// newTransport's authenticatorGetInfo probe: answer with an empty map.
			return cborResponse(cid, []byte{0xa0})
		}
		return cborResponse(cid, onCommand(payload[0], payload[1:]))
	}

	transport, err := newTransport(dev)
	require.NoError(t, err)
	connected = true
	return transport, dev
}

func TestGetInfo(t *testing.T) {
	transport, _ := newConnectedTransport(t, func(cmd byte, params []byte) []byte {
		resp, err := cbor.Marshal(map[int]interface{}{
			6: []int{1},
			4: map[string]bool{"clientPin": true},
		})
		require.NoError(t, err)
		return resp
	})

	info, err := transport.GetInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1}, info.PinProtocols)
	require.True(t, info.ClientPin)
}

func TestMakeCredential(t *testing.T) {
	transport, _ := newConnectedTransport(t, func(cmd byte, params []byte) []byte {
		require.Equal(t, cmdMakeCredential, cmd)
		resp, err := cbor.Marshal(map[int]interface{}{
			1: "fido-u2f",
			2: []byte("auth-data"),
			3: map[string]interface{}{"sig": []byte("att-stmt")},
		})
		require.NoError(t, err)
		return resp
	})

	var clientDataHash [32]byte
	att, err := transport.MakeCredential(context.Background(), clientDataHash,
		fido2client.RelyingParty{ID: "example.com"}, fido2client.User{ID: []byte("u")},
		[]fido2client.KeyParam{{Type: "public-key", Alg: fido2client.ES256}}, nil, nil, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "fido-u2f", att.Format)
	require.Equal(t, []byte("auth-data"), att.AuthData)
}

func TestGetAssertion(t *testing.T) {
	transport, _ := newConnectedTransport(t, func(cmd byte, params []byte) []byte {
		require.Equal(t, cmdGetAssertion, cmd)
		resp, err := cbor.Marshal(map[int]interface{}{
			1: map[string]interface{}{"id": []byte("cred-id"), "type": "public-key"},
			2: []byte("auth-data"),
			3: []byte("sig"),
			5: 2,
		})
		require.NoError(t, err)
		return resp
	})

	var clientDataHash [32]byte
	assertion, err := transport.GetAssertion(context.Background(), "example.com", clientDataHash, nil, nil, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("cred-id"), assertion.Credential.ID)
	require.Equal(t, 2, assertion.NumberOfCredentials)
}

func TestGetNextAssertion(t *testing.T) {
	transport, _ := newConnectedTransport(t, func(cmd byte, params []byte) []byte {
		require.Equal(t, cmdGetNextAssertion, cmd)
		resp, err := cbor.Marshal(map[int]interface{}{
			1: map[string]interface{}{"id": []byte("cred-id-2"), "type": "public-key"},
			2: []byte("auth-data"),
			3: []byte("sig"),
		})
		require.NoError(t, err)
		return resp
	})

	next, err := transport.GetNextAssertion(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("cred-id-2"), next.Credential.ID)
}

func TestPinRetries(t *testing.T) {
	transport, _ := newConnectedTransport(t, func(cmd byte, params []byte) []byte {
		require.Equal(t, cmdClientPIN, cmd)
		resp, err := cbor.Marshal(map[int]interface{}{3: 5})
		require.NoError(t, err)
		return resp
	})

	retries, err := transport.PinRetries(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, retries)
}
