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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"
)

// pinProtocolVersion is the only PIN protocol this client speaks.
const pinProtocolVersion = 1

// PinToken is the ephemeral, per-session symmetric token derived from a
// user PIN via the PIN protocol. It must never be persisted or logged, and
// is zeroised by the caller once the ceremony it authorises is done.
type PinToken [16]byte

// Zero overwrites the token in place. Call via defer immediately after
// deriving a token.
func (t *PinToken) Zero() {
	for i := range t {
		t[i] = 0
	}
}

// PinAuth authorises a single privileged CTAP2 command: the first 16 bytes
// of HMAC-SHA-256(PinToken, clientDataHash).
func computePinAuth(token PinToken, clientDataHash [32]byte) []byte {
	mac := hmac.New(sha256.New, token[:])
	mac.Write(clientDataHash[:])
	sum := mac.Sum(nil)
	auth := make([]byte, 16)
	copy(auth, sum[:16])
	return auth
}

// derivePinToken runs the PIN protocol v1 ECDH key agreement against dev and
// returns the resulting PinToken. The caller owns the returned token and
// must Zero() it when the ceremony scope ends.
//
// dev supplies the authenticator's half of the exchange.
func derivePinToken(ctx context.Context, dev CTAP2Transport, pin string) (PinToken, error) {
	var token PinToken

	devPubX, devPubY, err := dev.ECDHKeyAgreement(ctx)
	if err != nil {
		return token, trace.Wrap(err, "PIN protocol key agreement")
	}
	devicePub, err := unmarshalP256Point(devPubX, devPubY)
	if err != nil {
		return token, trace.Wrap(err, "invalid authenticator public key")
	}

	curve := ecdh.P256()
	platformKey, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return token, trace.Wrap(err)
	}
	shared, err := platformKey.ECDH(devicePub)
	if err != nil {
		return token, trace.Wrap(err, "ECDH failed")
	}

	// Derive the shared AES key from the raw ECDH secret. CTAP2 PIN
	// protocol one specifies SHA-256 of the X coordinate directly; we
	// instead run it through HKDF to bind in a protocol-version label.
	sharedKey, err := hkdfExpand(shared, []byte("fido2client pin protocol v1"), 32)
	if err != nil {
		return token, trace.Wrap(err)
	}

	pinHash := sha256.Sum256([]byte(pin))
	pinHashEnc, err := aesCBCNoIV(sharedKey, pinHash[:16])
	if err != nil {
		return token, trace.Wrap(err)
	}

	platformPubX, platformPubY := marshalP256PublicKey(platformKey.PublicKey())
	tokenEnc, err := dev.ExchangePinToken(ctx, platformPubX, platformPubY, pinHashEnc)
	if err != nil {
		return token, trace.Wrap(err, "PIN exchange rejected")
	}
	tokenPlain, err := aesCBCNoIVDecrypt(sharedKey, tokenEnc)
	if err != nil {
		return token, trace.Wrap(err)
	}
	if len(tokenPlain) < 16 {
		return token, trace.BadParameter("authenticator returned a short PIN token")
	}
	copy(token[:], tokenPlain[:16])
	return token, nil
}

func hkdfExpand(secret, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, size)
	if _, err := r.Read(out); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func aesCBCNoIV(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(plaintext)%aes.BlockSize != 0 {
		return nil, trace.BadParameter("plaintext is not a multiple of the AES block size")
	}
	out := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plaintext)
	return out, nil
}

func aesCBCNoIVDecrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, trace.BadParameter("ciphertext is not a multiple of the AES block size")
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, ciphertext)
	return out, nil
}

func unmarshalP256Point(x, y []byte) (*ecdh.PublicKey, error) {
	uncompressed := make([]byte, 1+len(x)+len(y))
	uncompressed[0] = 0x04
	copy(uncompressed[1:], x)
	copy(uncompressed[1+len(x):], y)
	return ecdh.P256().NewPublicKey(uncompressed)
}

func marshalP256PublicKey(pub *ecdh.PublicKey) (x, y []byte) {
	raw := pub.Bytes() // 0x04 || X(32) || Y(32)
	return raw[1:33], raw[33:65]
}

// pinPolicy implements the PIN/UV policy engine shared by make_credential
// and get_assertion. It returns the pinAuth and
// pinProtocol values to pass to the CTAP2 command, or a ConfigurationUnsupported
// ClientError if the policy cannot be satisfied.
func pinPolicy(ctx context.Context, dev CTAP2Transport, info *AuthenticatorInfo, clientDataHash [32]byte, pin string) (pinAuth []byte, pinProtocol int, err error) {
	if pin != "" {
		supported := false
		for _, p := range info.PinProtocols {
			if p == pinProtocolVersion {
				supported = true
				break
			}
		}
		if !supported {
			return nil, 0, NewConfigurationUnsupported("device does not support PIN protocol %d", pinProtocolVersion)
		}

		token, err := derivePinToken(ctx, dev, pin)
		if err != nil {
			return nil, 0, trace.Wrap(err)
		}
		defer token.Zero()

		return computePinAuth(token, clientDataHash), pinProtocolVersion, nil
	}

	if info.ClientPin {
		return nil, 0, NewConfigurationUnsupported("PIN required")
	}

	return nil, 0, nil
}
