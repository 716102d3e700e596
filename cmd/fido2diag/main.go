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

// Command fido2diag runs a register/login smoke ceremony against the first
// attached authenticator: useful for confirming a device and its driver
// stack actually work end to end.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	fido2client "github.com/gravitational/fido2client"
	"github.com/gravitational/fido2client/ctap1"
	"github.com/gravitational/fido2client/ctap2"
)

func main() {
	origin := flag.String("origin", "https://example.com", "origin to run the ceremony as")
	rpID := flag.String("rp-id", "example.com", "relying party id")
	pin := flag.String("pin", "", "authenticator PIN, if the device requires one")
	flag.Parse()

	log.SetLevel(log.DebugLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *origin, *rpID, *pin); err != nil {
		fmt.Fprintln(os.Stderr, "fido2diag:", err)
		os.Exit(1)
	}
}

// hidDevice implements fido2client.Device over whatever the first attached
// HID authenticator is, deferring to ctap2 and falling back to ctap1.
type hidDevice struct{}

func (hidDevice) OpenCTAP2(ctx context.Context) (fido2client.CTAP2Transport, error) {
	return ctap2.OpenFirst(ctx)
}

func (hidDevice) OpenCTAP1(ctx context.Context) (fido2client.CTAP1Transport, error) {
	return ctap1.OpenFirst(ctx)
}

func run(ctx context.Context, origin, rpID, pin string) error {
	fmt.Println("touch your authenticator now...")

	verifier := &fido2client.FacetVerifier{Facets: map[string][]string{rpID: {origin}}}
	client, err := fido2client.NewFido2Client(ctx, hidDevice{}, origin, verifier)
	if err != nil {
		return fmt.Errorf("opening device: %w", err)
	}

	userID := make([]byte, 16)
	if _, err := rand.Read(userID); err != nil {
		return err
	}

	regCtx, cancelReg := context.WithTimeout(ctx, 30*time.Second)
	defer cancelReg()

	attestation, _, err := client.MakeCredential(
		regCtx,
		fido2client.RelyingParty{ID: rpID, Name: rpID},
		fido2client.User{ID: userID, Name: "fido2diag", DisplayName: "fido2diag"},
		randomChallenge(),
		nil, nil, nil,
		false, false, pin, nil,
	)
	if err != nil {
		return fmt.Errorf("make_credential: %w", err)
	}
	fmt.Printf("registered credential, attestation format %q, %d bytes of authData\n",
		attestation.Format, len(attestation.AuthData))

	// The credential ID follows rpIdHash(32), flags(1), signCount(4),
	// aaguid(16) and credIdLen(2 BE) in the authenticator data.
	authData := attestation.AuthData
	if len(authData) < 55 {
		return fmt.Errorf("authData too short to carry a credential id")
	}
	credIDLen := int(binary.BigEndian.Uint16(authData[53:55]))
	if len(authData) < 55+credIDLen {
		return fmt.Errorf("authData too short to carry a credential id")
	}
	allowList := []fido2client.CredentialDescriptor{{Type: "public-key", ID: authData[55 : 55+credIDLen]}}

	fmt.Println("touch your authenticator again to sign in...")

	loginCtx, cancelLogin := context.WithTimeout(ctx, 30*time.Second)
	defer cancelLogin()

	assertions, _, err := client.GetAssertion(
		loginCtx, rpID, randomChallenge(), allowList, nil, false, false, pin, nil,
	)
	if err != nil {
		return fmt.Errorf("get_assertion: %w", err)
	}
	fmt.Printf("received %d assertion(s)\n", len(assertions))
	return nil
}

func randomChallenge() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
