// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"crypto/elliptic"
	"fmt"
	"os"
	"time"

	"github.com/decred/dcrd/certgen"
)

// GenCertPair generates a key/cert pair to the paths provided.
func GenCertPair(org, certFile, keyFile string) error {
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	return nil
}

// LoadCertPair checks that both halves of a keypair exist.
func LoadCertPair(certFile, keyFile string) error {
	if !FileExists(certFile) {
		return fmt.Errorf("https certificate not found: %v", certFile)
	}
	if !FileExists(keyFile) {
		return fmt.Errorf("https key not found: %v", keyFile)
	}
	return nil
}
