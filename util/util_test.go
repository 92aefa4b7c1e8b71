// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package util

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestRespondWithError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondWithError(w, http.StatusBadRequest, "nope")

	if w.Code != http.StatusBadRequest {
		t.Fatalf("got %v", w.Code)
	}
	var reply map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &reply); err != nil {
		t.Fatal(err)
	}
	if reply["error"] != "nope" {
		t.Fatalf("got %v", reply)
	}
}

func TestGenCertPair(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "https.cert")
	key := filepath.Join(dir, "https.key")

	if err := LoadCertPair(cert, key); err == nil {
		t.Fatal("expected missing keypair")
	}
	if err := GenCertPair("geoanchor test", cert, key); err != nil {
		t.Fatal(err)
	}
	if err := LoadCertPair(cert, key); err != nil {
		t.Fatal(err)
	}
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		t.Fatal(err)
	}
}

func TestFiles(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "f")
	if FileExists(name) {
		t.Fatal("file should not exist")
	}
	if err := os.WriteFile(name, []byte("abc"), 0600); err != nil {
		t.Fatal(err)
	}
	if !FileExists(name) {
		t.Fatal("file should exist")
	}
	d, err := DigestFile(name)
	if err != nil {
		t.Fatal(err)
	}
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if d != want {
		t.Fatalf("got %v want %v", d, want)
	}

	t.Setenv("GEOANCHOR_TEST_DIR", dir)
	if got := CleanAndExpandPath("$GEOANCHOR_TEST_DIR/a/../f"); got != name {
		t.Fatalf("got %v want %v", got, name)
	}
}
