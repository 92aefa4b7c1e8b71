// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	v1 "github.com/decred/geoanchor/api/v1"
	"github.com/decred/geoanchor/util"
)

const (
	geoanchorClientID = "geoanchor cli"
)

var (
	debug      = flag.Bool("debug", false, "Print JSON that is sent to server")
	printJson  = flag.Bool("json", false, "Print JSON response from server")
	host       = flag.String("h", "", "Anchoring host")
	trial      = flag.Bool("t", false, "Trial run, don't contact server")
	verbose    = flag.Bool("v", false, "Verbose")
	skipVerify = flag.Bool("skipverify", false, "Do not verify the server certificate")
	pdlType    = flag.String("type", "", "Claim type {ownership, application}")
	event      = flag.String("event", "", "Attach the event arguments to this pdl instead of submitting claims")
	status     = flag.Bool("status", false, "Ask the server for its status")
)

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// isFile determines if the provided filename points to a valid file.
func isFile(filename string) bool {
	fi, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// getError returns the error that is embedded in a JSON reply.
func getError(r io.Reader) (string, error) {
	var e v1.ErrorReply
	decoder := json.NewDecoder(r)
	if err := decoder.Decode(&e); err != nil {
		return "", err
	}
	if e.Error == "" {
		return "", fmt.Errorf("no error response")
	}
	s := e.Error
	if e.Conflict != "" {
		s = fmt.Sprintf("%v (%v %v)", s, e.Conflict, e.ConflictID)
	}
	if e.ID != "" {
		s = fmt.Sprintf("%v (record %v)", s, e.ID)
	}
	return s, nil
}

func newClient(skipVerify bool) *http.Client {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: skipVerify,
	}
	tr := &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return &http.Client{Transport: tr}
}

// argument returns the JSON held by a file or given inline.
func argument(a string) (json.RawMessage, string, error) {
	if isFile(a) {
		b, err := os.ReadFile(a)
		if err != nil {
			return nil, "", err
		}
		d, err := util.DigestFile(a)
		if err != nil {
			return nil, "", err
		}
		return b, d, nil
	}
	if json.Valid([]byte(a)) {
		return json.RawMessage(a), "", nil
	}
	return nil, "", fmt.Errorf("%v is not a file or valid JSON", a)
}

// post sends v to route and decodes a successful reply into reply.  It
// returns false on a trial run.
func post(route string, v interface{}, reply interface{}) (bool, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return false, err
	}

	if *debug {
		fmt.Println(string(b))
	}

	// If this is a trial run return.
	if *trial {
		return false, nil
	}

	c := newClient(*skipVerify)
	r, err := c.Post(*host+route, "application/json", bytes.NewReader(b))
	if err != nil {
		return false, err
	}
	defer r.Body.Close()

	// Pending replies carry the record id but are not a success.
	if r.StatusCode != http.StatusOK {
		e, err := getError(r.Body)
		if err != nil {
			return false, fmt.Errorf("%v", r.Status)
		}
		return false, fmt.Errorf("%v: %v", r.Status, e)
	}

	if *printJson {
		io.Copy(os.Stdout, r.Body)
		fmt.Printf("\n")
		return false, nil
	}

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(reply); err != nil {
		return false, fmt.Errorf("could not decode reply: %v", err)
	}
	return true, nil
}

func getStatus() error {
	var sr v1.StatusReply
	ok, err := post(v1.StatusRoute, v1.Status{ID: geoanchorClientID}, &sr)
	if err != nil || !ok {
		return err
	}
	fmt.Printf("Signer : %v\n", sr.Signer)
	fmt.Printf("Program: %v\n", sr.Program)
	return nil
}

func submit(a string) error {
	container, digest, err := argument(a)
	if err != nil {
		return err
	}
	if *verbose && digest != "" {
		fmt.Printf("%v Submit %v\n", digest, a)
	}

	var gr v1.GeoJSONReply
	ok, err := post(v1.GeoJSONRoute, v1.CreateGeoJSON{
		PDLType: *pdlType,
		GeoJSON: container,
	}, &gr)
	if err != nil || !ok {
		return err
	}

	result, found := v1.Result[gr.Result]
	if !found {
		result = fmt.Sprintf("invalid result %v", gr.Result)
	}
	fmt.Printf("%v %-8v %v %v\n", gr.ID, result, gr.PDL, a)

	if !*verbose {
		return nil
	}
	fmt.Printf("  %-15v: %v\n", "Type", gr.PDLType)
	fmt.Printf("  %-15v: %v\n", "State", gr.State)
	fmt.Printf("  %-15v: %v\n", "Geometry", gr.GeometryString)
	if gr.Transaction != "" {
		fmt.Printf("  %-15v: %v\n", "TxID", gr.Transaction)
	}
	return nil
}

func attach(pdl, a string) error {
	e, _, err := argument(a)
	if err != nil {
		return err
	}

	var er v1.EventReply
	ok, err := post(v1.EventsRoute, v1.CreateEvent{
		PDL:   pdl,
		Event: e,
	}, &er)
	if err != nil || !ok {
		return err
	}
	fmt.Printf("%v %v %v\n", er.ID, er.PDL, a)
	return nil
}

func _main() error {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	if *host == "" {
		*host = cfg.Host
	}
	if *pdlType == "" {
		*pdlType = cfg.PDLType
	}
	if cfg.SkipVerify {
		*skipVerify = true
	}

	// Set port if not specified.
	u, err := url.Parse("https://" + normalizeAddress(*host,
		v1.DefaultPort))
	if err != nil {
		return err
	}
	*host = strings.TrimSuffix(u.String(), "/")

	if *status {
		return getStatus()
	}

	if len(flag.Args()) == 0 {
		return fmt.Errorf("nothing to do")
	}

	if *event != "" {
		if !v1.RegexpAddress.MatchString(*event) {
			return fmt.Errorf("invalid pdl: %v", *event)
		}
		for _, a := range flag.Args() {
			if err := attach(*event, a); err != nil {
				return err
			}
		}
		return nil
	}

	switch *pdlType {
	case v1.PDLTypeOwnership, v1.PDLTypeApplication:
	default:
		return fmt.Errorf("invalid type: %v", *pdlType)
	}

	// Skip dups.
	seen := make(map[string]string) // [digest]filename
	for _, a := range flag.Args() {
		if isFile(a) {
			d, err := util.DigestFile(a)
			if err != nil {
				return err
			}
			if old, ok := seen[d]; ok {
				fmt.Printf("warning: duplicate file "+
					"skipped: %v  %v -> %v\n", d, old, a)
				continue
			}
			seen[d] = a
		}
		if err := submit(a); err != nil {
			return fmt.Errorf("%v: %v", a, err)
		}
	}

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
