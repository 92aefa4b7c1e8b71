// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "geoanchor.conf"
)

var (
	defaultHomeDir    = dcrutil.AppDataDir("geoanchor", false)
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
)

// config defines the configuration options for geoanchor.  They provide
// defaults for the matching command line flags.
//
// See loadConfig for details on the configuration load process.
type config struct {
	Host       string `long:"host" description:"Anchoring host"`
	SkipVerify bool   `long:"skipverify" description:"Do not verify the server certificate"`
	PDLType    string `long:"pdltype" description:"Default claim type {ownership, application}"`
}

// loadConfig initializes and parses the config using a config file
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		Host:    "localhost",
		PDLType: "ownership",
	}

	err := initHomeDirectory(defaultHomeDir)
	if err != nil {
		return nil, err
	}

	// A missing config file leaves the defaults in place.
	if _, err := os.Stat(defaultConfigFile); os.IsNotExist(err) {
		return &cfg, nil
	}
	err = flags.IniParse(defaultConfigFile, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// initHomeDirectory creates the home directory if it doesn't already exist.
func initHomeDirectory(homeDir string) error {
	funcName := "initHomeDirectory"
	err := os.MkdirAll(homeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		if e, ok := err.(*os.PathError); ok && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	return nil
}
