// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
)

const defaultConfigFilename = "geoanchord.conf"

var (
	defaultConfigFile = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultLedger     = "local"
	defaultStore      = "postgres"
)

// config holds the subset of the geoanchord options needed to reach its
// store and ledger.
//
// See loadConfig for details on the configuration load process.
type config struct {
	DataDir          string        `short:"b" long:"datadir" description:"Directory to store data"`
	Ledger           string        `long:"ledger" description:"Ledger backend {local, solana}"`
	LedgerRPC        string        `long:"ledgerrpc" description:"Solana JSON-RPC endpoint"`
	ProgramID        string        `long:"programid" description:"Base58 address of the anchoring program"`
	SignerKeyFile    string        `long:"signerkeyfile" description:"File containing the signer keypair"`
	SignerKey        string        `long:"signerkey" description:"Signer keypair as a JSON array of 64 bytes"`
	ConfirmTimeout   time.Duration `long:"confirmtimeout" description:"Time to wait for an anchor write to be confirmed"`
	Store            string        `long:"store" description:"Document store {postgres, memory}"`
	PostgresHost     string        `long:"postgreshost" description:"Postgres host:port"`
	PostgresUser     string        `long:"postgresuser" description:"Postgres user"`
	PostgresDB       string        `long:"postgresdb" description:"Postgres database name"`
	PostgresRootCert string        `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string        `long:"postgrescert" description:"File containing the postgres client certificate"`
	PostgresKey      string        `long:"postgreskey" description:"File containing the postgres client certificate key"`
}

// loadConfig initializes and parses the daemon config file.  Options that
// only matter to the daemon are ignored.
func loadConfig() (*config, error) {
	// Default config.
	cfg := config{
		DataDir:      filepath.Join(defaultHomeDir, "data"),
		Ledger:       defaultLedger,
		Store:        defaultStore,
		PostgresHost: "localhost:5432",
		PostgresUser: "geoanchor",
		PostgresDB:   "geoanchor",
	}

	parser := flags.NewParser(&cfg, flags.IgnoreUnknown)
	err := flags.NewIniParser(parser).ParseFile(defaultConfigFile)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
