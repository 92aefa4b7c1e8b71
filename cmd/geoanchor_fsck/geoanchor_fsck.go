// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/backend/postgres"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geoanchord/ledger/localledger"
	"github.com/decred/geoanchor/geoanchord/ledger/solana"
	"github.com/decred/geoanchor/geoanchord/pipeline"
	"github.com/decred/geoanchor/util"
	"github.com/decred/slog"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("geoanchord", false)

	file    = flag.String("file", "", "journal of modifications if used (will be written despite -fix)")
	fix     = flag.Bool("fix", false, "Try to correct correctable failures")
	anchors = flag.Bool("anchors", false, "Report ledger anchors without a record")
	grace   = flag.Duration("grace", 10*time.Minute, "Skip records updated more recently than this")
	source  = flag.String("source", "", "Data directory of the local ledger")
	verbose = flag.Bool("v", false, "Print more information during run")
)

func openStore(ctx context.Context, cfg *config) (backend.Store, error) {
	if cfg.Store != "postgres" {
		return nil, fmt.Errorf("Unsupported store type: %v", cfg.Store)
	}
	return postgres.New(ctx, cfg.PostgresUser, cfg.PostgresHost,
		cfg.PostgresDB, cfg.PostgresRootCert, cfg.PostgresCert,
		cfg.PostgresKey)
}

func openLedger(cfg *config, root string) (ledger.Ledger, error) {
	programID, err := ledger.ParseAddress(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid programid: %v", err)
	}
	switch cfg.Ledger {
	case "local":
		return localledger.New(root, programID)
	case "solana":
		return solana.New(cfg.LedgerRPC, programID,
			cfg.ConfirmTimeout), nil
	}
	return nil, fmt.Errorf("Unsupported ledger type: %v", cfg.Ledger)
}

func loadSigner(cfg *config, root string) (*ledger.Signer, error) {
	if cfg.SignerKey != "" {
		return ledger.ParseSigner([]byte(cfg.SignerKey))
	}
	filename := cfg.SignerKeyFile
	if filename == "" {
		filename = filepath.Join(root, "signer.json")
	}
	return ledger.LoadSigner(filename)
}

func _main() error {
	flag.Parse()

	loadedCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}

	// The daemon may still be writing anchors for younger records.
	confirm := loadedCfg.ConfirmTimeout
	if confirm <= 0 {
		confirm = solana.DefaultConfirmTimeout
	}
	settle := confirm + solana.MaxBlockhashAge + pipeline.DefaultLinkTimeout
	if *fix && *grace <= settle {
		return fmt.Errorf("-grace %v must exceed %v when fixing", *grace,
			settle)
	}

	root := util.CleanAndExpandPath(*source)
	if *source == "" {
		root = util.CleanAndExpandPath(loadedCfg.DataDir)
	}

	if *verbose {
		backendLog := slog.NewBackend(os.Stdout)
		plog := backendLog.Logger("PIPE")
		plog.SetLevel(slog.LevelDebug)
		pipeline.UseLogger(plog)
	}

	fmt.Printf("=== Root: %v\n", root)

	ctx := context.Background()
	signer, err := loadSigner(loadedCfg, root)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, loadedCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	l, err := openLedger(loadedCfg, root)
	if err != nil {
		return err
	}
	defer l.Close()

	p := pipeline.New(store, l, signer, pipeline.Config{}, nil)
	report, err := p.Reconcile(ctx, &pipeline.ReconcileOptions{
		Grace:   *grace,
		Fix:     *fix,
		Anchors: *anchors,
		File:    util.CleanAndExpandPath(*file),
	})
	if err != nil {
		return err
	}

	linked, deleted := "Would link", "Would delete"
	if *fix {
		linked, deleted = "Linked", "Deleted"
	}
	fmt.Printf("Examined       : %v\n", report.Examined)
	fmt.Printf("%-15v: %v\n", linked, report.Linked)
	fmt.Printf("%-15v: %v\n", deleted, report.Deleted)
	fmt.Printf("Mismatched     : %v\n", report.Mismatched)
	fmt.Printf("Failed         : %v\n", report.Failed)
	for _, a := range report.UnknownAnchors {
		fmt.Printf("Unknown anchor : %v\n", a)
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
