// Copyright (c) 2020-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/geoanchor/geoanchord/ledger/localledger"
	"github.com/decred/geoanchor/util"
)

var (
	defaultHomeDir = dcrutil.AppDataDir("geoanchord", false)

	dumpJSON = flag.Bool("json", false, "Dump JSON")
	source   = flag.String("source", "", "Data directory of the local ledger")
)

func _main() error {
	flag.Parse()

	root := util.CleanAndExpandPath(*source)
	if *source == "" {
		root = filepath.Join(defaultHomeDir, "data")
	}

	l, err := localledger.NewDump(root)
	if err != nil {
		return err
	}
	defer l.Close()

	if !*dumpJSON {
		fmt.Printf("=== Root: %v\n", root)
	}
	return l.Dump(os.Stdout, !*dumpJSON)
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
