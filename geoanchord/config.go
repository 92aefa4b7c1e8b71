// Copyright (c) 2013-2014 The btcsuite developers
// Copyright (c) 2015-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrutil/v4"
	v1 "github.com/decred/geoanchor/api/v1"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geoanchord/ledger/solana"
	"github.com/decred/geoanchor/geoanchord/pipeline"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "geoanchord.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "geoanchord.log"
	defaultSignerFilename = "signer.json"

	ledgerLocal  = "local"
	ledgerSolana = "solana"

	storeMemory   = "memory"
	storePostgres = "postgres"

	defaultPostgresHost = "localhost:5432"
	defaultPostgresUser = "geoanchor"
	defaultPostgresDB   = "geoanchor"

	defaultReconcileSchedule = "10 0 * * * *" // Every hour at 10 seconds past
	defaultReconcileGrace    = 10 * time.Minute
)

var (
	defaultHomeDir       = dcrutil.AppDataDir("geoanchord", false)
	defaultConfigFile    = filepath.Join(defaultHomeDir, defaultConfigFilename)
	defaultDataDir       = filepath.Join(defaultHomeDir, defaultDataDirname)
	defaultHTTPSKeyFile  = filepath.Join(defaultHomeDir, "https.key")
	defaultHTTPSCertFile = filepath.Join(defaultHomeDir, "https.cert")
	defaultLogDir        = filepath.Join(defaultHomeDir, defaultLogDirname)
)

// config defines the configuration options for geoanchord.
//
// See loadConfig for details on the configuration load process.
type config struct {
	HomeDir     string   `short:"A" long:"appdata" description:"Path to application home directory"`
	ShowVersion bool     `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string   `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string   `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string   `long:"logdir" description:"Directory to log output."`
	DebugLevel  string   `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	Listeners   []string `long:"listen" description:"Add an interface/port to listen for connections (default all interfaces port: 49160)"`
	HTTPSCert   string   `long:"httpscert" description:"File containing the https certificate file"`
	HTTPSKey    string   `long:"httpskey" description:"File containing the https certificate key"`

	Ledger         string        `long:"ledger" description:"Ledger backend {local, solana}"`
	LedgerRPC      string        `long:"ledgerrpc" description:"Solana JSON-RPC endpoint"`
	ProgramID      string        `long:"programid" description:"Base58 address of the anchoring program"`
	SignerKeyFile  string        `long:"signerkeyfile" description:"File containing the signer keypair as a JSON array of 64 bytes"`
	SignerKey      string        `long:"signerkey" description:"Signer keypair as a JSON array of 64 bytes, overrides signerkeyfile"`
	ConfirmTimeout time.Duration `long:"confirmtimeout" description:"Time to wait for an anchor write to be confirmed"`

	Store            string `long:"store" description:"Document store {postgres, memory}"`
	PostgresHost     string `long:"postgreshost" description:"Postgres host:port"`
	PostgresUser     string `long:"postgresuser" description:"Postgres user"`
	PostgresDB       string `long:"postgresdb" description:"Postgres database name"`
	PostgresRootCert string `long:"postgresrootcert" description:"File containing the CA certificate for postgres"`
	PostgresCert     string `long:"postgrescert" description:"File containing the postgres client certificate"`
	PostgresKey      string `long:"postgreskey" description:"File containing the postgres client certificate key"`

	LinkAttempts      int           `long:"linkattempts" description:"Attempts to link a written anchor before the record is orphaned"`
	LinkRetryDelay    time.Duration `long:"linkretrydelay" description:"Pause between link attempts"`
	LinkTimeout       time.Duration `long:"linktimeout" description:"Time allowed to link a written anchor, whatever happens to the request"`
	ReconcileSchedule string        `long:"reconcileschedule" description:"Cron spec, seconds first, of the reconciliation run"`
	ReconcileGrace    time.Duration `long:"reconcilegrace" description:"Skip records updated more recently than this, must exceed confirmtimeout plus linktimeout plus the blockhash lifetime"`
	ReconcileDryRun   bool          `long:"reconciledryrun" description:"Only report what reconciliation would do"`
	ReconcileJournal  string        `long:"reconcilejournal" description:"File reconciliation actions are journaled to"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Nothing to do when no path is given.
	if path == "" {
		return path
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows cmd.exe-style
	// %VARIABLE%, but the variables can still be expanded via POSIX-style
	// $VARIABLE.
	path = os.ExpandEnv(path)

	if !strings.HasPrefix(path, "~") {
		return filepath.Clean(path)
	}

	// Expand initial ~ to the current user's home directory, or ~otheruser
	// to otheruser's home directory.  On Windows, both forward and backward
	// slashes can be used.
	path = path[1:]

	var pathSeparators string
	if runtime.GOOS == "windows" {
		pathSeparators = string(os.PathSeparator) + "/"
	} else {
		pathSeparators = string(os.PathSeparator)
	}

	userName := ""
	if i := strings.IndexAny(path, pathSeparators); i != -1 {
		userName = path[:i]
		path = path[i:]
	}

	homeDir := ""
	var u *user.User
	var err error
	if userName == "" {
		u, err = user.Current()
	} else {
		u, err = user.Lookup(userName)
	}
	if err == nil {
		homeDir = u.HomeDir
	}
	// Fallback to CWD if user lookup fails or user has no home directory.
	if homeDir == "" {
		homeDir = "."
	}

	return filepath.Join(homeDir, path)
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// normalizeAddresses returns a new slice with all the passed peer addresses
// normalized with the given default port, and all duplicates removed.
func normalizeAddresses(addrs []string, defaultPort string) []string {
	for i, addr := range addrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addrs[i] = net.JoinHostPort(addr, defaultPort)
		}
	}

	// Remove duplicates.
	seen := map[string]struct{}{}
	result := make([]string, 0, len(addrs))
	for _, val := range addrs {
		if _, ok := seen[val]; !ok {
			result = append(result, val)
			seen[val] = struct{}{}
		}
	}
	return result
}

// validate checks the ledger, store and reconciliation settings.
func (cfg *config) validate() error {
	switch cfg.Ledger {
	case ledgerLocal:
	case ledgerSolana:
		if cfg.LedgerRPC == "" {
			return errors.New("the solana ledger requires --ledgerrpc")
		}
		if cfg.SignerKeyFile == "" && cfg.SignerKey == "" {
			return errors.New("the solana ledger requires " +
				"--signerkeyfile or --signerkey")
		}
	default:
		return fmt.Errorf("invalid ledger %q", cfg.Ledger)
	}
	if cfg.ProgramID == "" {
		return errors.New("--programid is required")
	}
	if _, err := ledger.ParseAddress(cfg.ProgramID); err != nil {
		return fmt.Errorf("invalid programid: %v", err)
	}

	switch cfg.Store {
	case storeMemory, storePostgres:
	default:
		return fmt.Errorf("invalid store %q", cfg.Store)
	}

	if cfg.LinkAttempts < 1 {
		return fmt.Errorf("invalid linkattempts %v", cfg.LinkAttempts)
	}
	if cfg.LinkTimeout <= 0 {
		return fmt.Errorf("invalid linktimeout %v", cfg.LinkTimeout)
	}
	if cfg.ConfirmTimeout <= 0 {
		return fmt.Errorf("invalid confirmtimeout %v", cfg.ConfirmTimeout)
	}

	// A pending record younger than this may still get its anchor.
	settle := cfg.ConfirmTimeout + solana.MaxBlockhashAge + cfg.LinkTimeout
	if cfg.ReconcileGrace <= settle {
		return fmt.Errorf("reconcilegrace %v must exceed %v", cfg.ReconcileGrace,
			settle)
	}
	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in geoanchord functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		HomeDir:           defaultHomeDir,
		ConfigFile:        defaultConfigFile,
		DebugLevel:        defaultLogLevel,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		HTTPSKey:          defaultHTTPSKeyFile,
		HTTPSCert:         defaultHTTPSCertFile,
		Ledger:            ledgerLocal,
		ConfirmTimeout:    solana.DefaultConfirmTimeout,
		Store:             storePostgres,
		PostgresHost:      defaultPostgresHost,
		PostgresUser:      defaultPostgresUser,
		PostgresDB:        defaultPostgresDB,
		LinkAttempts:      pipeline.DefaultLinkAttempts,
		LinkRetryDelay:    pipeline.DefaultLinkRetryDelay,
		LinkTimeout:       pipeline.DefaultLinkTimeout,
		ReconcileSchedule: defaultReconcileSchedule,
		ReconcileGrace:    defaultReconcileGrace,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s (Go version %s)\n", appName,
			version(), runtime.Version())
		os.Exit(0)
	}

	// Update the home directory for geoanchord if specified.  Since the
	// home directory is updated, other variables need to be updated to
	// reflect the new changes.
	if preCfg.HomeDir != "" {
		cfg.HomeDir, _ = filepath.Abs(preCfg.HomeDir)

		if preCfg.ConfigFile == defaultConfigFile {
			cfg.ConfigFile = filepath.Join(cfg.HomeDir,
				defaultConfigFilename)
		} else {
			cfg.ConfigFile = preCfg.ConfigFile
		}
		if preCfg.DataDir == defaultDataDir {
			cfg.DataDir = filepath.Join(cfg.HomeDir, defaultDataDirname)
		} else {
			cfg.DataDir = preCfg.DataDir
		}
		if preCfg.HTTPSKey == defaultHTTPSKeyFile {
			cfg.HTTPSKey = filepath.Join(cfg.HomeDir, "https.key")
		} else {
			cfg.HTTPSKey = preCfg.HTTPSKey
		}
		if preCfg.HTTPSCert == defaultHTTPSCertFile {
			cfg.HTTPSCert = filepath.Join(cfg.HomeDir, "https.cert")
		} else {
			cfg.HTTPSCert = preCfg.HTTPSCert
		}
		if preCfg.LogDir == defaultLogDir {
			cfg.LogDir = filepath.Join(cfg.HomeDir, defaultLogDirname)
		} else {
			cfg.LogDir = preCfg.LogDir
		}
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	if !(preCfg.ConfigFile != defaultConfigFile && preCfg.HomeDir == "") {
		err := flags.NewIniParser(parser).ParseFile(cfg.ConfigFile)
		if err != nil {
			var e *os.PathError
			if !errors.As(err, &e) {
				fmt.Fprintf(os.Stderr, "Error parsing config "+
					"file: %v\n", err)
				fmt.Fprintln(os.Stderr, usageMessage)
				return nil, nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		var e *flags.Error
		if !errors.As(err, &e) || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, usageMessage)
		}
		return nil, nil, err
	}

	// Create the home directory if it doesn't already exist.
	funcName := "loadConfig"
	err = os.MkdirAll(cfg.HomeDir, 0700)
	if err != nil {
		// Show a nicer error message if it's because a symlink is
		// linked to a directory that does not exist (probably because
		// it's not mounted).
		var e *os.PathError
		if errors.As(err, &e) && os.IsExist(err) {
			if link, lerr := os.Readlink(e.Path); lerr == nil {
				str := "is symlink %s -> %s mounted?"
				err = fmt.Errorf(str, e.Path, link)
			}
		}

		str := "%s: Failed to create home directory: %v"
		err := fmt.Errorf(str, funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.HTTPSKey = cleanAndExpandPath(cfg.HTTPSKey)
	cfg.HTTPSCert = cleanAndExpandPath(cfg.HTTPSCert)
	cfg.PostgresRootCert = cleanAndExpandPath(cfg.PostgresRootCert)
	cfg.PostgresCert = cleanAndExpandPath(cfg.PostgresCert)
	cfg.PostgresKey = cleanAndExpandPath(cfg.PostgresKey)
	cfg.ReconcileJournal = cleanAndExpandPath(cfg.ReconcileJournal)
	if cfg.SignerKeyFile == "" && cfg.Ledger == ledgerLocal {
		cfg.SignerKeyFile = filepath.Join(cfg.DataDir,
			defaultSignerFilename)
	}
	cfg.SignerKeyFile = cleanAndExpandPath(cfg.SignerKeyFile)

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", supportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err.Error())
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if err := cfg.validate(); err != nil {
		err := fmt.Errorf("%s: %v", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Add the default listener if none were specified. The default
	// listener is all addresses on the listen port for the network we
	// are to connect to.
	if len(cfg.Listeners) == 0 {
		cfg.Listeners = []string{
			net.JoinHostPort("", v1.DefaultPort),
		}
	}

	// Add default port to all listener addresses if needed and remove
	// duplicate addresses.
	cfg.Listeners = normalizeAddresses(cfg.Listeners, v1.DefaultPort)

	// Warn about missing config file only after all other configuration is
	// done.  This prevents the warning on help messages and invalid
	// options.  Note this should go directly before the return.
	if configFileError != nil {
		log.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
