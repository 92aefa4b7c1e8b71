// Copyright (c) 2017-2026 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	v1 "github.com/decred/geoanchor/api/v1"
	"github.com/decred/geoanchor/geoanchord/backend"
	"github.com/decred/geoanchor/geoanchord/backend/postgres"
	"github.com/decred/geoanchor/geoanchord/backend/postgres/testpostgres"
	"github.com/decred/geoanchor/geoanchord/events"
	"github.com/decred/geoanchor/geoanchord/ledger"
	"github.com/decred/geoanchor/geoanchord/ledger/localledger"
	"github.com/decred/geoanchor/geoanchord/ledger/solana"
	"github.com/decred/geoanchor/geoanchord/pipeline"
	"github.com/decred/geoanchor/util"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb/geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	fStr    = "2006-01-02 15:04:05"
	forward = "X-Forwarded-For"
)

// GeoAnchorStore application context.
type GeoAnchorStore struct {
	cfg        *config
	router     *mux.Router
	registry   *prometheus.Registry
	store      backend.Store
	ledger     ledger.Ledger
	signer     *ledger.Signer
	pipeline   *pipeline.Pipeline
	events     *events.Service
	reconciler *pipeline.Reconciler
}

// via returns the remote address of a request, including the forwarding
// chain when present.
func via(r *http.Request) string {
	xff := r.Header.Get(forward)
	if xff != "" {
		return fmt.Sprintf("%v via %v", xff, r.RemoteAddr)
	}
	return r.RemoteAddr
}

// convertGeoRecord returns the wire representation of a stored record.
// PDL is the anchor address of link, if any.
func convertGeoRecord(r *backend.GeoRecord, link *backend.Link, receipt *ledger.Receipt) (*v1.GeoJSONReply, error) {
	g, err := geojson.NewGeometry(r.Geometry).MarshalJSON()
	if err != nil {
		return nil, err
	}
	reply := &v1.GeoJSONReply{
		ID:             r.ID,
		Geometry:       g,
		GeoJSON:        json.RawMessage(r.Payload),
		GeometryString: r.CanonicalKey,
		PDLType:        string(r.Type),
		State:          string(r.State),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if link != nil {
		reply.PDL = link.AnchorAddress
	}
	if receipt != nil {
		reply.Transaction = receipt.TxID
	}
	return reply, nil
}

// respondWithPipelineError translates a pipeline error into an
// ErrorReply.  Unexpected errors are logged with an opaque error code that
// is handed to the client.
func respondWithPipelineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		malformed   *pipeline.MalformedInputError
		conflict    *pipeline.ConflictError
		ledgerWrite *pipeline.LedgerWriteError
		ambiguous   *pipeline.AmbiguousLedgerOutcomeError
		orphaned    *pipeline.OrphanedError
	)
	switch {
	case errors.As(err, &malformed):
		log.Infof("%v %v malformed: %v", via(r), op, err)
		util.RespondWithJSON(w, http.StatusBadRequest, v1.ErrorReply{
			Result: v1.ResultMalformed,
			Error:  malformed.Error(),
		})

	case errors.As(err, &conflict):
		log.Infof("%v %v rejected: %v", via(r), op, err)
		id := conflict.RecordID
		if id == "" {
			id = conflict.Address
		}
		util.RespondWithJSON(w, http.StatusConflict, v1.ErrorReply{
			Result:     v1.ResultConflict,
			Error:      conflict.Error(),
			Conflict:   string(conflict.Kind),
			ConflictID: id,
		})

	case errors.As(err, &ledgerWrite):
		log.Errorf("%v %v: %v", via(r), op, err)
		util.RespondWithJSON(w, http.StatusBadGateway, v1.ErrorReply{
			Result: v1.ResultLedgerRejected,
			Error:  "Ledger rejected the anchor write",
		})

	case errors.As(err, &ambiguous):
		log.Warnf("%v %v: %v", via(r), op, err)
		util.RespondWithJSON(w, http.StatusAccepted, v1.ErrorReply{
			Result: v1.ResultPending,
			Error:  "Anchor outcome unknown, record awaits reconciliation",
			ID:     ambiguous.RecordID,
		})

	case errors.As(err, &orphaned):
		log.Warnf("%v %v: %v", via(r), op, err)
		util.RespondWithJSON(w, http.StatusAccepted, v1.ErrorReply{
			Result: v1.ResultPending,
			Error:  "Anchor written, record awaits reconciliation",
			ID:     orphaned.RecordID,
		})

	default:
		// Generic internal error.
		errorCode := time.Now().Unix()
		log.Errorf("%v %v error code %v: %v", via(r), op, errorCode,
			err)
		util.RespondWithJSON(w, http.StatusInternalServerError,
			v1.ErrorReply{
				Result: v1.ResultInternal,
				Error: fmt.Sprintf("Could not process request, "+
					"contact administrator and provide the "+
					"following error code: %v", errorCode),
				ErrorCode: errorCode,
			})
	}
}

// respondMalformed replies to a request body that could not be decoded.
func respondMalformed(w http.ResponseWriter, message string) {
	util.RespondWithJSON(w, http.StatusBadRequest, v1.ErrorReply{
		Result: v1.ResultMalformed,
		Error:  message,
	})
}

func (g *GeoAnchorStore) status(w http.ResponseWriter, r *http.Request) {
	var s v1.Status
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&s); err != nil {
		respondMalformed(w, "Invalid request payload")
		return
	}
	defer r.Body.Close()

	util.RespondWithJSON(w, http.StatusOK, v1.StatusReply{
		ID:      s.ID,
		Signer:  g.signer.Public().String(),
		Program: g.ledger.ProgramID().String(),
	})
}

func (g *GeoAnchorStore) createGeoJSON(w http.ResponseWriter, r *http.Request) {
	var c v1.CreateGeoJSON
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&c); err != nil {
		respondMalformed(w, "Invalid request payload")
		return
	}
	defer r.Body.Close()

	res, err := g.pipeline.Create(r.Context(),
		backend.RecordType(c.PDLType), c.GeoJSON)
	if err != nil {
		respondWithPipelineError(w, r, "geojson", err)
		return
	}

	reply, err := convertGeoRecord(res.Record, res.Link, res.Receipt)
	if err != nil {
		respondWithPipelineError(w, r, "geojson", err)
		return
	}
	switch res.Outcome {
	case pipeline.OutcomeExisting:
		reply.Result = v1.ResultExistsError
	default:
		reply.Result = v1.ResultOK
	}

	log.Infof("GeoJSON %v: %v %v %v %v", via(r), res.Outcome,
		time.Unix(res.Record.CreatedAt, 0).UTC().Format(fStr),
		reply.ID, reply.PDL)

	util.RespondWithJSON(w, http.StatusOK, reply)
}

func (g *GeoAnchorStore) createEvent(w http.ResponseWriter, r *http.Request) {
	var c v1.CreateEvent
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&c); err != nil {
		respondMalformed(w, "Invalid request payload")
		return
	}
	defer r.Body.Close()

	if !v1.RegexpAddress.MatchString(c.PDL) {
		respondMalformed(w, "Invalid pdl")
		return
	}

	e, err := g.events.Create(r.Context(), c.PDL, c.Event)
	switch {
	case errors.Is(err, events.ErrMalformedEvent):
		log.Infof("%v event malformed: %v", via(r), err)
		respondMalformed(w, err.Error())
		return
	case errors.Is(err, events.ErrUnknownPDL):
		log.Infof("%v event: %v", via(r), err)
		util.RespondWithJSON(w, http.StatusNotFound, v1.ErrorReply{
			Result: v1.ResultDoesntExistError,
			Error:  err.Error(),
		})
		return
	case err != nil:
		respondWithPipelineError(w, r, "event", err)
		return
	}

	log.Infof("Event %v: %v %v", via(r), e.ID, e.AnchorAddress)

	util.RespondWithJSON(w, http.StatusOK, v1.EventReply{
		Result:    v1.ResultOK,
		ID:        e.ID,
		PDL:       e.AnchorAddress,
		Event:     json.RawMessage(e.Event),
		CreatedAt: e.CreatedAt,
	})
}

// recoveryLogger sends recovered handler panics to the daemon log.
type recoveryLogger struct{}

func (recoveryLogger) Println(v ...interface{}) {
	log.Errorf("Recovered: %v", fmt.Sprint(v...))
}

// handler returns the router wrapped in the access log and panic
// recovery.
func (g *GeoAnchorStore) handler() http.Handler {
	h := handlers.CombinedLoggingHandler(logWriter{}, g.router)
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{}),
		handlers.PrintRecoveryStack(true))(h)
}

// newGeoAnchorStore wires the pipeline, event service, reconciler and
// routes around an opened store, ledger and signer.
func newGeoAnchorStore(cfg *config, store backend.Store, l ledger.Ledger, signer *ledger.Signer) (*GeoAnchorStore, error) {
	g := &GeoAnchorStore{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		store:    store,
		ledger:   l,
		signer:   signer,
	}
	g.registry.MustRegister(collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	g.pipeline = pipeline.New(store, l, signer, pipeline.Config{
		LinkAttempts:   cfg.LinkAttempts,
		LinkRetryDelay: cfg.LinkRetryDelay,
		LinkTimeout:    cfg.LinkTimeout,
	}, pipeline.NewMetrics(g.registry))
	g.events = events.New(store)

	var err error
	g.reconciler, err = pipeline.NewReconciler(g.pipeline,
		cfg.ReconcileSchedule, pipeline.ReconcileOptions{
			Grace: cfg.ReconcileGrace,
			Fix:   !cfg.ReconcileDryRun,
			File:  cfg.ReconcileJournal,
		})
	if err != nil {
		return nil, err
	}

	// Setup mux
	g.router = mux.NewRouter()
	g.router.HandleFunc(v1.StatusRoute, g.status).Methods("POST")
	g.router.HandleFunc(v1.GeoJSONRoute, g.createGeoJSON).Methods("POST")
	g.router.HandleFunc(v1.EventsRoute, g.createEvent).Methods("POST")
	g.router.Handle(v1.MetricsRoute, promhttp.HandlerFor(g.registry,
		promhttp.HandlerOpts{})).Methods("GET")
	g.router.NotFoundHandler = http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			util.RespondWithError(w, http.StatusNotFound,
				"Not found")
		})

	return g, nil
}

// openStore opens the configured document store.
func openStore(ctx context.Context, cfg *config) (backend.Store, error) {
	switch cfg.Store {
	case storeMemory:
		log.Warnf("Using the in-memory store, records are not persisted")
		return testpostgres.New(), nil
	case storePostgres:
		return postgres.New(ctx, cfg.PostgresUser, cfg.PostgresHost,
			cfg.PostgresDB, cfg.PostgresRootCert, cfg.PostgresCert,
			cfg.PostgresKey)
	}
	return nil, fmt.Errorf("invalid store %q", cfg.Store)
}

// openLedger opens the configured ledger.
func openLedger(cfg *config) (ledger.Ledger, error) {
	programID, err := ledger.ParseAddress(cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	switch cfg.Ledger {
	case ledgerLocal:
		return localledger.New(cfg.DataDir, programID)
	case ledgerSolana:
		return solana.New(cfg.LedgerRPC, programID,
			cfg.ConfirmTimeout), nil
	}
	return nil, fmt.Errorf("invalid ledger %q", cfg.Ledger)
}

// loadSigner returns the configured signer.  A local ledger without a
// keypair file gets a new keypair written to it.
func loadSigner(cfg *config) (*ledger.Signer, error) {
	if cfg.SignerKey != "" {
		return ledger.ParseSigner([]byte(cfg.SignerKey))
	}
	if util.FileExists(cfg.SignerKeyFile) || cfg.Ledger != ledgerLocal {
		return ledger.LoadSigner(cfg.SignerKeyFile)
	}

	log.Infof("Generating signer keypair...")

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	signer, err := ledger.NewSigner(seed)
	if err != nil {
		return nil, err
	}
	b, err := signer.MarshalJSON()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(cfg.SignerKeyFile, b, 0600); err != nil {
		return nil, fmt.Errorf("unable to write signer keypair: %v",
			err)
	}

	log.Infof("Signer keypair created: %v", cfg.SignerKeyFile)

	return signer, nil
}

func _main() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("Could not load configuration file: %v", err)
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version : %v", version())
	log.Infof("Ledger  : %v", loadedCfg.Ledger)
	log.Infof("Store   : %v", loadedCfg.Store)
	log.Infof("Home dir: %v", loadedCfg.HomeDir)

	// Create the data directory in case it does not exist.
	err = os.MkdirAll(loadedCfg.DataDir, 0700)
	if err != nil {
		return err
	}

	// Generate the TLS cert and key file if both don't already
	// exist.
	if !util.FileExists(loadedCfg.HTTPSKey) &&
		!util.FileExists(loadedCfg.HTTPSCert) {
		log.Infof("Generating HTTPS keypair...")

		err := util.GenCertPair("geoanchord", loadedCfg.HTTPSCert,
			loadedCfg.HTTPSKey)
		if err != nil {
			return fmt.Errorf("unable to create https keypair: %v",
				err)
		}

		log.Infof("HTTPS keypair created...")
	}
	if err := util.LoadCertPair(loadedCfg.HTTPSCert,
		loadedCfg.HTTPSKey); err != nil {
		return fmt.Errorf("invalid https keypair: %v", err)
	}

	ctx := context.Background()

	// Setup backends.
	signer, err := loadSigner(loadedCfg)
	if err != nil {
		return fmt.Errorf("unable to load signer: %v", err)
	}
	store, err := openStore(ctx, loadedCfg)
	if err != nil {
		return err
	}
	defer store.Close()
	l, err := openLedger(loadedCfg)
	if err != nil {
		return err
	}
	defer l.Close()

	log.Infof("Signer  : %v", signer.Public())
	log.Infof("Program : %v", l.ProgramID())

	g, err := newGeoAnchorStore(loadedCfg, store, l, signer)
	if err != nil {
		return err
	}

	// Settle whatever a previous run left behind, then keep doing so.
	if _, err := g.reconciler.Run(ctx); err != nil {
		log.Errorf("Startup reconcile: %v", err)
	}
	g.reconciler.Start()
	defer g.reconciler.Stop()

	// Bind to a port and pass our router in
	listenC := make(chan error)
	for _, listener := range loadedCfg.Listeners {
		listen := listener
		go func() {
			log.Infof("Listen: %v", listen)
			listenC <- http.ListenAndServeTLS(listen,
				loadedCfg.HTTPSCert, loadedCfg.HTTPSKey,
				g.handler())
		}()
	}

	// Tell user we are ready to go.
	log.Infof("Start of day")

	// Setup OS signals
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case sig := <-sigs:
			log.Infof("Terminating with %v", sig)
			goto done
		case err := <-listenC:
			log.Errorf("%v", err)
			goto done
		}
	}
done:
	log.Infof("Exiting")

	return nil
}

func main() {
	err := _main()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
