/*
Package main
File: main.go
Description: Server entry point. Loads the solar system catalog, opens the
store, wires the backend, the reconciliation gateway and the session
registry, and runs the accrual heartbeat that keeps passive income flowing.
*/

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/cosmicvoyage/star-economy/internal/api"
	"github.com/cosmicvoyage/star-economy/internal/backend"
	"github.com/cosmicvoyage/star-economy/internal/chain"
	"github.com/cosmicvoyage/star-economy/internal/game"
	"github.com/cosmicvoyage/star-economy/internal/journal"
	"github.com/cosmicvoyage/star-economy/internal/reconcile"
	"github.com/cosmicvoyage/star-economy/internal/store"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("CONFIG: ignoring %s=%q: %v", key, v, err)
		return def
	}
	return d
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func main() {
	var (
		addr            = flag.String("addr", envOr("STAR_ADDR", ":8081"), "http listen address")
		catalogPath     = flag.String("catalog", envOr("STAR_CATALOG", "catalog.yaml"), "path to catalog.yaml")
		dbPath          = flag.String("db", envOr("STAR_DB", "./data/star.db"), "sqlite database path")
		journalDir      = flag.String("journal", envOr("STAR_JOURNAL_DIR", "./data/journal"), "event journal directory (empty to disable)")
		backendURL      = flag.String("backend", envOr("STAR_BACKEND_URL", ""), "remote backend base URL (empty: serve the backend in-process)")
		accrualInterval = flag.Duration("accrual_interval", envDuration("STAR_ACCRUAL_INTERVAL", time.Minute), "accrual heartbeat period")
		outboxInterval  = flag.Duration("outbox_interval", envDuration("STAR_OUTBOX_INTERVAL", 2*time.Second), "outbox drain period")
		snapshotEvery   = flag.Duration("snapshot_interval", 5*time.Minute, "session snapshot period")
		chainLatency    = flag.Duration("chain_latency", 0, "simulated chain latency")
	)
	flag.Parse()

	// 1. Static universe
	catalog, err := game.LoadCatalog(*catalogPath)
	if err != nil {
		log.Fatalf("Catalog Fail: %v", err)
	}
	log.Printf("Catalog loaded: %d bodies, %d utilities, %d set bonuses",
		len(catalog.Bodies()), len(catalog.Utilities()), len(catalog.SetBonuses()))

	// 2. Storage, chain and the authoritative backend
	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("Store Fail: %v", err)
	}
	sim := chain.NewSimulator(*chainLatency)
	service := backend.NewService(db, catalog, sim)

	var be reconcile.Backend = service
	if *backendURL != "" {
		be = reconcile.NewHTTPBackend(*backendURL, 5*time.Second)
		log.Printf("Backend: remote %s", *backendURL)
	}

	// 3. Sessions and reconciliation. The gateway routes outcomes through
	// the registry, so the registry gets its full deps once both exist.
	registry := game.NewRegistry(catalog, game.Deps{Clock: nowUTC}, db)
	gateway := reconcile.NewGateway(be, db.Outbox(), func(wallet string) (reconcile.Target, bool) {
		l, ok := registry.Get(wallet)
		if !ok {
			return nil, false
		}
		return l, true
	}, reconcile.Config{Interval: *outboxInterval})

	hub := api.NewHub()
	sinks := game.Sinks{hub}
	var events *journal.Writer
	if *journalDir != "" {
		events = journal.NewWriter(*journalDir)
		sinks = append(sinks, events)
	}
	registry.SetDeps(game.Deps{Clock: nowUTC, Dispatcher: gateway, Transferer: gateway, Events: sinks})

	service.OnReferral = func(r backend.ReferralReceipt) {
		if l, ok := registry.Get(r.Referrer); ok {
			l.ApplyReferral(r.ReferralCount, r.BonusEarned, r.Bonus)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	go gateway.Run(ctx)

	// 4. THE ACCRUAL HEARTBEAT
	// Settles passive income for every live session and snapshots them.
	go func() {
		ticker := time.NewTicker(*accrualInterval)
		defer ticker.Stop()
		snapshots := time.NewTicker(*snapshotEvery)
		defer snapshots.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rep := registry.Tick(nowUTC())
				if rep.Settled > 0 {
					hub.Pulse(rep)
					log.Printf("Accrual Pulse: %d/%d sessions earned %s STAR", rep.Settled, rep.Sessions, rep.Accrued)
				}
			case <-snapshots.C:
				if err := registry.SnapshotAll(); err != nil {
					log.Printf("SNAPSHOT: %v", err)
				}
			}
		}
	}()

	// 5. SIGHUP forces an outbox drain without waiting for the next tick
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGHUP)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
			}
			log.Println("SIGNAL: Draining outbox...")
			rep, err := gateway.Flush(ctx)
			if err != nil {
				log.Printf("SIGNAL: drain failed: %v", err)
				continue
			}
			pending, _ := db.Outbox().Pending()
			log.Printf("SIGNAL: accepted=%d rejected=%d deferred=%d pending=%d",
				rep.Accepted, rep.Rejected, rep.Deferred, pending)
		}
	}()

	// 6. Router
	server := api.NewServer(api.Config{
		Registry:  registry,
		Backend:   service,
		Chain:     sim,
		Hub:       hub,
		RateLimit: rate.Limit(10),
		Burst:     20,
	})
	httpServer := &http.Server{Addr: *addr, Handler: server.Handler()}

	go func() {
		log.Printf("STAR ECONOMY Server live on %s", *addr)
		log.Printf("Real-time Hub: Online")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// 7. Shutdown: stop taking requests, then persist every session
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("SIGNAL: Shutting down...")

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}
	cancel()
	if err := registry.SnapshotAll(); err != nil {
		log.Printf("SNAPSHOT: %v", err)
	}
	if events != nil {
		if err := events.Close(); err != nil {
			log.Printf("JOURNAL: close: %v", err)
		}
	}
	if err := db.Close(); err != nil {
		log.Printf("Store close: %v", err)
	}
}
