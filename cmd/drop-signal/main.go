// Drop signaling server.
//
// Introduces drop users to each other over WebSocket, relays their SDP and
// ICE candidates, and records how far each transfer got so that either side
// can resume it later. Optionally mints relay (TURN) credentials and
// advertises itself on the LAN over mDNS.
//
//	drop-signal [-addr :8787] [-data dir] [-relay-secret s -relay-uris turn:host:3478] [-advertise]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/drop/internal/bookkeeping"
	"github.com/1ureka/drop/internal/discovery"
	"github.com/1ureka/drop/internal/relay"
	"github.com/1ureka/drop/internal/signaling"
	"github.com/1ureka/drop/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := flag.String("addr", ":8787", "Listen address")
	dataDir := flag.String("data", "", "Directory holding the transfer database (default ./data)")
	dbPath := flag.String("db", "", "Explicit database file, overrides -data")
	relaySecret := flag.String("relay-secret", os.Getenv("DROP_RELAY_SECRET"), "Shared secret of the TURN server (enables /relay-credentials)")
	relayURIs := flag.String("relay-uris", "", "Comma separated TURN URIs handed to clients")
	relayTTL := flag.Duration("relay-ttl", 24*time.Hour, "Lifetime of issued relay credentials")
	retention := flag.Duration("retention", 7*24*time.Hour, "How long finished transfer records are kept")
	advertise := flag.Bool("advertise", false, "Advertise the server on the local network via mDNS")
	name := flag.String("name", "", "mDNS instance name (default hostname)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Drop signaling server — v%s", version))
	pterm.Println()

	if err := run(ctx, serverOptions{
		addr:        *addr,
		dataDir:     *dataDir,
		dbPath:      *dbPath,
		relaySecret: *relaySecret,
		relayURIs:   splitList(*relayURIs),
		relayTTL:    *relayTTL,
		retention:   *retention,
		advertise:   *advertise,
		name:        *name,
	}); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("bye")
}

type serverOptions struct {
	addr        string
	dataDir     string
	dbPath      string
	relaySecret string
	relayURIs   []string
	relayTTL    time.Duration
	retention   time.Duration
	advertise   bool
	name        string
}

func run(ctx context.Context, opts serverOptions) error {
	store, path, err := openStore(opts)
	if err != nil {
		return err
	}
	defer store.Close()
	util.LogInfo("transfer records in %s", path)

	var relayHandler http.Handler
	if opts.relaySecret != "" {
		if len(opts.relayURIs) == 0 {
			return errors.New("-relay-secret needs at least one -relay-uris entry")
		}
		relayHandler = &relay.Issuer{
			Secret: []byte(opts.relaySecret),
			URIs:   opts.relayURIs,
			TTL:    opts.relayTTL,
		}
		util.LogInfo("issuing relay credentials for %s", strings.Join(opts.relayURIs, ", "))
	}

	server := signaling.NewServer(signaling.NewHub(store), relayHandler)
	port, err := server.Start(opts.addr)
	if err != nil {
		return err
	}
	defer server.Close()
	util.LogSuccess("listening on port %d (ws path /ws)", port)

	if opts.advertise {
		instance := opts.name
		if instance == "" {
			instance, _ = os.Hostname()
		}
		adv, err := discovery.Advertise(discovery.Config{Instance: instance, Port: port})
		if err != nil {
			util.LogWarning("mDNS advertisement disabled: %v", err)
		} else {
			defer adv.Stop()
			util.LogInfo("advertising %q as %s", instance, discovery.DefaultService)
		}
	}

	go pruneLoop(ctx, store, opts.retention)

	<-ctx.Done()
	util.LogInfo("shutting down...")
	return nil
}

func openStore(opts serverOptions) (*bookkeeping.Store, string, error) {
	if opts.dbPath != "" {
		store, err := bookkeeping.OpenPath(opts.dbPath)
		return store, opts.dbPath, err
	}
	dir := opts.dataDir
	if dir == "" {
		dir = "data"
	}
	return bookkeeping.Open(dir)
}

// pruneLoop drops finished transfer records older than retention once an
// hour until ctx ends.
func pruneLoop(ctx context.Context, store *bookkeeping.Store, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := store.Prune(time.Now().Add(-retention))
		switch {
		case err != nil:
			util.LogWarning("prune transfer records: %v", err)
		case n > 0:
			util.LogDebug("pruned %d finished transfer records", n)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
