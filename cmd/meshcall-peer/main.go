// Command meshcall-peer runs one meshcall peer: it loads a peer directory's
// configuration, joins the libp2p swarm, and drives the StreamsStore engine
// until interrupted. Grounded on the teacher's CLI entrypoint
// (main.go's runCLIPeer, internal/app/run.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meshcall/meshcall/config"
	"github.com/meshcall/meshcall/debugsrv"
	"github.com/meshcall/meshcall/engine"
	"github.com/meshcall/meshcall/eventbus"
	"github.com/meshcall/meshcall/identity"
	"github.com/meshcall/meshcall/media"
	"github.com/meshcall/meshcall/meshhost"
	"github.com/meshcall/meshcall/meshnet"
	"github.com/meshcall/meshcall/roomanchor"

	"github.com/pion/webrtc/v4"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z".
var appVersion = "dev"

func main() {
	showHelp := flag.Bool("h", false, "Show help")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshcall-peer v%s\n", appVersion)
		return
	}
	if *showHelp || flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshcall-peer <peer-directory>")
		os.Exit(1)
	}

	peerDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		log.Fatalf("create peer directory: %v", err)
	}

	cfgPath := filepath.Join(peerDir, "meshcall.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("meshcall-peer: wrote default config: %s", cfgPath)
	}

	logBanner(peerDir, cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("meshcall-peer: shutting down")
		cancel()
	}()

	if err := run(ctx, peerDir, cfgPath, cfg); err != nil {
		log.Fatalf("meshcall-peer: %v", err)
	}
}

func run(ctx context.Context, peerDir, cfgPath string, cfg config.Config) error {
	keyPath := filepath.Join(peerDir, cfg.Identity.KeyFile)
	h, err := meshhost.New(ctx, keyPath, cfg.P2P.ListenPort, cfg.P2P.MdnsTag)
	if err != nil {
		return fmt.Errorf("start libp2p host: %w", err)
	}
	defer h.Close()

	transport := meshnet.New(h.Host, h.Self)
	bus := eventbus.New()
	mediaEngine := media.New(nil, bus)

	iceServers := make([]webrtc.ICEServer, 0, len(cfg.Engine.ICEServers))
	for _, url := range cfg.Engine.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	sm := engine.New(engine.Config{
		Self:               h.Self,
		AppVersion:         appVersion,
		PingInterval:       cfg.Engine.PingInterval(),
		InitRetryThreshold: cfg.Engine.InitRetryThreshold(),
		ICEServers:         iceServers,
		TrickleICE:         cfg.Engine.TrickleICE,
	}, transport, mediaEngine, bus)

	anchor, err := roomanchor.Join(ctx, h.Host, h.PS, cfg.P2P.RoomTopic, h.Self, appVersion, sm.RefreshKnownAgents)
	if err != nil {
		return fmt.Errorf("join room anchor: %w", err)
	}
	defer anchor.Close()

	blockPath := filepath.Join(peerDir, cfg.Paths.BlocklistFile)
	if saved, err := config.LoadBlocklist(blockPath); err != nil {
		log.Printf("meshcall-peer: load blocklist: %v", err)
	} else {
		for _, raw := range saved {
			sm.Block(identity.PubKey(raw))
		}
	}
	defer func() {
		blocked := sm.Registry().Blocklist()
		agents := make([]string, len(blocked))
		for i, p := range blocked {
			agents[i] = p.String()
		}
		if err := config.SaveBlocklist(blockPath, agents); err != nil {
			log.Printf("meshcall-peer: save blocklist: %v", err)
		}
	}()

	watcher, err := config.NewWatcher(cfgPath, func(newCfg config.Config) {
		iceServers := make([]webrtc.ICEServer, 0, len(newCfg.Engine.ICEServers))
		for _, url := range newCfg.Engine.ICEServers {
			iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
		}
		sm.UpdateConfig(engine.Config{
			PingInterval:       newCfg.Engine.PingInterval(),
			InitRetryThreshold: newCfg.Engine.InitRetryThreshold(),
			ICEServers:         iceServers,
			TrickleICE:         newCfg.Engine.TrickleICE,
		})
		log.Printf("meshcall-peer: config reloaded from %s", cfgPath)
	})
	if err != nil {
		log.Printf("meshcall-peer: config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	if cfg.Viewer.Debug && cfg.Viewer.HTTPAddr != "" {
		srv := debugsrv.New(sm.Registry(), bus)
		go func() {
			log.Printf("meshcall-peer: debug server listening on %s", cfg.Viewer.HTTPAddr)
			if err := serveHTTP(ctx, cfg.Viewer.HTTPAddr, srv.Handler()); err != nil {
				log.Printf("meshcall-peer: debug server: %v", err)
			}
		}()
	}

	go sm.Run(ctx)

	<-ctx.Done()
	time.Sleep(100 * time.Millisecond) // let in-flight offline signals flush
	return nil
}

// serveHTTP runs an HTTP server until ctx is cancelled, then shuts it down.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func logBanner(peerDir, cfgPath string) {
	log.Println("────────────────────────────────────────")
	log.Println("meshcall peer")
	log.Printf(" Peer folder : %s", peerDir)
	log.Printf(" Config file : %s", cfgPath)
	log.Println("────────────────────────────────────────")
}
