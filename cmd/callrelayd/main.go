package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/terminalchat/callcore/internal/config"
	"github.com/terminalchat/callcore/internal/relay"
	"github.com/terminalchat/callcore/internal/util"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "", "Path to config file (default <dir>/callcore.json)")
	logLevel = flag.String("loglevel", "info", "Log level: debug, info, warn, error")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var logger = logging.Logger("callrelayd")

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callrelayd v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if err := logging.SetLogLevel("callrelayd", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	dir := "."
	if args := flag.Args(); len(args) > 0 {
		dir = args[0]
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		logger.Fatalf("invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		logger.Fatalf("directory does not exist: %s", absDir)
	}

	cfgPath := *cfgFlag
	if cfgPath == "" {
		cfgPath = filepath.Join(absDir, "callcore.json")
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if created {
		logger.Infof("created default config at %s", cfgPath)
	}

	rc := cfg.Relay
	if rc.JWTSecret == "" {
		logger.Fatal("relay.jwt_secret is required")
	}

	store, err := relay.OpenStore(util.ResolvePath(absDir, rc.DataDir))
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	hub := relay.NewHub(store)
	go hub.Run()
	defer hub.Stop()

	var turn *relay.TURNServer
	if rc.TURNPort > 0 {
		turn, err = relay.StartTURN(rc.TURNPort, rc.TURNRealm, rc.TURNPublicIP, rc.TURNUsername, rc.TURNPassword)
		if err != nil {
			logger.Fatalf("start TURN: %v", err)
		}
		defer turn.Close()
		logger.Infof("TURN listening on udp/%d (%s)", rc.TURNPort, turn.URL())
	}

	srv := &http.Server{
		Addr:    rc.HTTPAddr,
		Handler: relay.NewServer(hub, store, []byte(rc.JWTSecret), turn).Routes(),
	}

	// Expired pairing codes pile up unless someone sweeps them.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if err := store.PurgeExpired(); err != nil {
					logger.Warnf("purge expired codes: %v", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	logger.Infof("relay listening on http://%s", rc.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("relay failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callrelayd - signaling relay and pairing server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callrelayd [directory]")
	fmt.Println()
	fmt.Println("  Runs the relay from the given directory (default: current). The")
	fmt.Println("  directory holds callcore.json and the pairing database.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>    Explicit config file path")
	fmt.Println("  -loglevel <lvl>   debug, info, warn or error (default info)")
	fmt.Println("  -version          Show version")
	fmt.Println("  -h                Show this help message")
}
