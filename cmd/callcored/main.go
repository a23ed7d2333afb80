package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/terminalchat/callcore/internal/app"
	"github.com/terminalchat/callcore/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	cfgFlag  = flag.String("config", "", "Path to config file (default <dir>/callcore.json)")
	logLevel = flag.String("loglevel", "info", "Log level: debug, info, warn, error")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var logger = logging.Logger("callcored")

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcored v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	if err := logging.SetLogLevel("callcored", *logLevel); err != nil {
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

	app.Banner(os.Stdout, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{CfgPath: cfgPath, Cfg: cfg}); err != nil {
		logger.Fatalf("daemon failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callcored - call session daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcored [directory]")
	fmt.Println()
	fmt.Println("  Runs the call daemon from the given directory (default: current).")
	fmt.Println("  The directory holds callcore.json; a default one is created on")
	fmt.Println("  first run.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config <path>    Explicit config file path")
	fmt.Println("  -loglevel <lvl>   debug, info, warn or error (default info)")
	fmt.Println("  -version          Show version")
	fmt.Println("  -h                Show this help message")
}
