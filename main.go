// main.go
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

	"github.com/petervdpas/nearby/internal/app"
	"github.com/petervdpas/nearby/internal/config"
	"github.com/petervdpas/nearby/internal/metrics"
)

var log = logging.Logger("nearby")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("nearby v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch command := args[0]; command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nearby peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: nearby init <peer-directory>")
			os.Exit(1)
		}
		runCLIInit(args[1])

	case "sim":
		runCLISim(args[1:])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func peerDir(arg string) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}
	return absDir
}

func runCLIPeer(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, app.ConfigFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Wrote default config to %s\n", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIInit(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, app.ConfigFile)
	cfg, err := config.LoadPartial(cfgPath)
	if err != nil {
		cfg = config.Default()
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
}

func runCLISim(args []string) {
	fs := flag.NewFlagSet("sim", flag.ExitOnError)
	interval := fs.Duration("interval", 200*time.Millisecond, "sensor update interval")
	step := fs.Duration("step", 250*time.Millisecond, "how often the second device moves")
	maxRange := fs.Float64("range", 9, "sensor range in metres")
	metricsAddr := fs.String("metrics", "", "serve Prometheus metrics on this address")
	level := fs.String("log", "info", "log level")
	_ = fs.Parse(args)

	if err := logging.SetLogLevel("*", *level); err != nil {
		log.Fatalf("log level: %v", err)
	}

	m := metrics.New()
	s, err := app.NewSimulation(app.SimOptions{
		Interval: *interval,
		Step:     *step,
		MaxRange: *maxRange,
		Metrics:  m,
	})
	if err != nil {
		log.Fatalf("Simulation: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("metrics: %v", err)
			}
		}()
	}

	fmt.Println("Simulating two devices. Ctrl+C to stop.")
	if err := s.Run(ctx); err != nil {
		log.Fatalf("Simulation failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("nearby - peer-to-peer proximity ranging")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nearby peer <directory>   Run one device from a peer directory")
	fmt.Println("  nearby init <directory>   Create or edit a peer config interactively")
	fmt.Println("  nearby sim [flags]        Simulate two devices in one process")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  peer <directory>")
	fmt.Println("        Advertises on the local network, pairs with one nearby peer")
	fmt.Println("        and ranges against it. A default nearby.json is written if missing.")
	fmt.Println()
	fmt.Println("  sim")
	fmt.Println("        -interval  sensor update interval (default 200ms)")
	fmt.Println("        -step      movement interval (default 250ms)")
	fmt.Println("        -range     sensor range in metres (default 9)")
	fmt.Println("        -metrics   address for /metrics (default off)")
	fmt.Println("        -log       log level (default info)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  nearby peer ./peers/alice")
	fmt.Println("  nearby peer ./peers/bob")
	fmt.Println("  nearby sim -metrics 127.0.0.1:9100")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      nearby peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Display Name:   %s\n", cfg.Profile.DisplayName)
	if cfg.Bridge.HTTPAddr != "" {
		fmt.Printf("Bridge:         http://%s\n", app.NormalizeLocalAddr(cfg.Bridge.HTTPAddr))
	}
	if cfg.Policy.Enabled {
		fmt.Printf("Policy:         %s\n", cfg.Policy.Script)
	}
	fmt.Println()
}
