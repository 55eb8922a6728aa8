package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aman-shahid/cheddarproxy/internal/api"
	"github.com/aman-shahid/cheddarproxy/internal/breakpoint"
	"github.com/aman-shahid/cheddarproxy/internal/ca"
	"github.com/aman-shahid/cheddarproxy/internal/config"
	"github.com/aman-shahid/cheddarproxy/internal/proxy"
	"github.com/aman-shahid/cheddarproxy/internal/sink"
	"github.com/aman-shahid/cheddarproxy/internal/store"
	"github.com/aman-shahid/cheddarproxy/internal/upstream"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "token":
			handleTokenCommand(os.Args[2:])
			return
		case "setup":
			handleSetupCommand(os.Args[2:])
			return
		case "run":
			handleRunCommand(os.Args[2:])
			return
		}
	}

	configPath := flag.String("config", "", "Path to config file")
	listenAddr := flag.String("listen", "", "Proxy listen address (overrides config)")
	apiAddr := flag.String("api", "localhost:9091", "API server listen address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	showCA := flag.Bool("show-ca", false, "Show CA certificate path and exit")
	showHelp := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *showHelp {
		printHelp()
		os.Exit(0)
	}
	if *showVersion {
		fmt.Printf("cheddarproxy %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logLevel := parseLogLevel(os.Getenv("CHEDDARPROXY_LOG"))
	if *debugMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	actualConfigPath := *configPath
	if actualConfigPath == "" {
		var pathErr error
		actualConfigPath, pathErr = config.DefaultConfigPath()
		if pathErr != nil {
			printError("Failed to determine config path", pathErr, configLoadFix(""))
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		printError("Failed to load configuration", err, configLoadFix(*configPath))
	}

	if *listenAddr != "" {
		cfg.Proxy.Listen = *listenAddr
	}

	if err := os.MkdirAll(cfg.Persistence.StoragePath, 0700); err != nil {
		printError("Failed to create storage directory", err, caPermissionFix(cfg.Persistence.StoragePath))
	}

	rootCA, err := ca.LoadOrCreateCA(cfg.Persistence.StoragePath)
	if err != nil {
		if isPermissionError(err) {
			printError("Failed to load/create CA certificate", err, caPermissionFix(cfg.Persistence.StoragePath))
		} else if isCorruptCert(err) {
			printError("CA certificate is corrupted", err, caCorruptFix(cfg.Persistence.StoragePath))
		} else {
			printError("Failed to load/create CA certificate", err, caCorruptFix(cfg.Persistence.StoragePath))
		}
	}
	caPath := filepath.Join(cfg.Persistence.StoragePath, ca.CertFileName)
	logger.Info("CA loaded", "path", caPath)

	if *showCA {
		fmt.Printf("CA certificate: %s\n", caPath)
		fmt.Println("\nTo trust this CA, run: cheddarproxy setup")
		os.Exit(0)
	}

	certCache := ca.NewCertCache(rootCA, cfg.Persistence.CertCacheMax)
	bpEngine := breakpoint.NewEngine()
	seedBreakpointRules(bpEngine, cfg.Breakpoints.Rules)

	dbPath := cfg.Persistence.TrafficDBPath()
	durable, err := store.NewSQLiteDurable(dbPath)
	if err != nil {
		if isDBLocked(err) {
			printError("Database is locked", err, dbLockedFix(dbPath))
		} else if isPermissionError(err) {
			printError("Cannot access database", err, dbPathFix(dbPath))
		} else {
			printError("Failed to open database", err, dbPathFix(dbPath))
		}
	}
	defer durable.Close()
	logger.Info("database opened", "path", dbPath)

	dataStore := store.New(cfg.Persistence.RingSize, durable, logger)
	trafficSink := sink.New(sink.DefaultBroadcastQueueSize)
	connector := upstream.NewConnector()

	mitmProxy, err := proxy.New(proxy.Deps{
		Logger:      logger,
		CA:          rootCA,
		CertCache:   certCache,
		Breakpoints: bpEngine,
		Connector:   connector,
		Store:       dataStore,
		Sink:        trafficSink,
	}, proxy.Config{
		EnableHTTPS:    cfg.Proxy.EnableHTTPS,
		EnableH2:       cfg.Proxy.EnableH2,
		MaxPortProbes:  cfg.Proxy.MaxPortProbes,
		IdleTimeout:    time.Duration(cfg.Capture.IdleTimeoutSec) * time.Second,
		BodyCaptureMax: cfg.Capture.BodyCaptureMax,
		RequestBodyMax: int64(cfg.Capture.RequestBodyMax),
		WSPayloadMax:   cfg.Capture.WSPayloadMax,
		HeadMaxBytes:   cfg.Capture.HeadMaxBytes,
	})
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	actualProxyAddr, err := mitmProxy.Start(cfg.Proxy.ListenAddr())
	if err != nil {
		printError("Failed to bind proxy server", err, portInUseFix(cfg.Proxy.ListenAddr(), cfg.Proxy.MaxPortProbes))
	}
	logger.Info("proxy server bound", "addr", actualProxyAddr)

	apiServer := api.NewServer(cfg, dataStore, bpEngine, trafficSink, mitmProxy, rootCA, logger,
		api.WithConfigPath(actualConfigPath),
		api.WithOnReload(func(newToken string) {
			logger.Info("token reloaded", "token_length", len(newToken))
		}),
	)

	apiListener, actualAPIAddr, err := listenWithFallback(*apiAddr, 10)
	if err != nil {
		printError("Failed to bind API server", err, portInUseFix(*apiAddr, 10))
	}
	logger.Info("API server bound", "addr", actualAPIAddr)

	apiSrv := &http.Server{Addr: actualAPIAddr, Handler: apiServer.Handler()}

	stateStore, err := NewFileStateStore()
	if err == nil {
		_ = stateStore.Write(ServerState{
			ProxyAddr: actualProxyAddr,
			APIAddr:   actualAPIAddr,
			CAPath:    caPath,
			PID:       os.Getpid(),
			StartedAt: time.Now(),
		})
		defer stateStore.Delete()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	go func() {
		logger.Info("API server starting", "addr", actualAPIAddr)
		if err := apiSrv.Serve(apiListener); err != nil && err != http.ErrServerClosed {
			logger.Error("API server error", "error", err)
		}
	}()

	logger.Info("starting cheddarproxy", "proxy", actualProxyAddr, "api", actualAPIAddr)

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Proxy:     http://%s\n", actualProxyAddr)
	fmt.Fprintf(os.Stderr, "  API:       http://%s\n", actualAPIAddr)
	fmt.Fprintf(os.Stderr, "  CA:        %s\n", caPath)
	fmt.Fprintf(os.Stderr, "  DB:        %s\n", dbPath)
	fmt.Fprintf(os.Stderr, "  Token:     %s\n", cfg.Auth.Token)
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprint(os.Stderr, formatEnvVars(actualProxyAddr, caPath, runtime.GOOS))

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mitmProxy.Stop(shutdownCtx); err != nil {
		logger.Error("proxy shutdown error", "error", err)
	}
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	logger.Info("cheddarproxy shutdown complete")
}

// seedBreakpointRules installs the breakpoint rules configured at startup
// (spec §6 list_breakpoint_rules/add_breakpoint_rule; config-driven seeding
// is an ambient convenience the API's add_breakpoint_rule also exercises).
func seedBreakpointRules(engine *breakpoint.Engine, rules []config.BreakpointRuleConfig) {
	for _, r := range rules {
		engine.AddRule(&breakpoint.Rule{
			Enabled:      r.Enabled,
			Method:       r.Method,
			HostContains: r.HostContains,
			PathContains: r.PathContains,
		})
	}
}

// parseLogLevel maps the RUST_LOG-equivalent env var to an slog.Level
// (spec §6; "trace" has no slog equivalent and maps to Debug).
func parseLogLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// listenWithFallback attempts to listen on the given address, falling back to
// subsequent ports if the port is already in use. It tries up to maxAttempts ports.
func listenWithFallback(baseAddr string, maxAttempts int) (net.Listener, string, error) {
	host, portStr, err := net.SplitHostPort(baseAddr)
	if err != nil {
		ln, err := net.Listen("tcp", baseAddr)
		if err != nil {
			return nil, "", err
		}
		return ln, baseAddr, nil
	}

	basePort, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		port := basePort + i
		addr := net.JoinHostPort(host, strconv.Itoa(port))

		ln, err := net.Listen("tcp", addr)
		if err == nil {
			if i > 0 {
				slog.Info("port fallback", "requested", baseAddr, "actual", addr)
			}
			return ln, addr, nil
		}

		if isAddrInUse(err) {
			lastErr = err
			continue
		}
		return nil, "", err
	}

	return nil, "", fmt.Errorf("all %d ports starting from %s are in use: %w", maxAttempts, baseAddr, lastErr)
}

// isAddrInUse checks if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

// printHelp prints usage information.
func printHelp() {
	fmt.Printf(`Cheddarproxy - intercepting HTTP/HTTPS MITM proxy

Cheddarproxy terminates TLS using a locally generated Root CA, forges
per-host leaf certificates, and forwards HTTP/1.1, HTTP/2, and WebSocket
traffic while capturing every request/response as a queryable transaction.

USAGE:
    cheddarproxy [OPTIONS]
    cheddarproxy <command> [options]

COMMANDS:
    setup             Install CA certificate to system trust store
    run <command>     Run a command with the proxy environment configured
    token show        Show the current auth token
    token rotate      Generate a new auth token

OPTIONS:
    -config <path>    Path to configuration file
    -listen <addr>    Proxy listen address (default: from config or localhost:9090)
    -api <addr>       API server listen address (default: localhost:9091)
    -debug            Enable debug logging
    -version          Show version information
    -show-ca          Show CA certificate path and trust instructions
    -help             Show this help message

EXAMPLES:
    cheddarproxy                     Start with default config
    cheddarproxy setup               Install CA certificate (first-time setup)
    cheddarproxy run curl https://example.com
    cheddarproxy -listen :8080       Start proxy on port 8080
    cheddarproxy -config ./my.yaml   Use custom config file
    cheddarproxy token show          Show current auth token
    cheddarproxy token rotate        Generate and save a new auth token

CONFIGURATION:
    Config file locations (in order of precedence):
    - Path specified with -config
    - %%APPDATA%%\cheddarproxy\config.yaml (Windows)
    - ~/.config/cheddarproxy/config.yaml (Unix)

    Environment variables can override config:
    - CHEDDARPROXY_LISTEN         Proxy listen address
    - CHEDDARPROXY_STORAGE_PATH   CA/traffic storage root
    - CHEDDARPROXY_AUTH_TOKEN     API authentication token
    - CHEDDARPROXY_LOG            Log level (trace|debug|info|warn|error)
`)
}

// handleTokenCommand handles the "token" subcommand.
func handleTokenCommand(args []string) {
	tokenFlags := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := tokenFlags.String("config", "", "Path to config file")
	apiAddr := tokenFlags.String("api", "localhost:9091", "API server address for reload")

	if len(args) == 0 {
		printTokenHelp()
		os.Exit(1)
	}

	subcommand := args[0]
	_ = tokenFlags.Parse(args[1:])

	switch subcommand {
	case "show":
		tokenShow(*configPath)
	case "rotate":
		tokenRotate(*configPath, *apiAddr)
	case "help", "-help", "--help":
		printTokenHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", subcommand)
		printTokenHelp()
		os.Exit(1)
	}
}

func tokenShow(configPath string) {
	cfg, cfgPath, err := loadConfigForToken(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config:  %s\n", cfgPath)
	fmt.Printf("Token:   %s\n", cfg.Auth.Token)
}

func tokenRotate(configPath string, apiAddr string) {
	cfg, cfgPath, err := loadConfigForToken(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	oldToken := cfg.Auth.Token

	newToken, err := config.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}
	cfg.Auth.Token = newToken

	if err := cfg.Save(cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config:     %s\n", cfgPath)
	fmt.Printf("Old token:  %s\n", oldToken)
	fmt.Printf("New token:  %s\n", newToken)
	fmt.Println()

	if reloadRunningServer(apiAddr, oldToken) {
		fmt.Println("Running server notified - new token is active immediately")
	} else {
		fmt.Println("Note: restart cheddarproxy for the new token to take effect")
		fmt.Println("      (or the server is not running on " + apiAddr + ")")
	}
}

func loadConfigForToken(configPath string) (*config.Config, string, error) {
	var cfgPath string
	var err error
	if configPath != "" {
		cfgPath = configPath
	} else {
		cfgPath, err = config.DefaultConfigPath()
		if err != nil {
			return nil, "", fmt.Errorf("getting default config path: %w", err)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, cfgPath, nil
}

func reloadRunningServer(apiAddr, oldToken string) bool {
	url := fmt.Sprintf("http://%s/api/admin/reload", apiAddr)

	req, err := http.NewRequest("POST", url, bytes.NewReader(nil))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+oldToken)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		return true
	}
	if resp.StatusCode != http.StatusNotFound {
		fmt.Fprintf(os.Stderr, "Reload request failed: %d - %s\n", resp.StatusCode, string(body))
	}
	return false
}

func printTokenHelp() {
	fmt.Printf(`Usage: cheddarproxy token <command> [options]

Commands:
    show        Show the current auth token
    rotate      Generate a new auth token and save to config

Options:
    -config <path>    Path to configuration file
    -api <addr>       API server address for reload notification (default: localhost:9091)

Examples:
    cheddarproxy token show
    cheddarproxy token rotate
    cheddarproxy token rotate -api localhost:8080
`)
}

// handleSetupCommand handles the "setup" subcommand for CA installation.
func handleSetupCommand(args []string) {
	setupFlags := flag.NewFlagSet("setup", flag.ExitOnError)
	showHelp := setupFlags.Bool("help", false, "Show help")
	_ = setupFlags.Parse(args)

	if *showHelp {
		printSetupHelp()
		os.Exit(0)
	}

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCA, err := ca.LoadOrCreateCA(cfg.Persistence.StoragePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading/creating CA: %v\n", err)
		os.Exit(1)
	}
	_ = rootCA

	caPath := filepath.Join(cfg.Persistence.StoragePath, ca.CertFileName)

	fmt.Println("Cheddarproxy Setup - CA Certificate Installation")
	fmt.Println("=================================================")
	fmt.Println()
	fmt.Printf("CA certificate: %s\n", caPath)
	fmt.Println()

	switch detectOS() {
	case "darwin":
		installMacOS(caPath)
	case "linux":
		installLinux(caPath)
	case "windows":
		installWindows(caPath)
	default:
		fmt.Println("Unknown platform - showing manual instructions")
		printManualInstructions(caPath)
	}
}

// detectOS returns a best-effort platform guess by probing known
// trust-store locations, the same capability-detection idiom the
// platform adapter interface (spec §9) would use in a full build.
func detectOS() string {
	switch {
	case fileExists("/Library/Keychains/System.keychain"):
		return "darwin"
	case fileExists("/usr/local/share/ca-certificates"):
		return "linux"
	case fileExists(`C:\Windows\System32`):
		return "windows"
	default:
		return "unknown"
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func installMacOS(caPath string) {
	fmt.Println("macOS detected")
	fmt.Println()

	cmd := exec.Command("sudo", "security", "add-trusted-cert", "-d", "-r", "trustRoot",
		"-k", "/Library/Keychains/System.keychain", caPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	fmt.Println("Running: sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain " + caPath)
	fmt.Println()

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to install CA: %v\n", err)
		fmt.Println("\nYou can run the command manually or use the manual instructions below:")
		fmt.Println()
		printManualInstructions(caPath)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("CA certificate installed successfully.")
	printPostInstall()
}

func installLinux(caPath string) {
	fmt.Println("Linux detected")
	fmt.Println()

	destPath := "/usr/local/share/ca-certificates/cheddarproxy.crt"

	fmt.Printf("Running: sudo cp %s %s\n", caPath, destPath)
	cpCmd := exec.Command("sudo", "cp", caPath, destPath)
	cpCmd.Stdout = os.Stdout
	cpCmd.Stderr = os.Stderr
	cpCmd.Stdin = os.Stdin

	if err := cpCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to copy CA: %v\n", err)
		fmt.Println("\nYou can run the commands manually:")
		printManualInstructions(caPath)
		os.Exit(1)
	}

	fmt.Println("Running: sudo update-ca-certificates")
	updateCmd := exec.Command("sudo", "update-ca-certificates")
	updateCmd.Stdout = os.Stdout
	updateCmd.Stderr = os.Stderr
	updateCmd.Stdin = os.Stdin

	if err := updateCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to update CA certificates: %v\n", err)
		fmt.Println("\nYou can run the command manually:")
		fmt.Println("  sudo update-ca-certificates")
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("CA certificate installed successfully.")
	printPostInstall()
}

func installWindows(caPath string) {
	fmt.Println("Windows detected")
	fmt.Println()

	fmt.Println("Installing CA certificate to Windows trust store...")
	fmt.Printf("Running: certutil -addstore -f \"ROOT\" %s\n", caPath)
	fmt.Println()

	cmd := exec.Command("certutil", "-addstore", "-f", "ROOT", caPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "\nFailed to install CA: %v\n", err)
		fmt.Println("\nYou may need to run this command as Administrator:")
		fmt.Printf("  certutil -addstore -f \"ROOT\" %s\n", caPath)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("CA certificate installed successfully.")
	printPostInstall()
}

func printManualInstructions(caPath string) {
	fmt.Println("Manual CA Installation Instructions")
	fmt.Println("-----------------------------------")
	fmt.Println()
	fmt.Println("macOS:")
	fmt.Printf("  sudo security add-trusted-cert -d -r trustRoot -k /Library/Keychains/System.keychain %s\n", caPath)
	fmt.Println()
	fmt.Println("Linux (Debian/Ubuntu):")
	fmt.Printf("  sudo cp %s /usr/local/share/ca-certificates/cheddarproxy.crt\n", caPath)
	fmt.Println("  sudo update-ca-certificates")
	fmt.Println()
	fmt.Println("Linux (RHEL/Fedora):")
	fmt.Printf("  sudo cp %s /etc/pki/ca-trust/source/anchors/cheddarproxy.crt\n", caPath)
	fmt.Println("  sudo update-ca-trust")
	fmt.Println()
	fmt.Println("Windows (run as Administrator):")
	fmt.Printf("  certutil -addstore -f \"ROOT\" %s\n", caPath)
	fmt.Println()
	fmt.Println("Firefox (all platforms):")
	fmt.Println("  1. Settings -> Privacy & Security -> Certificates -> View Certificates")
	fmt.Println("  2. Authorities tab -> Import")
	fmt.Printf("  3. Select: %s\n", caPath)
	fmt.Println("  4. Check 'Trust this CA to identify websites' -> OK")
}

func printPostInstall() {
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Configure your HTTP client to use the proxy:")
	fmt.Println("     export HTTPS_PROXY=http://localhost:9090")
	fmt.Println("     export HTTP_PROXY=http://localhost:9090")
	fmt.Println()
	fmt.Println("  2. Start cheddarproxy:")
	fmt.Println("     cheddarproxy")
	fmt.Println()
	fmt.Println("Firefox uses its own certificate store; see the manual instructions")
	fmt.Println("above for Firefox-specific steps.")
}

func printSetupHelp() {
	fmt.Printf(`Usage: cheddarproxy setup [options]

Installs the Cheddarproxy Root CA certificate to your system's trust store,
allowing Cheddarproxy to intercept HTTPS traffic.

Options:
    --help         Show this help message

The setup wizard will:
  1. Create or load the CA certificate
  2. Detect your operating system
  3. Attempt to install the CA automatically (may require sudo/admin)
  4. Provide manual instructions if automatic installation fails

Examples:
    cheddarproxy setup              Auto-detect and install CA
`)
}
