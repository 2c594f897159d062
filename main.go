package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"

	"github.com/queryproxy/queryproxy/admin"
	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/engine"
	"github.com/queryproxy/queryproxy/jobs"
	"github.com/queryproxy/queryproxy/server"
)

func main() {
	shutdownLogging := initLogging()
	defer shutdownLogging()

	if len(os.Args) > 1 && os.Args[1] == "user" {
		if err := runUserCommand(os.Args[2:]); err != nil {
			slog.Error("User command failed.", "error", err)
			os.Exit(1)
		}
		return
	}

	configFile := flag.String("config", env("QUERYPROXY_CONFIG", ""), "Path to YAML config file (env: QUERYPROXY_CONFIG)")
	host := flag.String("host", "", "Host to bind the proxy to (env: QUERYPROXY_HOST)")
	port := flag.Int("port", 0, "Port the proxy listens on (env: QUERYPROXY_PORT)")
	adminAddr := flag.String("admin-addr", "", "Admin HTTP bind address (env: QUERYPROXY_ADMIN_ADDR)")
	adminDB := flag.String("admin-db", "", "Admin database URL (env: QUERYPROXY_ADMIN_DB)")
	certFile := flag.String("cert", "", "TLS certificate file (env: QUERYPROXY_CERT)")
	keyFile := flag.String("key", "", "TLS private key file (env: QUERYPROXY_KEY)")
	pidFile := flag.String("pid-file", "", "PID file for zero-downtime upgrades (SIGHUP)")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "QueryProxy - PostgreSQL wire protocol proxy with a federated query engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: queryproxy [options]\n")
		fmt.Fprintf(os.Stderr, "       queryproxy user create -username u -password p -tenant t [-admin]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	var fileCfg *FileConfig
	if *configFile != "" {
		loaded, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("Failed to load config file.", "path", *configFile, "error", err)
			os.Exit(1)
		}
		fileCfg = loaded
		slog.Info("Loaded configuration.", "path", *configFile)
	}

	cli := configCLIInputs{
		Set:       map[string]bool{},
		Host:      *host,
		Port:      *port,
		AdminAddr: *adminAddr,
		AdminDB:   *adminDB,
		CertFile:  *certFile,
		KeyFile:   *keyFile,
	}
	flag.Visit(func(f *flag.Flag) { cli.Set[f.Name] = true })

	cfg := resolveEffectiveConfig(fileCfg, cli, os.Getenv, func(msg string) {
		slog.Warn(msg)
	})

	if err := serve(cfg, *pidFile); err != nil {
		slog.Error("Server error.", "error", err)
		os.Exit(1)
	}
}

// parseOrGenerateEncryptionKey reads QUERYPROXY_ENCRYPTION_KEY (64 hex
// chars). When unset a random key is generated with a loud warning:
// encrypted datasource secrets will be unreadable after a restart.
func parseOrGenerateEncryptionKey() [32]byte {
	var key [32]byte
	hexKey := os.Getenv("QUERYPROXY_ENCRYPTION_KEY")
	if hexKey == "" {
		slog.Warn("QUERYPROXY_ENCRYPTION_KEY not set, using a random key. " +
			"Encrypted datasource secrets will be unreadable after restart.")
		if _, err := rand.Read(key[:]); err != nil {
			slog.Error("Failed to generate encryption key.", "error", err)
			os.Exit(1)
		}
		return key
	}

	decoded, err := hex.DecodeString(hexKey)
	if err != nil || len(decoded) != 32 {
		slog.Error("QUERYPROXY_ENCRYPTION_KEY must be 64 hex chars (32 bytes).")
		os.Exit(1)
	}
	copy(key[:], decoded)
	return key
}

func serve(cfg resolvedConfig, pidFile string) error {
	masterKey := parseOrGenerateEncryptionKey()

	store, err := catalog.Open(cfg.AdminDB, masterKey)
	if err != nil {
		return err
	}

	if cfg.InitialPassword != "" {
		if err := store.EnsureAdmin(context.Background(), cfg.InitialUser, cfg.InitialPassword, cfg.InitialTenant); err != nil {
			return fmt.Errorf("seed admin: %w", err)
		}
	}

	if cfg.Admin.JWTSecret == "" {
		slog.Warn("No JWT secret configured, using a random secret. " +
			"Admin tokens will be invalidated on every restart.")
		var buf [32]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Admin.JWTSecret = hex.EncodeToString(buf[:])
	}

	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		if err := server.EnsureCertificates(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile); err != nil {
			return fmt.Errorf("ensure TLS certificates: %w", err)
		}
	}

	cache := engine.NewCache(store)
	jobStore := jobs.NewJobStore()
	runner := jobs.NewRunner(store, cache, jobStore)

	srv, err := server.New(cfg.Server, store, cache)
	if err != nil {
		return err
	}

	// tableflip hands the listeners over to a re-exec'd binary on SIGHUP,
	// so restarts do not drop live client connections.
	upg, err := tableflip.New(tableflip.Options{PIDFile: pidFile})
	if err != nil {
		return fmt.Errorf("init upgrader: %w", err)
	}
	defer upg.Stop()

	proxyLn, err := upg.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen proxy: %w", err)
	}
	adminLn, err := upg.Listen("tcp", cfg.AdminAddr)
	if err != nil {
		return fmt.Errorf("listen admin: %w", err)
	}

	adminSrv := &http.Server{Handler: admin.Router(cfg.Admin, store, runner)}
	go func() {
		slog.Info("Admin API online", "addr", cfg.AdminAddr)
		if err := adminSrv.Serve(adminLn); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin server failed.", "error", err)
		}
	}()

	go func() {
		if err := srv.Serve(proxyLn); err != nil {
			slog.Error("Proxy server failed.", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				slog.Info("Upgrade requested.")
				if err := upg.Upgrade(); err != nil {
					slog.Warn("Upgrade failed.", "error", err)
				}
			default:
				slog.Info("Shutting down.")
				upg.Stop()
				return
			}
		}
	}()

	if err := upg.Ready(); err != nil {
		return fmt.Errorf("upgrader ready: %w", err)
	}
	<-upg.Exit()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	srv.Close()
	return nil
}

func runUserCommand(args []string) error {
	if len(args) == 0 || args[0] != "create" {
		return fmt.Errorf("usage: queryproxy user create -username u -password p -tenant t [-admin]")
	}

	fs := flag.NewFlagSet("user create", flag.ExitOnError)
	username := fs.String("username", "", "Username")
	password := fs.String("password", "", "Password")
	tenant := fs.String("tenant", "", "Tenant the user's queries are scoped to")
	isAdmin := fs.Bool("admin", false, "Grant management-plane access")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if *username == "" || *password == "" || *tenant == "" {
		return fmt.Errorf("username, password, and tenant are required")
	}

	store, err := catalog.Open(env("QUERYPROXY_ADMIN_DB", defaultConfig().AdminDB), parseOrGenerateEncryptionKey())
	if err != nil {
		return err
	}

	user, err := store.CreateUser(context.Background(), *username, *password, *tenant, *isAdmin)
	if err != nil {
		return err
	}
	slog.Info("Created user", "username", user.Username, "tenant", user.Tenant, "is_admin", user.IsAdmin)
	return nil
}
