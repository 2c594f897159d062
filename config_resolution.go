package main

import (
	"strconv"
	"time"

	"github.com/queryproxy/queryproxy/admin"
	"github.com/queryproxy/queryproxy/server"
)

// resolvedConfig is the effective configuration after merging defaults,
// file, environment, and CLI flags (highest priority last).
type resolvedConfig struct {
	Server server.Config
	Admin  admin.Config

	AdminAddr string
	AdminDB   string

	InitialUser     string
	InitialPassword string
	InitialTenant   string
}

type configCLIInputs struct {
	Set map[string]bool

	Host      string
	Port      int
	AdminAddr string
	AdminDB   string
	CertFile  string
	KeyFile   string
}

func defaultConfig() resolvedConfig {
	return resolvedConfig{
		Server: server.Config{
			Host: "0.0.0.0",
			Port: 5432,
		},
		AdminAddr:     "127.0.0.1:8080",
		AdminDB:       "postgres://localhost/queryproxy_admin",
		InitialUser:   "admin",
		InitialTenant: "default",
	}
}

// resolveEffectiveConfig merges the configuration sources. Pure so it can
// be exercised in tests: env lookup and warnings are injected.
func resolveEffectiveConfig(fileCfg *FileConfig, cli configCLIInputs, getenv func(string) string, warn func(string)) resolvedConfig {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	if warn == nil {
		warn = func(string) {}
	}
	if cli.Set == nil {
		cli.Set = map[string]bool{}
	}

	cfg := defaultConfig()

	if fileCfg != nil {
		if fileCfg.Host != "" {
			cfg.Server.Host = fileCfg.Host
		}
		if fileCfg.Port != 0 {
			cfg.Server.Port = fileCfg.Port
		}
		if fileCfg.AdminAddr != "" {
			cfg.AdminAddr = fileCfg.AdminAddr
		}
		if fileCfg.AdminDB != "" {
			cfg.AdminDB = fileCfg.AdminDB
		}
		if fileCfg.TLS.Cert != "" {
			cfg.Server.TLSCertFile = fileCfg.TLS.Cert
		}
		if fileCfg.TLS.Key != "" {
			cfg.Server.TLSKeyFile = fileCfg.TLS.Key
		}

		if fileCfg.Admin.JWTSecret != "" {
			cfg.Admin.JWTSecret = fileCfg.Admin.JWTSecret
		}
		if fileCfg.Admin.InitialUser != "" {
			cfg.InitialUser = fileCfg.Admin.InitialUser
		}
		if fileCfg.Admin.InitialPassword != "" {
			cfg.InitialPassword = fileCfg.Admin.InitialPassword
		}
		if fileCfg.Admin.InitialTenant != "" {
			cfg.InitialTenant = fileCfg.Admin.InitialTenant
		}
		if len(fileCfg.Admin.AllowedOrigins) > 0 {
			cfg.Admin.AllowedOrigins = fileCfg.Admin.AllowedOrigins
		}

		if fileCfg.RateLimit.MaxFailedAttempts > 0 {
			cfg.Server.RateLimit.MaxFailedAttempts = fileCfg.RateLimit.MaxFailedAttempts
		}
		if fileCfg.RateLimit.MaxConnectionsPerIP > 0 {
			cfg.Server.RateLimit.MaxConnectionsPerIP = fileCfg.RateLimit.MaxConnectionsPerIP
		}
		if fileCfg.RateLimit.FailedAttemptWindow != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.FailedAttemptWindow); err == nil {
				cfg.Server.RateLimit.FailedAttemptWindow = d
			} else {
				warn("Invalid failed_attempt_window duration: " + err.Error())
			}
		}
		if fileCfg.RateLimit.BanDuration != "" {
			if d, err := time.ParseDuration(fileCfg.RateLimit.BanDuration); err == nil {
				cfg.Server.RateLimit.BanDuration = d
			} else {
				warn("Invalid ban_duration duration: " + err.Error())
			}
		}
	}

	if v := getenv("QUERYPROXY_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := getenv("QUERYPROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		} else {
			warn("Invalid QUERYPROXY_PORT: " + err.Error())
		}
	}
	if v := getenv("QUERYPROXY_ADMIN_ADDR"); v != "" {
		cfg.AdminAddr = v
	}
	if v := getenv("QUERYPROXY_ADMIN_DB"); v != "" {
		cfg.AdminDB = v
	}
	if v := getenv("QUERYPROXY_CERT"); v != "" {
		cfg.Server.TLSCertFile = v
	}
	if v := getenv("QUERYPROXY_KEY"); v != "" {
		cfg.Server.TLSKeyFile = v
	}
	if v := getenv("QUERYPROXY_JWT_SECRET"); v != "" {
		cfg.Admin.JWTSecret = v
	}
	if v := getenv("QUERYPROXY_ADMIN_USER"); v != "" {
		cfg.InitialUser = v
	}
	if v := getenv("QUERYPROXY_ADMIN_PASSWORD"); v != "" {
		cfg.InitialPassword = v
	}
	if v := getenv("QUERYPROXY_ADMIN_TENANT"); v != "" {
		cfg.InitialTenant = v
	}

	if cli.Set["host"] {
		cfg.Server.Host = cli.Host
	}
	if cli.Set["port"] {
		cfg.Server.Port = cli.Port
	}
	if cli.Set["admin-addr"] {
		cfg.AdminAddr = cli.AdminAddr
	}
	if cli.Set["admin-db"] {
		cfg.AdminDB = cli.AdminDB
	}
	if cli.Set["cert"] {
		cfg.Server.TLSCertFile = cli.CertFile
	}
	if cli.Set["key"] {
		cfg.Server.TLSKeyFile = cli.KeyFile
	}

	return cfg
}
