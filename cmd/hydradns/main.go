package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/brackendns/clientd/internal/api"
	"github.com/brackendns/clientd/internal/api/models"
	"github.com/brackendns/clientd/internal/client"
	"github.com/brackendns/clientd/internal/config"
	"github.com/brackendns/clientd/internal/database"
	"github.com/brackendns/clientd/internal/logging"
	"github.com/brackendns/clientd/internal/server"
)

const (
	// DefaultAuditDBPath is the default location for the client lifecycle audit log.
	DefaultAuditDBPath = "hydradns-audit.db"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// cliFlags holds parsed command-line flag values.
type cliFlags struct {
	configPath string
	auditDB    string
	host       string
	port       int
	workers    int
	noTCP      bool
	noAudit    bool
	jsonLogs   bool
	debug      bool
}

// parseFlags parses command-line flags and returns the values.
func parseFlags() cliFlags {
	var f cliFlags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.StringVar(&f.auditDB, "audit-db", DefaultAuditDBPath, "Path to the client audit log SQLite file")
	flag.StringVar(&f.host, "host", "", "Override DNS server bind host")
	flag.IntVar(&f.port, "port", 0, "Override DNS server bind port")
	flag.IntVar(&f.workers, "workers", -1, "Clamp GOMAXPROCS (can only reduce; -1 means default/auto)")
	flag.BoolVar(&f.noTCP, "no-tcp", false, "Disable TCP server")
	flag.BoolVar(&f.noAudit, "no-audit", false, "Disable the client lifecycle audit log")
	flag.BoolVar(&f.jsonLogs, "json-logs", false, "Enable JSON structured logging")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.Parse()
	return f
}

// applyCLIOverrides applies command-line overrides to the config.
func applyCLIOverrides(cfg *config.Config, f cliFlags) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.workers >= 0 {
		cfg.Server.Workers.Mode = config.WorkersFixed
		cfg.Server.Workers.Value = f.workers
	}
	if f.noTCP {
		cfg.Server.EnableTCP = false
	}
	if f.jsonLogs {
		cfg.Logging.Structured = true
		cfg.Logging.StructuredFormat = "json"
	}
	if f.debug {
		cfg.Logging.Level = "DEBUG"
	}
}

func run() error {
	flags := parseFlags()

	cfg, err := config.Load(config.ResolveConfigPath(flags.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyCLIOverrides(cfg, flags)

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("clientd starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", cfg.Server.Workers.String(),
		"tcp", cfg.Server.EnableTCP,
	)

	runner := server.NewRunner(logger)

	if !flags.noAudit {
		auditDB, err := database.Open(flags.auditDB)
		if err != nil {
			return fmt.Errorf("failed to open audit database: %w", err)
		}
		defer auditDB.Close()
		runner.Audit = database.NewAuditLog(auditDB)
	}

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger)
		apiSrv.Handler().SetDNSStatsFunc(func() models.DNSStatsResponse {
			s := runner.Stats.Snapshot()
			return models.DNSStatsResponse{
				QueriesTotal: s.QueriesTotal,
				QueriesUDP:   s.QueriesUDP,
				QueriesTCP:   s.QueriesTCP,
				ResponsesNX:  s.ResponsesNX,
				ResponsesErr: s.ResponsesErr,
				AvgLatencyMs: s.AvgLatencyMs,
			}
		})

		go func() {
			logger.Info("operator API listening", "addr", apiSrv.Addr())
			if serveErr := apiSrv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Error("operator API server error", "err", serveErr)
			}
		}()
	}

	runner.OnReady = func(m *client.Manager) {
		if apiSrv == nil {
			return
		}
		apiSrv.Handler().SetClientStatsFunc(func() models.ClientStatsResponse {
			return models.ClientStatsResponse{Live: m.NClients(), Exiting: m.Exiting()}
		})
		if pe := runner.Policy(); pe != nil {
			apiSrv.Handler().SetPolicyEngine(pe)
		}
	}

	runErr := runner.Run(cfg)

	if apiSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		cancel()
		logger.Info("operator API stopped")
	}

	if runErr != nil {
		return fmt.Errorf("server exited with error: %w", runErr)
	}
	return nil
}
