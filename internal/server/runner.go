// Package server wires the client subsystem - reactor sockets, the view
// registry, and per-opcode RequestHandlers - into a running process, the way
// runner.go always has: read config, build the resolver chain, start
// listening, and shut down in order on a signal.
package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/brackendns/clientd/internal/client"
	"github.com/brackendns/clientd/internal/config"
	"github.com/brackendns/clientd/internal/database"
	"github.com/brackendns/clientd/internal/dns"
	"github.com/brackendns/clientd/internal/filtering"
	"github.com/brackendns/clientd/internal/handlers"
	"github.com/brackendns/clientd/internal/reactor"
	"github.com/brackendns/clientd/internal/resolvers"
	"github.com/brackendns/clientd/internal/view"
	"github.com/brackendns/clientd/internal/zone"
)

// shutdownDrainTimeout bounds how long Run waits for every live client to
// finish its in-flight request and retire after Destroy is called.
const shutdownDrainTimeout = 5 * time.Second

// Runner orchestrates the DNS server startup, configuration, and shutdown.
type Runner struct {
	logger *slog.Logger
	Stats  *DNSStats

	// Audit, if set, records every client creation and retirement. Optional:
	// a nil Audit simply means client lifecycle events are not logged.
	Audit *database.AuditLog

	// OnReady, if set, is invoked once the client manager is listening and
	// before Run blocks waiting for a shutdown signal. Lets a caller (the
	// operator API) wire manager-derived stats callbacks once the manager
	// actually exists.
	OnReady func(*client.Manager)

	policy *filtering.PolicyEngine
}

// Policy returns the filtering policy engine built for the most recent Run
// call, or nil if filtering was disabled or Run has not been called yet.
func (r *Runner) Policy() *filtering.PolicyEngine {
	return r.policy
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger, Stats: NewDNSStats()}
}

// Run starts the DNS server with the given configuration.
//
// Server lifecycle:
//  1. Configure runtime (GOMAXPROCS based on workers setting)
//  2. Load zone files and build the resolver chain (zones -> forwarding,
//     optionally wrapped in filtering)
//  3. Build the IN view and its registry
//  4. Open the UDP dispatch socket (and, if enabled, the TCP listener) and
//     hand both to a ClientManager, which creates the first generation of
//     clients
//  5. Wait for a shutdown signal
//  6. Destroy the manager and wait for every live client to retire before
//     closing the sockets
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	desiredProcs := r.configureRuntime(cfg)
	maxConc := r.calculateMaxConcurrency(cfg, desiredProcs)
	upPool := r.calculateUpstreamPoolSize(cfg, maxConc)

	zones := r.loadZones(cfg)
	resolver := r.buildResolverChain(cfg, zones, upPool)
	defer resolver.Close()

	registry := view.NewRegistry(&view.View{
		Name:    "in",
		Class:   dns.ClassIN,
		Resolve: resolver,
	})

	handlerMap := map[dns.Opcode]client.RequestHandler{
		dns.OpcodeQuery:  statsHandler{inner: handlers.QueryHandler{}, stats: r.Stats},
		dns.OpcodeUpdate: statsHandler{inner: handlers.UpdateHandler{}, stats: r.Stats},
		dns.OpcodeNotify: statsHandler{inner: handlers.NotifyHandler{}, stats: r.Stats},
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	dispatch, err := reactor.ListenDispatch(addr, dns.MaxIncomingDNSMessageSize)
	if err != nil {
		return err
	}
	defer dispatch.Close()

	var listener *reactor.Listener
	if cfg.Server.EnableTCP {
		listener, err = reactor.Listen(addr)
		if err != nil {
			return err
		}
		defer listener.Close()
	}

	manager := client.NewManager(registry, handlerMap, r.logger)
	if r.Audit != nil {
		manager.OnEvent(func(mode client.Mode, event string) {
			transport := "udp"
			if mode == client.ModeTCP {
				transport = "tcp"
			}
			if err := r.Audit.Record(context.Background(), transport, database.ClientEvent(event)); err != nil {
				r.logger.Warn("failed to record client audit event", "err", err)
			}
		})
	}

	manager.AddToDispatch(maxConc, dispatch)
	if listener != nil {
		manager.AcceptTCP(maxConc, listener)
	}

	r.logStartup(cfg, addr, maxConc, upPool)

	if r.OnReady != nil {
		r.OnReady(manager)
	}

	<-ctx.Done()
	r.logger.Info("shutdown signal received, draining clients")

	return r.drain(manager)
}

// drain destroys manager and blocks until every client it created has
// retired, or shutdownDrainTimeout elapses.
func (r *Runner) drain(manager *client.Manager) error {
	done := make(chan struct{})
	manager.OnEmpty(func() { close(done) })
	manager.Destroy()

	select {
	case <-done:
		r.logger.Info("all clients retired")
	case <-time.After(shutdownDrainTimeout):
		r.logger.Warn("shutdown drain timed out", "remaining", manager.NClients())
	}
	return nil
}

// statsHandler decorates a RequestHandler with DNSStats bookkeeping. It
// relies on Client.SetNextCallback, which runs before the client resets its
// in-flight message, so the response's rcode is still readable at the time
// stats are recorded.
type statsHandler struct {
	inner client.RequestHandler
	stats *DNSStats
}

func (h statsHandler) Handle(c *client.Client) {
	start := time.Now()
	transport := "udp"
	if c.Mode() == client.ModeTCP {
		transport = "tcp"
	}
	c.SetNextCallback(func(result client.Result) {
		h.stats.RecordQuery(transport)
		h.stats.RecordLatency(time.Since(start).Nanoseconds())
		switch {
		case result != client.ResultSuccess:
			h.stats.RecordError()
		case dns.RCodeFromFlags(c.Message().Header.Flags) == dns.RCodeNXDomain:
			h.stats.RecordNXDOMAIN()
		case dns.RCodeFromFlags(c.Message().Header.Flags) != dns.RCodeNoError:
			h.stats.RecordError()
		}
	})
	h.inner.Handle(c)
}

// configureRuntime sets GOMAXPROCS based on worker configuration.
// Workers can reduce but never increase parallelism beyond the default.
func (r *Runner) configureRuntime(cfg *config.Config) int {
	baseProcs := runtime.GOMAXPROCS(0)
	if baseProcs <= 0 {
		baseProcs = 1
	}
	desiredProcs := baseProcs

	if cfg.Server.Workers.Mode == config.WorkersFixed {
		w := cfg.Server.Workers.Value
		if w <= 0 {
			w = 1
		}
		if w < desiredProcs {
			desiredProcs = w
		}
	}

	prev := runtime.GOMAXPROCS(desiredProcs)
	actual := runtime.GOMAXPROCS(0)
	if r.logger != nil {
		r.logger.Info("runtime", "gomaxprocs", actual, "prev", prev, "base", baseProcs)
	}
	return actual
}

// calculateMaxConcurrency determines how many clients the manager creates
// per listening socket - UDP dispatch slots or TCP accept loops.
func (r *Runner) calculateMaxConcurrency(cfg *config.Config, procs int) int {
	maxConc := cfg.Server.MaxConcurrency
	if maxConc <= 0 {
		c := procs
		if c <= 0 {
			c = 1
		}
		maxConc = c * 256
		if maxConc > 2048 {
			maxConc = 2048
		}
		if maxConc < 1 {
			maxConc = 1
		}
	}
	return maxConc
}

// calculateUpstreamPoolSize determines the UDP connection pool size for upstream queries.
func (r *Runner) calculateUpstreamPoolSize(cfg *config.Config, maxConc int) int {
	upPool := cfg.Server.UpstreamSocketPoolSize
	if upPool <= 0 {
		upPool = maxConc
		if upPool < 64 {
			upPool = 64
		}
		if upPool > 1024 {
			upPool = 1024
		}
	}
	return upPool
}

// loadZones discovers and loads zone files from the configured location.
func (r *Runner) loadZones(cfg *config.Config) []*zone.Zone {
	zoneFiles := discoverZoneFiles(cfg.Zones.Directory, cfg.Zones.Files)
	zones := make([]*zone.Zone, 0, len(zoneFiles))

	for _, p := range zoneFiles {
		z, err := zone.LoadFile(p)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to load zone file", "path", p, "err", err)
			}
			continue
		}
		zones = append(zones, z)
	}

	if len(zones) > 0 && r.logger != nil {
		r.logger.Info("zones enabled", "count", len(zones), "files", zoneFiles)
	}
	return zones
}

// buildResolverChain creates the resolver chain: filtering -> zones (if any) -> custom DNS (if any) -> forwarding.
func (r *Runner) buildResolverChain(cfg *config.Config, zones []*zone.Zone, upPool int) resolvers.Resolver {
	resList := make([]resolvers.Resolver, 0, 3)

	if len(zones) > 0 {
		resList = append(resList, resolvers.NewZoneResolver(zones))
	}

	if len(cfg.CustomDNS.Hosts) > 0 || len(cfg.CustomDNS.CNAMEs) > 0 {
		custom, err := resolvers.NewCustomDNSResolver(cfg.CustomDNS.Hosts, cfg.CustomDNS.CNAMEs)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("failed to build custom DNS resolver", "err", err)
			}
		} else {
			resList = append(resList, custom)
			if r.logger != nil {
				r.logger.Info("custom DNS enabled", "hosts", len(cfg.CustomDNS.Hosts), "cnames", len(cfg.CustomDNS.CNAMEs))
			}
		}
	}

	udpTimeout := parseDurationOrDefault(cfg.Upstream.UDPTimeout, resolvers.DefaultUDPTimeout)
	tcpTimeout := parseDurationOrDefault(cfg.Upstream.TCPTimeout, resolvers.DefaultTCPTimeout)
	fwd := resolvers.NewForwardingResolver(
		cfg.Upstream.Servers, upPool, 0, cfg.Server.TCPFallback,
		udpTimeout, tcpTimeout, cfg.Upstream.MaxRetries,
	)
	resList = append(resList, fwd)

	var chain resolvers.Resolver = &resolvers.Chained{Resolvers: resList}

	if cfg.Filtering.Enabled {
		policy := r.buildFilteringPolicy(cfg)
		r.policy = policy
		chain = resolvers.NewFilteringResolver(policy, chain)
		if r.logger != nil {
			r.logger.Info("filtering enabled",
				"whitelist_count", len(cfg.Filtering.WhitelistDomains),
				"blacklist_count", len(cfg.Filtering.BlacklistDomains),
				"blocklists", len(cfg.Filtering.Blocklists),
			)
		}
	}

	return chain
}

// buildFilteringPolicy creates a PolicyEngine from the configuration.
func (r *Runner) buildFilteringPolicy(cfg *config.Config) *filtering.PolicyEngine {
	blocklists := make([]filtering.BlocklistURL, 0, len(cfg.Filtering.Blocklists))
	for _, bl := range cfg.Filtering.Blocklists {
		format := filtering.FormatAuto
		switch bl.Format {
		case "adblock":
			format = filtering.FormatAdblock
		case "hosts":
			format = filtering.FormatHosts
		case "domains":
			format = filtering.FormatDomains
		}
		blocklists = append(blocklists, filtering.BlocklistURL{
			Name:   bl.Name,
			URL:    bl.URL,
			Format: format,
		})
	}

	refreshInterval := 24 * time.Hour
	if cfg.Filtering.RefreshInterval != "" {
		if d, err := time.ParseDuration(cfg.Filtering.RefreshInterval); err == nil {
			refreshInterval = d
		}
	}

	return filtering.NewPolicyEngine(filtering.PolicyEngineConfig{
		Enabled:          cfg.Filtering.Enabled,
		BlockAction:      filtering.ActionBlock,
		LogBlocked:       cfg.Filtering.LogBlocked,
		LogAllowed:       cfg.Filtering.LogAllowed,
		WhitelistDomains: cfg.Filtering.WhitelistDomains,
		BlacklistDomains: cfg.Filtering.BlacklistDomains,
		BlocklistURLs:    blocklists,
		RefreshInterval:  refreshInterval,
	})
}

// logStartup logs server configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, maxConc, upPool int) {
	if r.logger != nil {
		r.logger.Info(
			"dns listening",
			"addr", addr,
			"udp", true,
			"tcp", cfg.Server.EnableTCP,
			"upstreams", cfg.Upstream.Servers,
			"clients_per_socket", maxConc,
			"upstream_pool", upPool,
		)
	}
}

// parseDurationOrDefault parses raw as a duration, falling back to def if
// raw is empty or unparseable.
func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// discoverZoneFiles returns zone files to load, either from explicit config
// or by scanning the zones directory.
func discoverZoneFiles(zonesDir string, explicit []string) []string {
	if len(explicit) > 0 {
		out := make([]string, 0, len(explicit))
		for _, p := range explicit {
			p = filepath.Clean(p)
			if p != "" {
				out = append(out, p)
			}
		}
		return out
	}

	if zonesDir == "" {
		zonesDir = "zones"
	}
	entries, err := os.ReadDir(zonesDir)
	if err != nil {
		return nil
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == "" {
			continue
		}
		files = append(files, filepath.Join(zonesDir, name))
	}
	sort.Strings(files)
	return files
}
