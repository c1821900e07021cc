// Package handlers implements the REST API endpoint handlers for the DNS
// server's operator surface: health and runtime statistics only. Everything
// that used to be dynamic config CRUD lives in the YAML/viper config layer
// now, loaded once at startup.
package handlers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/brackendns/clientd/internal/api/models"
	"github.com/brackendns/clientd/internal/config"
	"github.com/brackendns/clientd/internal/filtering"
)

// ClientStatsFunc reports the live state of the client subsystem.
type ClientStatsFunc func() models.ClientStatsResponse

// DNSStatsFunc reports accumulated DNS query statistics.
type DNSStatsFunc func() models.DNSStatsResponse

// Handler contains dependencies for API handlers.
type Handler struct {
	cfg       *config.Config
	logger    *slog.Logger
	startTime time.Time

	mu              sync.RWMutex
	policyEngine    *filtering.PolicyEngine
	dnsStatsFunc    DNSStatsFunc
	clientStatsFunc ClientStatsFunc
}

// New creates a new Handler with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}
}

// SetPolicyEngine sets the filtering policy engine for runtime access.
func (h *Handler) SetPolicyEngine(pe *filtering.PolicyEngine) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.policyEngine = pe
}

// GetPolicyEngine returns the currently registered filtering policy engine,
// or nil if none has been set.
func (h *Handler) GetPolicyEngine() *filtering.PolicyEngine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.policyEngine
}

// SetDNSStatsFunc registers the callback used to report DNS query stats.
func (h *Handler) SetDNSStatsFunc(fn DNSStatsFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dnsStatsFunc = fn
}

// GetDNSStatsFunc returns the registered DNS stats callback, or nil.
func (h *Handler) GetDNSStatsFunc() DNSStatsFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dnsStatsFunc
}

// SetClientStatsFunc registers the callback used to report client manager stats.
func (h *Handler) SetClientStatsFunc(fn ClientStatsFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clientStatsFunc = fn
}

// GetClientStatsFunc returns the registered client stats callback, or nil.
func (h *Handler) GetClientStatsFunc() ClientStatsFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clientStatsFunc
}
