// Package view implements the server's ViewRegistry: the class-keyed set of
// configured views a client consults to turn a question into an answer.
//
// A view is deliberately thin - it pairs a resolver with an optional content
// filter, and the registry's only job is picking the right one for an
// incoming question's class. Everything about how a question actually gets
// answered lives in the resolvers package; everything about which records
// exist lives in the zone and resolvers packages this view wraps.
package view

import (
	"context"
	"sync"

	"github.com/brackendns/clientd/internal/dns"
	"github.com/brackendns/clientd/internal/filtering"
	"github.com/brackendns/clientd/internal/resolvers"
)

// View answers queries for one record class. Most deployments need exactly
// one (IN), but the registry supports several - e.g. a CH view answering
// "version.bind" style diagnostic queries alongside the IN view.
type View struct {
	Name    string
	Class   dns.RecordClass
	Allow   []string // CIDR blocks for this view; not checked by MatchClass or clients, so any source may query
	Policy  *filtering.PolicyEngine
	Resolve resolvers.Resolver
}

// Blocked reports whether qname is blocked by this view's policy engine.
// A view with no policy engine never blocks.
func (v *View) Blocked(qname string) bool {
	if v.Policy == nil {
		return false
	}
	return v.Policy.Evaluate(qname).Action == filtering.ActionBlock
}

// Answer is the narrow Resolver-like method a View exposes for answering
// a parsed request, deferring entirely to the wrapped resolvers.Resolver.
func (v *View) Answer(ctx context.Context, req dns.Packet, reqBytes []byte) (resolvers.Result, error) {
	return v.Resolve.Resolve(ctx, req, reqBytes)
}

// Registry is the read-mostly, class-keyed set of configured Views. Clients
// look up a view once per request under a read lock; views are attached or
// detached rarely, e.g. on configuration reload, under a write lock.
type Registry struct {
	mu    sync.RWMutex
	views []*View
}

// NewRegistry creates a Registry containing the given views, in priority
// order (first match by class wins).
func NewRegistry(views ...*View) *Registry {
	r := &Registry{}
	r.views = append(r.views, views...)
	return r
}

// Attach adds v to the registry. If the registry already matches v's class
// earlier than where v would land, v is still appended - callers that care
// about priority order should rebuild the registry with NewRegistry instead
// of relying on Attach ordering.
func (r *Registry) Attach(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

// Detach removes v from the registry, if present.
func (r *Registry) Detach(v *View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, cand := range r.views {
		if cand == v {
			r.views = append(r.views[:i], r.views[i+1:]...)
			return
		}
	}
}

// MatchClass returns the first configured view whose Class equals qclass,
// or nil if none is configured for that class. This is the lookup a client
// performs once per accepted request, under a read lock, before dispatching
// to a RequestHandler.
func (r *Registry) MatchClass(qclass uint16) *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.views {
		if uint16(v.Class) == qclass {
			return v
		}
	}
	return nil
}

// ForEachUnder calls fn for every view currently configured. fn must not
// call back into the Registry (Attach/Detach) while iterating.
func (r *Registry) ForEachUnder(fn func(*View)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.views {
		fn(v)
	}
}

// Len reports how many views are currently configured.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}
