// Package peers implements the peer ledger spec.md §4.7/§4.8 describes:
// weighted selection and health/latency tracking for trusted gateways
// and AR.IO peers, for two roles — "data" (serving contiguous data) and
// "chunks" (serving/accepting chunks) — plus periodic DNS refresh for
// preferred chunk nodes.
//
// Grounded on the teacher's uploader.go worker-pool-plus-retry shape
// (github.com/panjf2000/ants/v2 is in go.mod for this reason) for the
// "spread work across many destinations, track per-destination health"
// pattern, generalized from
// "retry my own uploads" into "pick which external peer serves this
// read/write." Weighted sampling itself has no library anywhere in the
// pack, so it's hand-rolled over math/rand, in the same spirit as
// internal/filter's hand-rolled AST.
package peers

import (
	"context"
	"math"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// Role distinguishes the two peer populations spec.md §4.7 names.
type Role int

const (
	RoleData Role = iota
	RoleChunks
)

// Peer is one entry in the ledger.
type Peer struct {
	URL         string
	IsPreferred bool

	mu           sync.Mutex
	weight       float64
	lastHealthy  time.Time
	failureEWMA  float64
	latencyEWMA  time.Duration
	queueDepth   int
}

const (
	minWeight = 0.01
	maxWeight = 1.0
	// preferredBoost is the fixed weight added to a preferred peer in every
	// draw of weighted sampling. It raises a preferred peer's chance of
	// being drawn; it does not guarantee that one is drawn first.
	preferredBoost = 0.5
	// ewmaAlpha weights the most recent sample in the failure/latency EWMA.
	ewmaAlpha = 0.2
	// errorDamp multiplies weight down on failure ("exponential dampening
	// on error"); recoverStep adds back linearly on success ("additive
	// recovery on success"), per spec.md §4.2.3.
	errorDamp   = 0.5
	recoverStep = 0.05
)

func newPeer(url string, preferred bool) *Peer {
	return &Peer{URL: url, IsPreferred: preferred, weight: maxWeight}
}

// Weight returns the peer's current selection weight, clamped to
// [minWeight, maxWeight].
func (p *Peer) Weight() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight
}

// RecordSuccess applies additive recovery to the peer's weight and
// updates its health/latency EWMAs.
func (p *Peer) RecordSuccess(now time.Time, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weight = math.Min(maxWeight, p.weight+recoverStep)
	p.lastHealthy = now
	p.failureEWMA = (1-ewmaAlpha)*p.failureEWMA + ewmaAlpha*0
	if p.latencyEWMA == 0 {
		p.latencyEWMA = latency
	} else {
		p.latencyEWMA = time.Duration((1-ewmaAlpha)*float64(p.latencyEWMA) + ewmaAlpha*float64(latency))
	}
}

// RecordFailure applies exponential dampening to the peer's weight and
// updates its failure EWMA.
func (p *Peer) RecordFailure(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.weight = math.Max(minWeight, p.weight*errorDamp)
	p.failureEWMA = (1-ewmaAlpha)*p.failureEWMA + ewmaAlpha*1
}

// QueueDepth returns the peer's current broadcast queue depth.
func (p *Peer) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queueDepth
}

// SetQueueDepth records the peer's current broadcast queue depth, used by
// the chunk broadcaster to skip peers above their configured cap.
func (p *Peer) SetQueueDepth(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueDepth = n
}

// Ledger holds the peer population for one role and implements weighted
// selection, with weights cached for GATEWAY_PEERS_WEIGHTS_CACHE_DURATION_MS.
type Ledger struct {
	role Role

	mu    sync.RWMutex
	peers []*Peer
	byURL map[string]*Peer

	weightsCacheTTL time.Duration
	cachedAt        time.Time
	cachedWeights   []float64
}

// New builds a Ledger for the given role with the given urls (non-
// preferred) and preferred (preferred) peer URL sets.
func New(role Role, urls, preferred []string, weightsCacheTTL time.Duration) *Ledger {
	l := &Ledger{role: role, byURL: make(map[string]*Peer), weightsCacheTTL: weightsCacheTTL}
	seen := make(map[string]struct{})
	for _, u := range preferred {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		p := newPeer(u, true)
		l.peers = append(l.peers, p)
		l.byURL[u] = p
	}
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		p := newPeer(u, false)
		l.peers = append(l.peers, p)
		l.byURL[u] = p
	}
	return l
}

// Peer returns the ledger entry for a url, if known.
func (l *Ledger) Peer(url string) (*Peer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byURL[url]
	return p, ok
}

// All returns every peer in the ledger, preferred first.
func (l *Ledger) All() []*Peer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Peer, len(l.peers))
	copy(out, l.peers)
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsPreferred && !out[j].IsPreferred })
	return out
}

// SelectForRead draws up to k peers via weighted random sampling without
// replacement for an on-demand data/chunk read, with preferred peers'
// weights raised by preferredBoost. When the ledger holds k peers or
// fewer, all of them are returned, preferred first.
func (l *Ledger) SelectForRead(k int) []*Peer {
	all := l.All()
	if len(all) <= k {
		return all
	}

	weights := l.weightsSnapshot(all, time.Now())
	return weightedSampleWithoutReplacement(all, weights, k)
}

// weightsSnapshot returns each peer's current selection weight (with the
// preferred boost applied), recomputing only once per
// GATEWAY_PEERS_WEIGHTS_CACHE_DURATION_MS (spec.md §4.7).
func (l *Ledger) weightsSnapshot(all []*Peer, now time.Time) []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cachedWeights != nil && len(l.cachedWeights) == len(all) && now.Sub(l.cachedAt) < l.weightsCacheTTL {
		return l.cachedWeights
	}
	weights := make([]float64, len(all))
	for i, p := range all {
		w := p.Weight()
		if p.IsPreferred {
			w += preferredBoost
		}
		weights[i] = w
	}
	l.cachedWeights = weights
	l.cachedAt = now
	return weights
}

func weightedSampleWithoutReplacement(peers []*Peer, weights []float64, k int) []*Peer {
	remaining := append([]*Peer(nil), peers...)
	remainingWeights := append([]float64(nil), weights...)
	out := make([]*Peer, 0, k)

	for len(out) < k && len(remaining) > 0 {
		total := 0.0
		for _, w := range remainingWeights {
			total += w
		}
		if total <= 0 {
			out = append(out, remaining[0])
			remaining = remaining[1:]
			remainingWeights = remainingWeights[1:]
			continue
		}
		r := rand.Float64() * total
		acc := 0.0
		idx := 0
		for i, w := range remainingWeights {
			acc += w
			if r <= acc {
				idx = i
				break
			}
		}
		out = append(out, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		remainingWeights = append(remainingWeights[:idx], remainingWeights[idx+1:]...)
	}
	return out
}

// SelectForBroadcast orders peers for a chunk POST broadcast: preferred
// peers first, then the rest in ledger order, skipping any peer whose
// queue depth is at or above maxQueueDepth. The order is the same on
// every call; the non-preferred peers are not rotated.
func (l *Ledger) SelectForBroadcast(maxQueueDepth int) []*Peer {
	all := l.All()
	out := make([]*Peer, 0, len(all))
	for _, p := range all {
		if p.QueueDepth() >= maxQueueDepth {
			continue
		}
		out = append(out, p)
	}
	return out
}

// DNSRefresher periodically re-resolves preferred chunk-node hostnames
// and evicts stale resolved IPs on failure, per spec.md §4.7's closing
// paragraph.
type DNSRefresher struct {
	resolver *net.Resolver
	hosts    []string

	mu        sync.RWMutex
	resolved  map[string][]net.IP
	failures  map[string]int
}

// NewDNSRefresher builds a refresher over the given preferred chunk-node
// hostnames, using net.DefaultResolver.
func NewDNSRefresher(hosts []string) *DNSRefresher {
	return &DNSRefresher{
		resolver: net.DefaultResolver,
		hosts:    hosts,
		resolved: make(map[string][]net.IP),
		failures: make(map[string]int),
	}
}

// Resolved returns the last-known IPs for host, or nil if none resolved yet.
func (d *DNSRefresher) Resolved(host string) []net.IP {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolved[host]
}

// RefreshOnce re-resolves every configured host, evicting a host's stale
// entry after 3 consecutive resolution failures.
func (d *DNSRefresher) RefreshOnce(ctx context.Context) {
	for _, host := range d.hosts {
		addrs, err := d.resolver.LookupIPAddr(ctx, host)
		d.mu.Lock()
		if err != nil {
			d.failures[host]++
			if d.failures[host] >= 3 {
				delete(d.resolved, host)
			}
			d.mu.Unlock()
			continue
		}
		d.failures[host] = 0
		ips := make([]net.IP, len(addrs))
		for i, a := range addrs {
			ips[i] = a.IP
		}
		d.resolved[host] = ips
		d.mu.Unlock()
	}
}

// Run refreshes on the given interval until ctx is cancelled, and once
// immediately on start.
func (d *DNSRefresher) Run(ctx context.Context, interval time.Duration) {
	d.RefreshOnce(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RefreshOnce(ctx)
		}
	}
}
