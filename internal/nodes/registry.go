// Package nodes tracks the configured storage nodes: their last known
// health, probe latencies and capacity, and the random placement sampling
// the coordinator uses.
package nodes

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chunkvault/chunkvault/internal/cache"
	"github.com/chunkvault/chunkvault/internal/node"
)

type nodeState struct {
	healthy   bool
	latency   time.Duration
	stats     node.StorageStats
	lastProbe time.Time
}

// Registry holds the configured node set. Nodes count as healthy until the
// first probe says otherwise.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	states map[string]*nodeState

	client  *node.Client
	timeout time.Duration
	log     *logrus.Logger
}

// NewRegistry builds a registry over the configured base URLs.
func NewRegistry(baseURLs []string, client *node.Client, probeTimeout time.Duration, log *logrus.Logger) *Registry {
	states := make(map[string]*nodeState, len(baseURLs))
	order := make([]string, 0, len(baseURLs))
	for _, u := range baseURLs {
		if _, dup := states[u]; dup {
			continue
		}
		states[u] = &nodeState{healthy: true}
		order = append(order, u)
	}
	return &Registry{
		order:   order,
		states:  states,
		client:  client,
		timeout: probeTimeout,
		log:     log,
	}
}

// Healthy returns the base URLs of nodes that passed (or have not yet seen)
// a probe, in configuration order.
func (r *Registry) Healthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	healthy := make([]string, 0, len(r.order))
	for _, u := range r.order {
		if r.states[u].healthy {
			healthy = append(healthy, u)
		}
	}
	return healthy
}

// Sample returns a uniformly random sample without replacement of up to k
// healthy nodes.
func (r *Registry) Sample(k int) []string {
	healthy := r.Healthy()
	if k > len(healthy) {
		k = len(healthy)
	}
	rand.Shuffle(len(healthy), func(i, j int) {
		healthy[i], healthy[j] = healthy[j], healthy[i]
	})
	return healthy[:k]
}

// MarkStatus force-sets one node's health, used when a request-path call
// observes a node down before the next probe.
func (r *Registry) MarkStatus(baseURL string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[baseURL]; ok {
		st.healthy = healthy
	}
}

// ProbeAll issues a health GET to every node with the probe timeout and
// returns the aggregate snapshot. Registry state is updated in place.
func (r *Registry) ProbeAll(ctx context.Context) cache.NodesHealth {
	r.mu.RLock()
	urls := make([]string, len(r.order))
	copy(urls, r.order)
	r.mu.RUnlock()

	snapshot := cache.NodesHealth{TakenAt: time.Now().UTC()}
	results := make([]cache.NodeHealth, len(urls))

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func(i int, baseURL string) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			health, err := r.client.Health(probeCtx, baseURL)
			latency := time.Since(start)

			entry := cache.NodeHealth{
				NodeID:    baseURL,
				LatencyMS: latency.Milliseconds(),
				CheckedAt: time.Now().UTC(),
			}
			var stats node.StorageStats
			if err != nil {
				r.log.WithError(err).WithField("node", baseURL).Warn("health probe failed")
			} else {
				entry.Healthy = true
				entry.TotalSize = health.Storage.TotalSize
				entry.ChunkCount = health.Storage.ChunkCount
				entry.AvailableSpace = health.Storage.AvailableSpace
				stats = health.Storage
			}
			results[i] = entry

			r.mu.Lock()
			if st, ok := r.states[baseURL]; ok {
				st.healthy = entry.Healthy
				st.latency = latency
				st.stats = stats
				st.lastProbe = entry.CheckedAt
			}
			r.mu.Unlock()
		}(i, u)
	}
	wg.Wait()

	snapshot.Nodes = results
	return snapshot
}

// Len returns the number of configured nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
