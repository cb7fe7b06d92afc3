// Package topology models the switch/link graph and produces the weighted
// snapshots that path computation runs on. Structural changes are applied
// atomically under a write lock; a snapshot is immutable, so an in-flight
// computation sees either the pre- or post-change graph, never a mix.
package topology

import (
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"NetSteer/internal/metrics"
	"NetSteer/internal/model"
	"NetSteer/pkg/mm1k"
)

// WeightParams turn stored link metrics into delay weights.
type WeightParams struct {
	// MeanPacketBytes converts link capacity (bit/s) into the model's
	// service rate (packets/s).
	MeanPacketBytes int
	// BaseDelay is the propagation floor used for idle and never-sampled
	// links.
	BaseDelay time.Duration
}

// Graph is the live topology. It owns no metrics; weights are pulled from
// the metric store at snapshot time so every path search sees values
// current as of the call.
type Graph struct {
	mu       sync.RWMutex
	switches map[model.DPID]struct{}
	links    map[model.LinkID]struct{}

	store  *metrics.Store
	params WeightParams
}

// New creates an empty graph backed by the given metric store.
func New(store *metrics.Store, params WeightParams) (*Graph, error) {
	// Validate the model parameterization once, up front: a broken config
	// must fail construction, not every snapshot.
	if params.MeanPacketBytes <= 0 {
		return nil, &mm1k.ModelInputError{Param: "mean packet bytes", Value: float64(params.MeanPacketBytes)}
	}
	if params.BaseDelay < 0 {
		return nil, &mm1k.ModelInputError{Param: "base delay", Value: params.BaseDelay.Seconds()}
	}
	if _, err := mm1k.Delay(0.5, serviceRate(1_000_000, params.MeanPacketBytes), 1); err != nil {
		return nil, err
	}
	return &Graph{
		switches: make(map[model.DPID]struct{}),
		links:    make(map[model.LinkID]struct{}),
		store:    store,
		params:   params,
	}, nil
}

// Apply folds one discovery notification into the graph.
func (g *Graph) Apply(ev model.TopologyChangeEvent) {
	switch ev.Kind {
	case model.TopologyAddSwitch:
		g.AddSwitch(ev.DPID)
	case model.TopologyRemoveSwitch:
		g.RemoveSwitch(ev.DPID)
	case model.TopologyAddLink:
		g.AddLink(ev.Link)
	case model.TopologyRemoveLink:
		g.RemoveLink(ev.Link)
	default:
		log.Printf("topology: ignoring unknown change kind %q", ev.Kind)
	}
}

// AddSwitch registers a switch node.
func (g *Graph) AddSwitch(dpid model.DPID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.switches[dpid] = struct{}{}
}

// RemoveSwitch drops a switch and every link touching it.
func (g *Graph) RemoveSwitch(dpid model.DPID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.switches, dpid)
	for id := range g.links {
		if id.Src == dpid || id.Dst == dpid {
			delete(g.links, id)
			g.store.RemoveLink(id)
		}
	}
}

// AddLink registers a directed link and its metric-store entry. Endpoints
// are created implicitly; discovery may report links before switches.
func (g *Graph) AddLink(id model.LinkID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.switches[id.Src] = struct{}{}
	g.switches[id.Dst] = struct{}{}
	g.links[id] = struct{}{}
	g.store.AddLink(id)
}

// RemoveLink drops a link no longer reported as up.
func (g *Graph) RemoveLink(id model.LinkID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.links, id)
	g.store.RemoveLink(id)
}

// HasSwitch reports whether dpid is a known node.
func (g *Graph) HasSwitch(dpid model.DPID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.switches[dpid]
	return ok
}

// SwitchIDs returns the known switches in ascending DPID order.
func (g *Graph) SwitchIDs() []model.DPID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]model.DPID, 0, len(g.switches))
	for dpid := range g.switches {
		ids = append(ids, dpid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LinkIDs returns every known directed link.
func (g *Graph) LinkIDs() []model.LinkID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]model.LinkID, 0, len(g.links))
	for id := range g.links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// LinkByPort resolves a transmitting switch port to its link. Ports with
// no inter-switch link (host ports) resolve to false.
func (g *Graph) LinkByPort(dpid model.DPID, port model.PortID) (model.LinkID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for id := range g.links {
		if id.Src == dpid && id.SrcPort == port {
			return id, true
		}
	}
	return model.LinkID{}, false
}

// Edge is one weighted directed link inside a snapshot.
type Edge struct {
	Link   model.LinkID
	Weight float64 // seconds; +Inf when the link is stale
}

// Snapshot is an immutable weighted view of the graph.
type Snapshot struct {
	Switches map[model.DPID]struct{}
	// Adjacency sorted by (Dst, SrcPort) for deterministic iteration.
	Adjacency map[model.DPID][]Edge
	TakenAt   time.Time
}

// Snapshot resolves current link weights and returns a consistent copy of
// the graph. Weight per link: +Inf when stale, the propagation floor when
// never sampled, otherwise max(floor, M/M/1/K sojourn delay).
func (g *Graph) Snapshot() *Snapshot {
	g.mu.RLock()
	switches := make(map[model.DPID]struct{}, len(g.switches))
	for dpid := range g.switches {
		switches[dpid] = struct{}{}
	}
	links := make([]model.LinkID, 0, len(g.links))
	for id := range g.links {
		links = append(links, id)
	}
	g.mu.RUnlock()

	snap := &Snapshot{
		Switches:  switches,
		Adjacency: make(map[model.DPID][]Edge, len(switches)),
		TakenAt:   time.Now(),
	}
	for _, id := range links {
		snap.Adjacency[id.Src] = append(snap.Adjacency[id.Src], Edge{
			Link:   id,
			Weight: g.linkWeight(id),
		})
	}
	for dpid := range snap.Adjacency {
		edges := snap.Adjacency[dpid]
		sort.Slice(edges, func(i, j int) bool {
			if edges[i].Link.Dst != edges[j].Link.Dst {
				return edges[i].Link.Dst < edges[j].Link.Dst
			}
			return edges[i].Link.SrcPort < edges[j].Link.SrcPort
		})
	}
	return snap
}

func (g *Graph) linkWeight(id model.LinkID) float64 {
	m, ok := g.store.Read(id)
	if !ok {
		return math.Inf(1)
	}
	floor := g.params.BaseDelay.Seconds()
	if m.Stale {
		return math.Inf(1)
	}
	if !m.Sampled {
		return floor
	}
	w, err := mm1k.Delay(m.Utilization, serviceRate(m.Params.CapacityBps, g.params.MeanPacketBytes), m.Params.QueueCapacity)
	if err != nil {
		// Store-side clamping makes this unreachable; exclude the link
		// rather than route on a bogus weight.
		log.Printf("topology: delay model rejected link %s: %v", id, err)
		return math.Inf(1)
	}
	if w < floor {
		return floor
	}
	return w
}

func serviceRate(capacityBps uint64, meanPacketBytes int) float64 {
	return float64(capacityBps) / (8 * float64(meanPacketBytes))
}
