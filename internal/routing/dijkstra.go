// Package routing computes minimum-delay paths over topology snapshots.
package routing

import (
	"container/heap"
	"errors"
	"math"

	"NetSteer/internal/model"
	"NetSteer/internal/topology"
)

// ErrUnreachable means no usable path exists between the endpoints: the
// graph is disconnected, an endpoint is unknown, or every connecting link
// is currently excluded as stale.
var ErrUnreachable = errors.New("destination unreachable")

// weightEps absorbs float summation noise when comparing path costs, so
// the hop-count and lexicographic tie-breaks fire on effectively equal
// delays.
const weightEps = 1e-12

type candidate struct {
	cost  float64
	dpids []model.DPID // visited switches, for the lexicographic tie-break
	hops  model.Path   // emitted hops (one per switch left so far)
}

// less orders candidates by cost, then hop count, then lexicographically
// smallest switch sequence, then smallest out-port sequence. The last rule
// only separates parallel links between the same pair of switches.
func (c *candidate) less(o *candidate) bool {
	if d := c.cost - o.cost; d < -weightEps || d > weightEps {
		return c.cost < o.cost
	}
	if len(c.dpids) != len(o.dpids) {
		return len(c.dpids) < len(o.dpids)
	}
	for i := range c.dpids {
		if c.dpids[i] != o.dpids[i] {
			return c.dpids[i] < o.dpids[i]
		}
	}
	for i := range c.hops {
		if c.hops[i].OutPort != o.hops[i].OutPort {
			return c.hops[i].OutPort < o.hops[i].OutPort
		}
	}
	return false
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// ShortestPath runs Dijkstra's algorithm over the snapshot with edge
// weight = modeled delay. The returned path holds one hop per transit
// switch (src included, dst excluded; the egress port towards the host
// is the caller's to append) and the cumulative delay in seconds.
//
// For a fixed snapshot the result is deterministic: equal-delay paths are
// broken by hop count, then by the lexicographically smallest switch
// sequence.
func ShortestPath(snap *topology.Snapshot, src, dst model.DPID) (model.Path, float64, error) {
	if _, ok := snap.Switches[src]; !ok {
		return nil, 0, ErrUnreachable
	}
	if _, ok := snap.Switches[dst]; !ok {
		return nil, 0, ErrUnreachable
	}
	if src == dst {
		return model.Path{}, 0, nil
	}

	done := make(map[model.DPID]bool, len(snap.Switches))
	h := &candidateHeap{{dpids: []model.DPID{src}}}

	for h.Len() > 0 {
		cur := heap.Pop(h).(*candidate)
		at := cur.dpids[len(cur.dpids)-1]
		if done[at] {
			continue
		}
		if at == dst {
			return cur.hops, cur.cost, nil
		}
		done[at] = true

		for _, e := range snap.Adjacency[at] {
			if math.IsInf(e.Weight, 1) || done[e.Link.Dst] {
				continue
			}
			next := &candidate{
				cost:  cur.cost + e.Weight,
				dpids: append(append([]model.DPID{}, cur.dpids...), e.Link.Dst),
				hops:  append(append(model.Path{}, cur.hops...), model.PathHop{DPID: at, OutPort: e.Link.SrcPort}),
			}
			heap.Push(h, next)
		}
	}
	return nil, 0, ErrUnreachable
}
