// Package flowmgr owns the flow lifecycle: Unrouted -> Installed ->
// Expired. A flow's rules are never updated in place; adaptation happens
// by letting rules expire and routing the next packet against current
// metrics. The manager's records mirror hardware forwarding tables and
// must tolerate divergence; a hardware report of "rule gone" always wins.
package flowmgr

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"NetSteer/internal/journal"
	"NetSteer/internal/model"
	"NetSteer/internal/routing"
	"NetSteer/internal/topology"
)

// ErrStaleRuleDivergence marks a hardware flow-removed report for a rule
// the manager no longer tracks. It is absorbed and logged, never fatal.
var ErrStaleRuleDivergence = errors.New("flow-removed report for untracked rule")

type flowState int

const (
	statePending flowState = iota // path computation/install in flight
	stateInstalled
)

type flowEntry struct {
	state        flowState
	path         model.Path
	cookie       string
	installedAt  time.Time
	lastHit      time.Time
	idleDeadline time.Time
	hardDeadline time.Time
}

// RecordView is a read-only copy of one tracked flow for the operator API.
type RecordView struct {
	FlowKey      model.FlowKey `json:"flow_key"`
	Path         string        `json:"path"`
	Cookie       string        `json:"cookie"`
	InstalledAt  time.Time     `json:"installed_at"`
	LastHit      time.Time     `json:"last_hit"`
	IdleDeadline time.Time     `json:"idle_deadline"`
	HardDeadline time.Time     `json:"hard_deadline"`
}

// Options configure a Manager.
type Options struct {
	IdleTimeout    string
	HardTimeout    string
	SweepInterval  string
	RequestTimeout string
	// MaxPending bounds concurrent path computations; zero means the
	// default of 1024.
	MaxPending int
}

// Manager routes new flows and tracks installed rules until they expire.
type Manager struct {
	gateway  model.Gateway
	graph    *topology.Graph
	recorder journal.Recorder

	idleTimeout    time.Duration
	hardTimeout    time.Duration
	sweepInterval  time.Duration
	requestTimeout time.Duration
	maxPending     int

	mu      sync.Mutex
	flows   map[model.FlowKey]*flowEntry
	pending int // entries in statePending, bounded by maxPending

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a manager. Timeouts must parse to positive durations.
func New(gw model.Gateway, graph *topology.Graph, recorder journal.Recorder, opts Options) (*Manager, error) {
	idle, err := time.ParseDuration(opts.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid idle_timeout: %w", err)
	}
	hard, err := time.ParseDuration(opts.HardTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid hard_timeout: %w", err)
	}
	sweep, err := time.ParseDuration(opts.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	requestTimeout, err := time.ParseDuration(opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid request_timeout: %w", err)
	}
	if idle <= 0 || hard <= 0 || sweep <= 0 || requestTimeout <= 0 {
		return nil, fmt.Errorf("flow timeouts must be positive")
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = 1024
	}

	return &Manager{
		gateway:        gw,
		graph:          graph,
		recorder:       recorder,
		idleTimeout:    idle,
		hardTimeout:    hard,
		sweepInterval:  sweep,
		requestTimeout: requestTimeout,
		maxPending:     maxPending,
		flows:          make(map[model.FlowKey]*flowEntry),
		stopChan:       make(chan struct{}),
	}, nil
}

// Start launches the expiry sweeper.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runSweeper()
	log.Printf("flow manager started: idle=%s hard=%s", m.idleTimeout, m.hardTimeout)
}

// Stop halts the sweeper.
func (m *Manager) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	log.Println("flow manager stopped")
}

// HandlePacketIn routes the flow behind a punted packet. The triggering
// packet is forwarded once rules are installed, or dropped with a reason
// code. At most one computation/install is in flight per flow key, and at
// most maxPending in total; packet-ins beyond either bound are dropped.
func (m *Manager) HandlePacketIn(ev model.NewPacketEvent) {
	now := time.Now()

	m.mu.Lock()
	entry, ok := m.flows[ev.FlowKey]
	if ok && entry.state == stateInstalled && entry.expired(now) {
		// Lazy expiry: the hardware rule timed out on the same values.
		m.expireLocked(ev.FlowKey, entry, now)
		ok = false
	}
	if ok {
		switch entry.state {
		case statePending:
			m.mu.Unlock()
			m.dropPacket(ev, model.DropReasonRoutingInProgress)
			return
		case stateInstalled:
			// The switch punted a packet it has a rule for, or the packet
			// raced the install. Refresh the idle clock and forward along
			// the recorded path; re-derivation waits for expiry.
			entry.lastHit = now
			entry.idleDeadline = now.Add(m.idleTimeout)
			outPort, found := entry.path.OutPortAt(ev.DPID)
			m.mu.Unlock()
			if !found {
				m.dropPacket(ev, model.DropReasonUnreachable)
				return
			}
			m.forwardPacket(ev, outPort)
			return
		}
	}
	if m.pending >= m.maxPending {
		m.mu.Unlock()
		log.Printf("flowmgr: pending limit %d reached, dropping packet for flow %q", m.maxPending, ev.FlowKey)
		m.dropPacket(ev, model.DropReasonRoutingInProgress)
		return
	}
	m.pending++
	m.flows[ev.FlowKey] = &flowEntry{state: statePending}
	m.mu.Unlock()

	m.routeAndInstall(ev)
}

// routeAndInstall computes a path on a fresh snapshot and programs it.
// The caller has already claimed the key's pending slot.
func (m *Manager) routeAndInstall(ev model.NewPacketEvent) {
	snap := m.graph.Snapshot()
	path, cost, err := routing.ShortestPath(snap, ev.DPID, ev.DstDPID)
	if err != nil {
		m.abandon(ev, model.DropReasonUnreachable)
		m.recorder.Record(journal.Event{
			Time:    time.Now(),
			Type:    journal.EventPathUnreachable,
			FlowKey: string(ev.FlowKey),
			SrcDPID: uint64(ev.DPID),
			DstDPID: uint64(ev.DstDPID),
		})
		log.Printf("flowmgr: no path for flow %q (%s -> %s): %v", ev.FlowKey, ev.DPID, ev.DstDPID, err)
		return
	}

	// Final hop: egress switch towards the destination host.
	full := append(path, model.PathHop{DPID: ev.DstDPID, OutPort: ev.DstPort})
	cookie := uuid.NewString()

	// Install egress-first so upstream rules never forward into a switch
	// that cannot handle the flow yet.
	for i := len(full) - 1; i >= 0; i-- {
		hop := full[i]
		cmd := model.InstallRuleCommand{
			DPID:        hop.DPID,
			FlowKey:     ev.FlowKey,
			OutPort:     hop.OutPort,
			IdleTimeout: m.idleTimeout,
			HardTimeout: m.hardTimeout,
			Cookie:      cookie,
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
		err := m.gateway.InstallRule(ctx, cmd)
		cancel()
		if err != nil {
			// Partially installed rules expire on their own timeouts.
			m.abandon(ev, model.DropReasonGatewayTimeout)
			m.recorder.Record(journal.Event{
				Time:    time.Now(),
				Type:    journal.EventInstallFailed,
				FlowKey: string(ev.FlowKey),
				SrcDPID: uint64(ev.DPID),
				DstDPID: uint64(ev.DstDPID),
				Path:    full.String(),
				Detail:  err.Error(),
			})
			log.Printf("flowmgr: install for flow %q on switch %s failed: %v", ev.FlowKey, hop.DPID, err)
			return
		}
	}

	now := time.Now()
	m.mu.Lock()
	m.pending--
	m.flows[ev.FlowKey] = &flowEntry{
		state:        stateInstalled,
		path:         full,
		cookie:       cookie,
		installedAt:  now,
		lastHit:      now,
		idleDeadline: now.Add(m.idleTimeout),
		hardDeadline: now.Add(m.hardTimeout),
	}
	m.mu.Unlock()

	m.forwardPacket(ev, full[0].OutPort)
	m.recorder.Record(journal.Event{
		Time:        now,
		Type:        journal.EventPathDecision,
		FlowKey:     string(ev.FlowKey),
		SrcDPID:     uint64(ev.DPID),
		DstDPID:     uint64(ev.DstDPID),
		Path:        full.String(),
		CostSeconds: cost,
	})
	log.Printf("flowmgr: flow %q installed via [%s], delay %.6fs", ev.FlowKey, full, cost)
}

// HandleFlowRemoved reconciles a hardware flow-removed report. Hardware
// is authoritative: a tracked record is deleted even if its local
// deadlines have not passed.
func (m *Manager) HandleFlowRemoved(ev model.FlowRemovedEvent) error {
	m.mu.Lock()
	entry, ok := m.flows[ev.FlowKey]
	if ok && entry.state == stateInstalled && (ev.Cookie == "" || entry.cookie == ev.Cookie) {
		delete(m.flows, ev.FlowKey)
		m.mu.Unlock()
		m.recorder.Record(journal.Event{
			Time:    time.Now(),
			Type:    journal.EventRuleReconciled,
			FlowKey: string(ev.FlowKey),
			SrcDPID: uint64(ev.DPID),
			Detail:  "hardware removed rule before local expiry",
		})
		log.Printf("flowmgr: reconciled flow %q to hardware removal", ev.FlowKey)
		return nil
	}
	m.mu.Unlock()
	return fmt.Errorf("flow %q cookie %q: %w", ev.FlowKey, ev.Cookie, ErrStaleRuleDivergence)
}

// Flush drops all installed records. Hardware rules expire on their own
// timeouts. Pending entries are left alone: their install is in flight
// and would re-create the record right after the flush anyway.
func (m *Manager) Flush() int {
	m.mu.Lock()
	keys := make([]model.FlowKey, 0, len(m.flows))
	for key, entry := range m.flows {
		if entry.state != stateInstalled {
			continue
		}
		delete(m.flows, key)
		keys = append(keys, key)
	}
	n := len(keys)
	m.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		m.recorder.Record(journal.Event{Time: now, Type: journal.EventRuleFlushed, FlowKey: string(key)})
	}
	log.Printf("flowmgr: flushed %d flow records", n)
	return n
}

// Records returns a copy of the installed-flow table.
func (m *Manager) Records() []RecordView {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RecordView, 0, len(m.flows))
	for key, entry := range m.flows {
		if entry.state != stateInstalled {
			continue
		}
		out = append(out, RecordView{
			FlowKey:      key,
			Path:         entry.path.String(),
			Cookie:       entry.cookie,
			InstalledAt:  entry.installedAt,
			LastHit:      entry.lastHit,
			IdleDeadline: entry.idleDeadline,
			HardDeadline: entry.hardDeadline,
		})
	}
	return out
}

func (e *flowEntry) expired(now time.Time) bool {
	return now.After(e.hardDeadline) || now.After(e.idleDeadline)
}

// expireLocked removes a record and journals the expiry. Caller holds m.mu.
func (m *Manager) expireLocked(key model.FlowKey, entry *flowEntry, now time.Time) {
	delete(m.flows, key)
	detail := "idle timeout"
	if now.After(entry.hardDeadline) {
		detail = "hard timeout"
	}
	m.recorder.Record(journal.Event{
		Time:    now,
		Type:    journal.EventRuleExpired,
		FlowKey: string(key),
		Path:    entry.path.String(),
		Detail:  detail,
	})
}

func (m *Manager) runSweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	for key, entry := range m.flows {
		if entry.state == stateInstalled && entry.expired(now) {
			m.expireLocked(key, entry, now)
			log.Printf("flowmgr: flow %q expired", key)
		}
	}
	m.mu.Unlock()
}

// abandon clears the pending slot and drops the triggering packet.
func (m *Manager) abandon(ev model.NewPacketEvent, reason string) {
	m.mu.Lock()
	delete(m.flows, ev.FlowKey)
	m.pending--
	m.mu.Unlock()
	m.dropPacket(ev, reason)
}

func (m *Manager) dropPacket(ev model.NewPacketEvent, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()
	err := m.gateway.DropPacket(ctx, model.DropPacketCommand{
		DPID:            ev.DPID,
		RawPacketHandle: ev.RawPacketHandle,
		Reason:          reason,
	})
	if err != nil {
		log.Printf("flowmgr: drop command for flow %q failed: %v", ev.FlowKey, err)
	}
}

func (m *Manager) forwardPacket(ev model.NewPacketEvent, outPort model.PortID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.requestTimeout)
	defer cancel()
	err := m.gateway.ForwardPacket(ctx, model.ForwardPacketCommand{
		DPID:            ev.DPID,
		RawPacketHandle: ev.RawPacketHandle,
		OutPort:         outPort,
	})
	if err != nil {
		log.Printf("flowmgr: forward command for flow %q failed: %v", ev.FlowKey, err)
	}
}
