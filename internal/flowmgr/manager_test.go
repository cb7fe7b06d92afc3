package flowmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"NetSteer/internal/journal"
	"NetSteer/internal/metrics"
	"NetSteer/internal/model"
	"NetSteer/internal/topology"
)

const (
	swA = model.DPID(1)
	swB = model.DPID(2)
	swC = model.DPID(3)
	swD = model.DPID(4)
)

type fakeGateway struct {
	mu       sync.Mutex
	installs []model.InstallRuleCommand
	forwards []model.ForwardPacketCommand
	drops    []model.DropPacketCommand

	installBlock chan struct{} // when set, InstallRule blocks until closed
	installErr   error
}

func (f *fakeGateway) PortStats(ctx context.Context, dpid model.DPID) (*model.PortStatsReport, error) {
	return &model.PortStatsReport{DPID: dpid}, nil
}

func (f *fakeGateway) InstallRule(ctx context.Context, cmd model.InstallRuleCommand) error {
	f.mu.Lock()
	block := f.installBlock
	err := f.installErr
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.installs = append(f.installs, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) ForwardPacket(ctx context.Context, cmd model.ForwardPacketCommand) error {
	f.mu.Lock()
	f.forwards = append(f.forwards, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) DropPacket(ctx context.Context, cmd model.DropPacketCommand) error {
	f.mu.Lock()
	f.drops = append(f.drops, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) snapshot() (installs []model.InstallRuleCommand, forwards []model.ForwardPacketCommand, drops []model.DropPacketCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.InstallRuleCommand{}, f.installs...),
		append([]model.ForwardPacketCommand{}, f.forwards...),
		append([]model.DropPacketCommand{}, f.drops...)
}

type captureRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (c *captureRecorder) Record(ev journal.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captureRecorder) Close() {}

func (c *captureRecorder) byType(eventType string) []journal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []journal.Event
	for _, ev := range c.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func diamond(t *testing.T) (*metrics.Store, *topology.Graph) {
	t.Helper()
	store := metrics.NewStore(metrics.LinkParams{CapacityBps: 10_000_000, QueueCapacity: 10})
	g, err := topology.New(store, topology.WeightParams{MeanPacketBytes: 1500, BaseDelay: 50 * time.Microsecond})
	require.NoError(t, err)
	for _, l := range []model.LinkID{
		{Src: swA, SrcPort: 1, Dst: swB}, {Src: swB, SrcPort: 2, Dst: swD},
		{Src: swA, SrcPort: 2, Dst: swC}, {Src: swC, SrcPort: 2, Dst: swD},
	} {
		g.AddLink(l)
	}
	return store, g
}

func newTestManager(t *testing.T, gw model.Gateway, g *topology.Graph, rec journal.Recorder, opts Options) *Manager {
	t.Helper()
	if opts.IdleTimeout == "" {
		opts.IdleTimeout = "5s"
	}
	if opts.HardTimeout == "" {
		opts.HardTimeout = "15s"
	}
	if opts.SweepInterval == "" {
		opts.SweepInterval = "10ms"
	}
	if opts.RequestTimeout == "" {
		opts.RequestTimeout = "500ms"
	}
	m, err := New(gw, g, rec, opts)
	require.NoError(t, err)
	return m
}

func packetIn(key model.FlowKey) model.NewPacketEvent {
	return model.NewPacketEvent{
		DPID:            swA,
		InPort:          10,
		FlowKey:         key,
		DstDPID:         swD,
		DstPort:         11,
		RawPacketHandle: "pkt-1",
	}
}

func TestHandlePacketInInstallsPathRules(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))

	installs, forwards, drops := gw.snapshot()
	require.Empty(t, drops)

	// One rule per hop, installed egress-first: D, B, A (idle diamond
	// tie-breaks to the B branch).
	require.Len(t, installs, 3)
	require.Equal(t, swD, installs[0].DPID)
	require.Equal(t, model.PortID(11), installs[0].OutPort)
	require.Equal(t, swB, installs[1].DPID)
	require.Equal(t, model.PortID(2), installs[1].OutPort)
	require.Equal(t, swA, installs[2].DPID)
	require.Equal(t, model.PortID(1), installs[2].OutPort)

	cookie := installs[0].Cookie
	require.NotEmpty(t, cookie)
	for _, cmd := range installs {
		require.Equal(t, cookie, cmd.Cookie, "all hops share one cookie")
		require.Equal(t, model.FlowKey("flow-1"), cmd.FlowKey)
		require.Equal(t, 5*time.Second, cmd.IdleTimeout)
		require.Equal(t, 15*time.Second, cmd.HardTimeout)
	}

	// The triggering packet leaves the ingress switch along the path.
	require.Len(t, forwards, 1)
	require.Equal(t, swA, forwards[0].DPID)
	require.Equal(t, model.PortID(1), forwards[0].OutPort)

	decisions := rec.byType(journal.EventPathDecision)
	require.Len(t, decisions, 1)
	require.Equal(t, "flow-1", decisions[0].FlowKey)
	require.Greater(t, decisions[0].CostSeconds, 0.0)

	records := m.Records()
	require.Len(t, records, 1)
	require.Equal(t, cookie, records[0].Cookie)
}

func TestHandlePacketInUnreachable(t *testing.T) {
	_, g := diamond(t)
	g.RemoveLink(model.LinkID{Src: swB, SrcPort: 2, Dst: swD})
	g.RemoveLink(model.LinkID{Src: swC, SrcPort: 2, Dst: swD})

	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))

	installs, forwards, drops := gw.snapshot()
	require.Empty(t, installs)
	require.Empty(t, forwards)
	require.Len(t, drops, 1)
	require.Equal(t, model.DropReasonUnreachable, drops[0].Reason)
	require.Len(t, rec.byType(journal.EventPathUnreachable), 1)
	require.Empty(t, m.Records(), "unroutable flow must not leave a record")

	// The key is not stuck in pending: a later packet is retried.
	m.HandlePacketIn(packetIn("flow-1"))
	_, _, drops = gw.snapshot()
	require.Len(t, drops, 2)
}

func TestIdleExpiryMakesNextPacketANewFlow(t *testing.T) {
	store, g := diamond(t)
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{
		IdleTimeout: "60ms",
		HardTimeout: "10s",
	})
	m.Start()
	defer m.Stop()

	m.HandlePacketIn(packetIn("flow-1"))
	require.Len(t, m.Records(), 1)

	// No further traffic: the record expires on the idle timeout.
	require.Eventually(t, func() bool {
		return len(m.Records()) == 0
	}, time.Second, 10*time.Millisecond, "record never expired")
	require.NotEmpty(t, rec.byType(journal.EventRuleExpired))

	// Load the B branch before the next packet: the re-routed flow must
	// pick the C branch, proving re-derivation against current metrics.
	t0 := time.Now()
	loaded := model.LinkID{Src: swA, SrcPort: 1, Dst: swB}
	require.NoError(t, store.RecordSample(loaded, 0, t0))
	require.NoError(t, store.RecordSample(loaded, 1_125_000, t0.Add(time.Second)))

	m.HandlePacketIn(packetIn("flow-1"))

	installs, _, _ := gw.snapshot()
	require.Len(t, installs, 6, "second install set expected")
	ingress := installs[5] // last command of the second (egress-first) set
	require.Equal(t, swA, ingress.DPID)
	require.Equal(t, model.PortID(2), ingress.OutPort, "re-routed flow should avoid the loaded branch")
}

func TestPacketInForInstalledFlowForwardsWithoutReroute(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))
	installs, _, _ := gw.snapshot()
	require.Len(t, installs, 3)
	before := m.Records()[0]

	// A packet that raced the install: forwarded along the recorded path,
	// idle clock refreshed, no second rule set.
	time.Sleep(5 * time.Millisecond)
	m.HandlePacketIn(packetIn("flow-1"))

	installs, forwards, drops := gw.snapshot()
	require.Len(t, installs, 3, "installed flow must not be re-routed before expiry")
	require.Len(t, forwards, 2)
	require.Empty(t, drops)

	after := m.Records()[0]
	require.Equal(t, before.Cookie, after.Cookie)
	require.True(t, after.LastHit.After(before.LastHit))
	require.True(t, after.IdleDeadline.After(before.IdleDeadline))
}

func TestConcurrentPacketInsAreSerializedPerKey(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{installBlock: make(chan struct{})}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	done := make(chan struct{})
	go func() {
		m.HandlePacketIn(packetIn("flow-1"))
		close(done)
	}()

	// Wait for the first routing attempt to claim the key.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.flows["flow-1"]
		return ok
	}, time.Second, time.Millisecond)

	// A second packet for the same key while the install is in flight is
	// dropped, not routed twice.
	m.HandlePacketIn(packetIn("flow-1"))
	_, _, drops := gw.snapshot()
	require.Len(t, drops, 1)
	require.Equal(t, model.DropReasonRoutingInProgress, drops[0].Reason)

	// An unrelated key routes in parallel without waiting.
	other := packetIn("flow-2")
	otherDone := make(chan struct{})
	go func() {
		m.HandlePacketIn(other)
		close(otherDone)
	}()

	close(gw.installBlock)
	<-done
	<-otherDone

	require.Len(t, m.Records(), 2)
}

func TestHandleFlowRemovedReconciles(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))
	records := m.Records()
	require.Len(t, records, 1)

	// Hardware removed the rule early (e.g. table eviction): the local
	// record goes with it.
	err := m.HandleFlowRemoved(model.FlowRemovedEvent{
		DPID:    swA,
		FlowKey: "flow-1",
		Cookie:  records[0].Cookie,
	})
	require.NoError(t, err)
	require.Empty(t, m.Records())
	require.Len(t, rec.byType(journal.EventRuleReconciled), 1)

	// A report for an untracked rule is divergence, absorbed by callers.
	err = m.HandleFlowRemoved(model.FlowRemovedEvent{DPID: swA, FlowKey: "flow-1"})
	require.True(t, errors.Is(err, ErrStaleRuleDivergence), "err = %v", err)
}

func TestInstallFailureLeavesFlowUnrouted(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{installErr: model.ErrGatewayTimeout}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))

	_, forwards, drops := gw.snapshot()
	require.Empty(t, forwards)
	require.Len(t, drops, 1)
	require.Equal(t, model.DropReasonGatewayTimeout, drops[0].Reason)
	require.Empty(t, m.Records())
	require.Len(t, rec.byType(journal.EventInstallFailed), 1)

	// Next packet retries from scratch.
	gw.mu.Lock()
	gw.installErr = nil
	gw.mu.Unlock()
	m.HandlePacketIn(packetIn("flow-1"))
	require.Len(t, m.Records(), 1)
}

func TestFlush(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	m.HandlePacketIn(packetIn("flow-1"))
	m.HandlePacketIn(model.NewPacketEvent{
		DPID: swB, InPort: 9, FlowKey: "flow-2", DstDPID: swD, DstPort: 12, RawPacketHandle: "pkt-2",
	})
	require.Len(t, m.Records(), 2)

	n := m.Flush()
	require.Equal(t, 2, n)
	require.Empty(t, m.Records())
	require.Len(t, rec.byType(journal.EventRuleFlushed), 2)
}

func TestFlushSkipsInFlightInstall(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{installBlock: make(chan struct{})}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{})

	done := make(chan struct{})
	go func() {
		m.HandlePacketIn(packetIn("flow-1"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.flows["flow-1"]
		return ok
	}, time.Second, time.Millisecond)

	// The in-flight install is not a record yet; flushing must not count
	// it or journal it.
	require.Equal(t, 0, m.Flush())
	require.Empty(t, rec.byType(journal.EventRuleFlushed))

	close(gw.installBlock)
	<-done

	// The install lands after the flush and is tracked normally.
	require.Len(t, m.Records(), 1)
}

func TestPendingLimitDropsExcessFlows(t *testing.T) {
	_, g := diamond(t)
	gw := &fakeGateway{installBlock: make(chan struct{})}
	rec := &captureRecorder{}
	m := newTestManager(t, gw, g, rec, Options{MaxPending: 1})

	done := make(chan struct{})
	go func() {
		m.HandlePacketIn(packetIn("flow-1"))
		close(done)
	}()

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.pending == 1
	}, time.Second, time.Millisecond)

	// An unrelated flow beyond the pending budget is dropped instead of
	// spawning another computation.
	m.HandlePacketIn(packetIn("flow-2"))
	_, _, drops := gw.snapshot()
	require.Len(t, drops, 1)
	require.Equal(t, model.DropReasonRoutingInProgress, drops[0].Reason)

	close(gw.installBlock)
	<-done

	// With the budget free again the dropped flow routes on retry.
	m.HandlePacketIn(packetIn("flow-2"))
	require.Len(t, m.Records(), 2)
}
