// Package journal records routing decisions and rule lifecycle events in
// ClickHouse. The journal is an operator audit trail: it feeds no
// computation and must never block or fail the routing path.
package journal

import "time"

// Event types written to the routing_events table.
const (
	EventPathDecision    = "path_decision"
	EventPathUnreachable = "path_unreachable"
	EventInstallFailed   = "install_failed"
	EventRuleExpired     = "rule_expired"
	EventRuleReconciled  = "rule_reconciled"
	EventRuleFlushed     = "rule_flushed"
)

// Event is one journal entry.
type Event struct {
	Time        time.Time
	Type        string
	FlowKey     string
	SrcDPID     uint64
	DstDPID     uint64
	Path        string
	CostSeconds float64
	Detail      string
}

// Recorder accepts journal events. Implementations must be non-blocking.
type Recorder interface {
	Record(ev Event)
	Close()
}

// Nop is the recorder used when the journal is disabled.
type Nop struct{}

func (Nop) Record(Event) {}
func (Nop) Close()       {}
