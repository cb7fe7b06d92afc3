package model

import (
	"fmt"
	"time"
)

// DPID is the datapath identifier of a switch.
type DPID uint64

func (d DPID) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// PortID identifies a port on a switch.
type PortID uint32

// LinkID identifies a directed switch-to-switch link. Utilization is
// measured at the transmitting port, so each direction of a physical
// cable is its own link.
type LinkID struct {
	Src     DPID   `json:"src"`
	SrcPort PortID `json:"src_port"`
	Dst     DPID   `json:"dst"`
}

func (l LinkID) String() string {
	return fmt.Sprintf("%s:%d->%s", l.Src, l.SrcPort, l.Dst)
}

// FlowKey is the gateway-derived identifier of a traffic aggregate
// (typically a canonical form of the 5-tuple). The core treats it as opaque.
type FlowKey string

// PathHop is one forwarding step: the switch and the port the flow
// leaves it by.
type PathHop struct {
	DPID    DPID   `json:"dpid"`
	OutPort PortID `json:"out_port"`
}

// Path is an ordered hop sequence from ingress to egress switch.
type Path []PathHop

func (p Path) String() string {
	s := ""
	for i, hop := range p {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s:%d", hop.DPID, hop.OutPort)
	}
	return s
}

// OutPortAt returns the egress port the path uses at the given switch.
func (p Path) OutPortAt(dpid DPID) (PortID, bool) {
	for _, hop := range p {
		if hop.DPID == dpid {
			return hop.OutPort, true
		}
	}
	return 0, false
}

// Switches returns the DPID sequence of the path.
func (p Path) Switches() []DPID {
	ids := make([]DPID, len(p))
	for i, hop := range p {
		ids[i] = hop.DPID
	}
	return ids
}

// PortStat is one port's transmit counter as reported by a switch.
type PortStat struct {
	Port      PortID    `json:"port"`
	TxBytes   uint64    `json:"tx_bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// PortStatsReport is the reply to a port-statistics request.
type PortStatsReport struct {
	DPID  DPID       `json:"dpid"`
	Stats []PortStat `json:"stats"`
}

// NewPacketEvent is delivered when a switch punts the first packet of an
// unknown flow to the controller. RawPacketHandle references the buffered
// packet inside the gateway; the core never sees packet bytes.
type NewPacketEvent struct {
	DPID            DPID    `json:"dpid"`
	InPort          PortID  `json:"in_port"`
	FlowKey         FlowKey `json:"flow_key"`
	DstDPID         DPID    `json:"dst_dpid"`
	DstPort         PortID  `json:"dst_port"` // host attachment port on the egress switch
	RawPacketHandle string  `json:"raw_packet_handle"`
}

// TopologyChangeKind enumerates topology mutations.
type TopologyChangeKind string

const (
	TopologyAddSwitch    TopologyChangeKind = "add-switch"
	TopologyRemoveSwitch TopologyChangeKind = "remove-switch"
	TopologyAddLink      TopologyChangeKind = "add-link"
	TopologyRemoveLink   TopologyChangeKind = "remove-link"
)

// TopologyChangeEvent is a discovery notification from the gateway.
type TopologyChangeEvent struct {
	Kind TopologyChangeKind `json:"kind"`
	DPID DPID               `json:"dpid,omitempty"`
	Link LinkID             `json:"link,omitempty"`
}

// FlowRemovedEvent reports that a switch expired or deleted a rule.
// Hardware state is authoritative; the flow manager reconciles to it.
type FlowRemovedEvent struct {
	DPID    DPID    `json:"dpid"`
	FlowKey FlowKey `json:"flow_key"`
	Cookie  string  `json:"cookie"`
}

// InstallRuleCommand asks the gateway to program one hop of a path.
type InstallRuleCommand struct {
	DPID        DPID          `json:"dpid"`
	FlowKey     FlowKey       `json:"flow_key"`
	OutPort     PortID        `json:"out_port"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	HardTimeout time.Duration `json:"hard_timeout"`
	Cookie      string        `json:"cookie"`
}

// ForwardPacketCommand releases a buffered packet out a port.
type ForwardPacketCommand struct {
	DPID            DPID   `json:"dpid"`
	RawPacketHandle string `json:"raw_packet_handle"`
	OutPort         PortID `json:"out_port"`
}

// Drop reasons reported to the gateway for buffered packets.
const (
	DropReasonUnreachable       = "unreachable"
	DropReasonGatewayTimeout    = "gateway-timeout"
	DropReasonRoutingInProgress = "routing-in-progress"
)

// DropPacketCommand discards a buffered packet with an observable reason.
type DropPacketCommand struct {
	DPID            DPID   `json:"dpid"`
	RawPacketHandle string `json:"raw_packet_handle"`
	Reason          string `json:"reason"`
}
