package model

import (
	"context"
	"errors"
)

// ErrGatewayTimeout is returned when the protocol gateway does not answer
// within the configured request timeout. The call is abandoned on our side
// only; the switch may still act on it.
var ErrGatewayTimeout = errors.New("gateway request timed out")

// Gateway is the southbound boundary. An external adapter turns these calls
// into protocol messages; the core never touches wire bytes.
type Gateway interface {
	// PortStats requests transmit counters for every port of a switch.
	PortStats(ctx context.Context, dpid DPID) (*PortStatsReport, error)

	// InstallRule programs one forwarding rule on a switch.
	InstallRule(ctx context.Context, cmd InstallRuleCommand) error

	// ForwardPacket releases a buffered packet out a port.
	ForwardPacket(ctx context.Context, cmd ForwardPacketCommand) error

	// DropPacket discards a buffered packet with a reason code.
	DropPacket(ctx context.Context, cmd DropPacketCommand) error
}
