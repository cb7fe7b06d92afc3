// Package gateway connects the core to the protocol gateway over NATS.
// The gateway process owns the southbound wire protocol; this adapter
// only moves typed, JSON-encoded control events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/nats-io/nats.go"

	"NetSteer/internal/model"
)

// Subject layout under the configured prefix.
const (
	subjStatsRequest = "stats.request" // + ".<dpid>", request-reply
	subjPacketIn     = "packet.in"
	subjTopology     = "topology"
	subjFlowRemoved  = "flow.removed"
	subjFlowInstall  = "flow.install"
	subjPacketOut    = "packet.out"
	subjPacketDrop   = "packet.drop"
)

// Client implements model.Gateway over a NATS connection and routes
// inbound gateway events to registered handlers.
type Client struct {
	nc     *nats.Conn
	prefix string
	subs   []*nats.Subscription
}

// Connect dials the NATS server used by the protocol gateway.
func Connect(natsURL, subjectPrefix string) (*Client, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsURL, err)
	}
	log.Printf("gateway: connected to NATS server at %s", natsURL)
	return &Client{nc: nc, prefix: subjectPrefix}, nil
}

func (c *Client) subject(parts ...string) string {
	s := c.prefix
	for _, p := range parts {
		s += "." + p
	}
	return s
}

// PortStats requests transmit counters from one switch. A missing reply
// within the context deadline maps to model.ErrGatewayTimeout.
func (c *Client) PortStats(ctx context.Context, dpid model.DPID) (*model.PortStatsReport, error) {
	msg, err := c.nc.RequestWithContext(ctx, c.subject(subjStatsRequest, dpid.String()), nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("port stats for switch %s: %w", dpid, model.ErrGatewayTimeout)
		}
		return nil, fmt.Errorf("port stats for switch %s: %w", dpid, err)
	}

	var report model.PortStatsReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		return nil, fmt.Errorf("malformed port stats reply from switch %s: %w", dpid, err)
	}
	return &report, nil
}

// InstallRule publishes a forwarding-rule install command.
func (c *Client) InstallRule(ctx context.Context, cmd model.InstallRuleCommand) error {
	return c.publish(ctx, c.subject(subjFlowInstall), cmd)
}

// ForwardPacket publishes a packet-out command.
func (c *Client) ForwardPacket(ctx context.Context, cmd model.ForwardPacketCommand) error {
	return c.publish(ctx, c.subject(subjPacketOut), cmd)
}

// DropPacket publishes a packet-drop command.
func (c *Client) DropPacket(ctx context.Context, cmd model.DropPacketCommand) error {
	return c.publish(ctx, c.subject(subjPacketDrop), cmd)
}

func (c *Client) publish(ctx context.Context, subject string, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return model.ErrGatewayTimeout
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", subject, err)
	}
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribePacketIn routes new-packet events to the handler.
func (c *Client) SubscribePacketIn(handler func(model.NewPacketEvent)) error {
	return subscribe(c, subjPacketIn, handler)
}

// SubscribeTopology routes topology-change events to the handler.
func (c *Client) SubscribeTopology(handler func(model.TopologyChangeEvent)) error {
	return subscribe(c, subjTopology, handler)
}

// SubscribeFlowRemoved routes hardware flow-removed reports to the handler.
func (c *Client) SubscribeFlowRemoved(handler func(model.FlowRemovedEvent)) error {
	return subscribe(c, subjFlowRemoved, handler)
}

func subscribe[T any](c *Client, suffix string, handler func(T)) error {
	subject := c.subject(suffix)
	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev T
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("gateway: dropping malformed %s event: %v", subject, err)
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	log.Printf("gateway: subscribed to %s", subject)
	return nil
}

// Unsubscribe stops delivery of inbound gateway events. The connection
// stays open for outbound commands.
func (c *Client) Unsubscribe() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.subs = nil
}

// Close unsubscribes and drains the NATS connection.
func (c *Client) Close() {
	c.Unsubscribe()
	if c.nc != nil {
		c.nc.Drain()
		log.Println("gateway: NATS connection drained and closed")
	}
}
