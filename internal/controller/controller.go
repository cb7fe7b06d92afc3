// Package controller wires the routing engine together: metric store,
// topology graph, telemetry collector, flow manager, journal and API.
package controller

import (
	"errors"
	"fmt"
	"log"
	"time"

	"NetSteer/internal/api"
	"NetSteer/internal/collector"
	"NetSteer/internal/config"
	"NetSteer/internal/flowmgr"
	"NetSteer/internal/journal"
	"NetSteer/internal/metrics"
	"NetSteer/internal/model"
	"NetSteer/internal/topology"
)

// GatewayConn is the full southbound surface: commands out, events in.
type GatewayConn interface {
	model.Gateway
	SubscribePacketIn(func(model.NewPacketEvent)) error
	SubscribeTopology(func(model.TopologyChangeEvent)) error
	SubscribeFlowRemoved(func(model.FlowRemovedEvent)) error
	Unsubscribe()
}

// Controller owns every long-lived component of the routing engine.
type Controller struct {
	gateway   GatewayConn
	store     *metrics.Store
	graph     *topology.Graph
	collector *collector.Collector
	manager   *flowmgr.Manager
	recorder  journal.Recorder
	apiServer *api.Server
}

// New builds the component tree from configuration.
func New(cfg *config.Config, gw GatewayConn) (*Controller, error) {
	store := metrics.NewStore(metrics.LinkParams{
		CapacityBps:   cfg.Links.DefaultCapacityBps,
		QueueCapacity: cfg.Links.DefaultQueueCapacity,
	})
	for _, ov := range cfg.Links.Overrides {
		store.SetOverride(model.LinkID{
			Src:     model.DPID(ov.Src),
			SrcPort: model.PortID(ov.SrcPort),
			Dst:     model.DPID(ov.Dst),
		}, metrics.LinkParams{
			CapacityBps:   ov.CapacityBps,
			QueueCapacity: ov.QueueCapacity,
		})
	}

	baseDelay, err := time.ParseDuration(cfg.Links.BaseDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid base_delay: %w", err)
	}
	graph, err := topology.New(store, topology.WeightParams{
		MeanPacketBytes: cfg.Links.MeanPacketBytes,
		BaseDelay:       baseDelay,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create topology graph: %w", err)
	}

	coll, err := collector.New(gw, store, graph, collector.Options{
		SamplingInterval: cfg.Telemetry.SamplingInterval,
		StaleAfter:       cfg.Telemetry.StaleAfter,
		RequestTimeout:   cfg.Gateway.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create collector: %w", err)
	}

	var recorder journal.Recorder = journal.Nop{}
	if cfg.Journal.Enabled {
		writer, err := journal.NewWriter(cfg.Journal)
		if err != nil {
			return nil, fmt.Errorf("failed to create journal writer: %w", err)
		}
		recorder = writer
	}

	manager, err := flowmgr.New(gw, graph, recorder, flowmgr.Options{
		IdleTimeout:    cfg.Flows.IdleTimeout,
		HardTimeout:    cfg.Flows.HardTimeout,
		SweepInterval:  cfg.Flows.SweepInterval,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		MaxPending:     cfg.Flows.MaxPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow manager: %w", err)
	}

	return &Controller{
		gateway:   gw,
		store:     store,
		graph:     graph,
		collector: coll,
		manager:   manager,
		recorder:  recorder,
		apiServer: api.NewServer(cfg.API.ListenAddr, graph, store, manager),
	}, nil
}

// Start subscribes to gateway events and launches the background loops.
func (c *Controller) Start() error {
	if err := c.gateway.SubscribeTopology(c.graph.Apply); err != nil {
		return err
	}
	if err := c.gateway.SubscribePacketIn(c.handlePacketIn); err != nil {
		return err
	}
	if err := c.gateway.SubscribeFlowRemoved(c.handleFlowRemoved); err != nil {
		return err
	}

	c.collector.Start()
	c.manager.Start()
	c.apiServer.Start()
	log.Println("controller started")
	return nil
}

// handlePacketIn routes each new-flow event on its own goroutine so
// independent flow keys are handled in parallel; the flow manager
// serializes work per key.
func (c *Controller) handlePacketIn(ev model.NewPacketEvent) {
	go c.manager.HandlePacketIn(ev)
}

func (c *Controller) handleFlowRemoved(ev model.FlowRemovedEvent) {
	if err := c.manager.HandleFlowRemoved(ev); err != nil {
		if errors.Is(err, flowmgr.ErrStaleRuleDivergence) {
			log.Printf("controller: ignoring flow-removed for untracked rule: %v", err)
			return
		}
		log.Printf("controller: flow-removed handling failed: %v", err)
	}
}

// Stop shuts everything down: inbound events first, then the API, then
// the periodic components, then the journal. The journal is closed last
// so components can still record while draining; handlers that outlive
// this sequence have their events dropped by the recorder.
func (c *Controller) Stop() {
	c.gateway.Unsubscribe()
	c.apiServer.Stop()
	c.collector.Stop()
	c.manager.Stop()
	c.recorder.Close()
	log.Println("controller stopped")
}
