// Package collector polls port statistics from the protocol gateway on a
// fixed period and feeds the link metric store.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"NetSteer/internal/metrics"
	"NetSteer/internal/model"
	"NetSteer/internal/topology"
)

// Collector drives the telemetry loop. A switch whose previous poll is
// still outstanding is skipped, so one unresponsive switch never piles up
// requests; its links age into staleness instead.
type Collector struct {
	gateway model.Gateway
	store   *metrics.Store
	graph   *topology.Graph

	interval       time.Duration
	staleAfter     time.Duration
	requestTimeout time.Duration

	mu       sync.Mutex
	inFlight map[model.DPID]bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Options configure a Collector. Durations are given as strings the way
// they appear in the config file.
type Options struct {
	SamplingInterval string
	StaleAfter       string
	RequestTimeout   string
}

// New creates a collector. The sampling interval and grace period must
// parse to positive durations.
func New(gw model.Gateway, store *metrics.Store, graph *topology.Graph, opts Options) (*Collector, error) {
	interval, err := time.ParseDuration(opts.SamplingInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid sampling_interval: %w", err)
	}
	staleAfter, err := time.ParseDuration(opts.StaleAfter)
	if err != nil {
		return nil, fmt.Errorf("invalid stale_after: %w", err)
	}
	requestTimeout, err := time.ParseDuration(opts.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid request_timeout: %w", err)
	}
	if interval <= 0 || staleAfter <= 0 || requestTimeout <= 0 {
		return nil, fmt.Errorf("telemetry durations must be positive")
	}

	return &Collector{
		gateway:        gw,
		store:          store,
		graph:          graph,
		interval:       interval,
		staleAfter:     staleAfter,
		requestTimeout: requestTimeout,
		inFlight:       make(map[model.DPID]bool),
		stopChan:       make(chan struct{}),
	}, nil
}

// Start launches the polling loop.
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.run()
	log.Printf("collector started: interval=%s stale_after=%s", c.interval, c.staleAfter)
}

// Stop halts the loop and waits for outstanding polls to return or time
// out.
func (c *Collector) Stop() {
	close(c.stopChan)
	c.wg.Wait()
	log.Println("collector stopped")
}

func (c *Collector) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) tick() {
	for _, dpid := range c.graph.SwitchIDs() {
		if !c.beginPoll(dpid) {
			continue // previous poll for this switch still outstanding
		}
		c.wg.Add(1)
		go func(dpid model.DPID) {
			defer c.wg.Done()
			defer c.endPoll(dpid)
			c.pollSwitch(dpid)
		}(dpid)
	}

	if marked := c.store.MarkStaleBefore(time.Now().Add(-c.staleAfter)); len(marked) > 0 {
		for _, id := range marked {
			log.Printf("collector: link %s marked stale, excluded from routing", id)
		}
	}
}

func (c *Collector) beginPoll(dpid model.DPID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[dpid] {
		return false
	}
	c.inFlight[dpid] = true
	return true
}

func (c *Collector) endPoll(dpid model.DPID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, dpid)
}

func (c *Collector) pollSwitch(dpid model.DPID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
	defer cancel()

	report, err := c.gateway.PortStats(ctx, dpid)
	if err != nil {
		// Absorbed: the switch's links keep their last metrics until the
		// grace period expires.
		if errors.Is(err, model.ErrGatewayTimeout) {
			log.Printf("collector: port-stats timeout for switch %s", dpid)
		} else {
			log.Printf("collector: port-stats for switch %s failed: %v", dpid, err)
		}
		return
	}

	for _, stat := range report.Stats {
		link, ok := c.graph.LinkByPort(dpid, stat.Port)
		if !ok {
			continue // host-facing port, no link metric to update
		}
		if err := c.store.RecordSample(link, stat.TxBytes, stat.Timestamp); err != nil {
			if errors.Is(err, metrics.ErrStaleSample) {
				log.Printf("collector: dropped stale sample for link %s", link)
				continue
			}
			log.Printf("collector: sample for link %s rejected: %v", link, err)
		}
	}
}
