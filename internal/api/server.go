// Package api serves the live operator HTTP API: read-only views of the
// topology, link metrics and flow table, plus a flow-table flush.
package api

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"NetSteer/internal/flowmgr"
	"NetSteer/internal/metrics"
	"NetSteer/internal/model"
	"NetSteer/internal/topology"
	"NetSteer/pkg/mm1k"
)

// Server hosts the operator API.
type Server struct {
	graph   *topology.Graph
	store   *metrics.Store
	manager *flowmgr.Manager
	server  *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(listenAddr string, graph *topology.Graph, store *metrics.Store, manager *flowmgr.Manager) *Server {
	s := &Server{graph: graph, store: store, manager: manager}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/topology", s.topologyHandler).Methods("GET")
	r.HandleFunc("/api/v1/links", s.linksHandler).Methods("GET")
	r.HandleFunc("/api/v1/flows", s.flowsHandler).Methods("GET")
	r.HandleFunc("/api/v1/flows/flush", s.flushHandler).Methods("POST")

	s.server = &http.Server{Addr: listenAddr, Handler: r}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		log.Printf("api: server starting on %s", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("api: server failed: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		log.Printf("api: shutdown: %v", err)
	}
}

type topologyResponse struct {
	Switches []model.DPID   `json:"switches"`
	Links    []model.LinkID `json:"links"`
}

func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, topologyResponse{
		Switches: s.graph.SwitchIDs(),
		Links:    s.graph.LinkIDs(),
	})
}

type linkView struct {
	Link         model.LinkID `json:"link"`
	CapacityBps  uint64       `json:"capacity_bps"`
	Utilization  float64      `json:"utilization"`
	DelaySeconds float64      `json:"delay_seconds"`
	LossProb     float64      `json:"loss_probability"`
	Sampled      bool         `json:"sampled"`
	Stale        bool         `json:"stale"`
	LastSample   time.Time    `json:"last_sample"`
}

func (s *Server) linksHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.graph.Snapshot()
	views := make([]linkView, 0)
	for _, dpid := range s.graph.SwitchIDs() {
		for _, edge := range snap.Adjacency[dpid] {
			m, ok := s.store.Read(edge.Link)
			if !ok {
				continue
			}
			delay := edge.Weight
			if math.IsInf(delay, 1) {
				delay = -1 // stale links have no usable delay
			}
			var loss float64
			if m.Sampled {
				var err error
				loss, err = mm1k.Blocking(m.Utilization, m.Params.QueueCapacity)
				if err != nil {
					// Store-side clamping makes this unreachable.
					log.Printf("api: loss model rejected link %s: %v", edge.Link, err)
				}
			}
			views = append(views, linkView{
				Link:         edge.Link,
				CapacityBps:  m.Params.CapacityBps,
				Utilization:  m.Utilization,
				DelaySeconds: delay,
				LossProb:     loss,
				Sampled:      m.Sampled,
				Stale:        m.Stale,
				LastSample:   m.LastSample,
			})
		}
	}
	writeJSON(w, views)
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.manager.Records())
}

func (s *Server) flushHandler(w http.ResponseWriter, r *http.Request) {
	n := s.manager.Flush()
	writeJSON(w, map[string]int{"flushed": n})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}
