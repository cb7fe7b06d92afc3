package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"NetSteer/internal/config"
	"NetSteer/internal/query"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	listenAddr := flag.String("listen", ":8081", "query API listen address")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if !cfg.Journal.Enabled {
		log.Fatalf("Journal is disabled in config. Query server cannot start.")
	}

	querier, err := query.NewClickHouseQuerier(cfg.Journal.ClickHouse)
	if err != nil {
		log.Fatalf("Failed to create querier: %v", err)
	}

	handler := &queryHandler{querier: querier}

	r := mux.NewRouter()
	r.HandleFunc("/api/v1/flows/{key}/history", handler.flowHistoryHandler).Methods("GET")
	r.HandleFunc("/api/v1/events/counts", handler.eventCountsHandler).Methods("GET")

	server := &http.Server{Addr: *listenAddr, Handler: r}

	go func() {
		log.Printf("Query API server starting on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Query API server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Query API server exited.")
}

// queryHandler holds the dependencies for query API handlers.
type queryHandler struct {
	querier query.Querier
}

func (h *queryHandler) flowHistoryHandler(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	rows, err := h.querier.FlowHistory(r.Context(), key, limit)
	if err != nil {
		http.Error(w, "failed to query flow history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (h *queryHandler) eventCountsHandler(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since parameter, want RFC3339", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	counts, err := h.querier.EventCounts(r.Context(), since)
	if err != nil {
		http.Error(w, "failed to query event counts: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, counts)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}
