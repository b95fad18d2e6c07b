// Package main runs the huginn active engine as a small HTTP daemon.
//
// Endpoints:
//   - GET  /search?tenant=&q=&mode=&top_k=     ranked retrieval with explain
//   - POST /refresh?tenant=&node=&force=       enqueue (or force) a refresh
//   - POST /reset?tenant=&node=                clear a terminal embedding failure
//   - GET  /drift-trend?tenant=&since=&limit=  drift samples over time
//   - GET  /stats                              scheduler counters
//
// Usage:
//
//	go run ./cmd/huginnd
//	# or
//	go build -o huginnd ./cmd/huginnd
//	HUGINN_DATA_DIR=/var/lib/huginn ./huginnd
//
// All tuning comes from HUGINN_* environment variables; -addr overrides
// the listen address.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/orneryd/huginn/pkg/config"
	"github.com/orneryd/huginn/pkg/huginn"
	"github.com/orneryd/huginn/pkg/search"
	"github.com/orneryd/huginn/pkg/storage"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides HUGINN_LISTEN_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("huginnd: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := huginn.Open(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("huginnd: %v", err)
	}
	defer db.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/search", handleSearch(db))
	mux.HandleFunc("/refresh", handleRefresh(db))
	mux.HandleFunc("/reset", handleReset(db))
	mux.HandleFunc("/drift-trend", handleDriftTrend(db))
	mux.HandleFunc("/stats", handleStats(db))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("huginnd: listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("huginnd: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("huginnd: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("huginnd: shutdown: %v", err)
	}
}

func handleSearch(db *huginn.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		query := r.URL.Query().Get("q")
		if tenant == "" || query == "" {
			http.Error(w, "tenant and q are required", http.StatusBadRequest)
			return
		}
		mode, err := search.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		topK, _ := strconv.Atoi(r.URL.Query().Get("top_k"))

		results, err := db.Search(r.Context(), tenant, query, topK, mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"results": results})
	}
}

func handleRefresh(db *huginn.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		tenant := r.URL.Query().Get("tenant")
		node := r.URL.Query().Get("node")
		if tenant == "" || node == "" {
			http.Error(w, "tenant and node are required", http.StatusBadRequest)
			return
		}
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

		if !db.EnqueueRefresh(tenant, storage.NodeID(node), force) {
			http.Error(w, "refresh queue full, retry later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, map[string]any{"enqueued": true, "force": force})
	}
}

func handleReset(db *huginn.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		tenant := r.URL.Query().Get("tenant")
		node := r.URL.Query().Get("node")
		if tenant == "" || node == "" {
			http.Error(w, "tenant and node are required", http.StatusBadRequest)
			return
		}
		if err := db.ResetEmbedding(tenant, storage.NodeID(node)); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]any{"reset": true})
	}
}

func handleDriftTrend(db *huginn.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			http.Error(w, "tenant is required", http.StatusBadRequest)
			return
		}
		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				http.Error(w, "since must be RFC3339", http.StatusBadRequest)
				return
			}
			since = parsed
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		points, err := db.DriftTrend(tenant, since, time.Now().UTC(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"points": points})
	}
}

func handleStats(db *huginn.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, db.Stats())
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("huginnd: write response: %v", err)
	}
}
