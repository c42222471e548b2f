// Package main implements the replication master daemon: the authoritative
// store that accepts writes and streams every committed operation to its
// connected slaves.
//
// The master is the simple half of master/slave replication. It never
// retries, backs off, or fails over; slaves carry all of that machinery.
// Its responsibilities are:
//   - Serving reads and writes against the authoritative store
//   - Broadcasting each write to every connected slave, in order
//   - Accepting slave stream connections at any time
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Master                   │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health              - Health check  │
//	│    /replication/stream  - Slave uplink  │
//	│    /data/{key}          - Reads/writes  │
//	│    /info                - Master status │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    replication.Sender - Slave fan-out   │
//	│    storage.Store      - Authority       │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - MASTER_ID: Master identifier (default: generated)
//   - MASTER_LISTEN: Listen address (default: ":8090")
//
// Example usage:
//
//	# Start master
//	MASTER_LISTEN=:8090 ./master
//
//	# Write a key (replicated to all slaves)
//	curl -X PUT localhost:8090/data/user:1 -d 'alice'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hakiado/rethinkdb/internal/cluster"
	"github.com/hakiado/rethinkdb/internal/replication"
	"github.com/hakiado/rethinkdb/internal/storage"
)

// server holds the master daemon's HTTP surface: the data API, the slave
// stream endpoint, and status.
type server struct {
	id     string
	store  storage.Store
	sender *replication.Sender
	logger zerolog.Logger
}

// handleData serves the authoritative data API.
//
// Endpoints:
//   - GET /data/{key}: Read a value
//   - PUT /data/{key}: Write a value (body) and replicate it
//   - DELETE /data/{key}: Delete a key and replicate the deletion
//
// Writes broadcast to the slaves after the local store commits, so a slave
// can never hold an operation its master does not.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, err := s.store.Get(key)
		if err != nil {
			if errors.Is(err, storage.ErrKeyNotFound) {
				http.Error(w, "key not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(value)

	case http.MethodPut:
		value, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := s.store.Put(key, value); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		op := s.sender.Broadcast(cluster.OpPut, key, value)
		s.logger.Debug().Str("key", key).Uint64("seq", op.Seq).Msg("put replicated")
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		// Delete is idempotent; removing an absent key still broadcasts, so
		// slaves that saw the key converge.
		if err := s.store.Delete(key); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		op := s.sender.Broadcast(cluster.OpDelete, key, nil)
		s.logger.Debug().Str("key", key).Uint64("seq", op.Seq).Msg("delete replicated")
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// masterInfo is the /info response document.
type masterInfo struct {
	ID      string `json:"id"`
	Slaves  int    `json:"slaves"`
	LastSeq uint64 `json:"last_seq"`
	Keys    int    `json:"keys"`
	Bytes   int    `json:"bytes"`
}

// handleInfo reports the master's replication status for monitoring: the
// number of connected slaves, the stream position, and the store size.
func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(masterInfo{
		ID:      s.id,
		Slaves:  s.sender.SlaveCount(),
		LastSeq: s.sender.LastSeq(),
		Keys:    stats.Keys,
		Bytes:   stats.Bytes,
	})
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "master").Logger()

	id := getenv("MASTER_ID", "master-"+uuid.NewString()[:8])
	listen := getenv("MASTER_LISTEN", ":8090")

	store := storage.NewMemoryStore()
	sender := replication.NewSender(logger)

	srv := &server{id: id, store: store, sender: sender, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(replication.StreamPath, sender.HandleStream)
	mux.HandleFunc("/data/", srv.handleData)
	mux.HandleFunc("/info", srv.handleInfo)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("id", id).Str("listen", listen).Msg("master listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Dropping the slave streams first lets them start their reconnect
	// cycles while the HTTP server drains.
	sender.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("master stopped")
}

// getenv returns the environment value for key, or def if unset.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
