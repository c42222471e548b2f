// Package main implements the replication slave daemon: it keeps a local
// key-value store in sync with a master's replication stream and serves
// read queries while the link is healthy.
//
// The slave is the failover-aware half of master/slave replication,
// responsible for:
//   - Streaming replicated operations into its local store
//   - Reconnecting with exponential backoff when the master goes away
//   - Giving up on a flapping master until an operator intervenes
//   - Exposing administrative controls to reset failover state or
//     redirect replication to a new master at runtime
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Slave                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /health       - Health check         │
//	│    /control      - Administrative cmds  │
//	│    /data/{key}   - Read queries         │
//	│    /info         - Slave status         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    replication.Slave - Run loop         │
//	│    control.Registry  - Admin commands   │
//	│    storage.Store     - Local replica    │
//	└─────────────────────────────────────────┘
//
// Configuration:
//   - SLAVE_ID: Slave identifier (default: generated)
//   - SLAVE_LISTEN: Listen address (default: ":8091")
//   - MASTER_ADDR: Master host:port (required)
//   - FAILOVER_SCRIPT: Script run on connectivity transitions (optional)
//
// Example usage:
//
//	# Start slave
//	MASTER_ADDR=db1.example.com:8090 \
//	SLAVE_LISTEN=:8091 \
//	./slave
//
//	# Redirect to a different master at runtime
//	curl -X POST localhost:8091/control \
//	  -d '{"command":"new_master","args":["db2.example.com","8090"]}'
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hakiado/rethinkdb/internal/cluster"
	"github.com/hakiado/rethinkdb/internal/control"
	"github.com/hakiado/rethinkdb/internal/replication"
	"github.com/hakiado/rethinkdb/internal/storage"
)

// server holds the slave daemon's HTTP surface: read queries gated on the
// replication state, administrative command dispatch, and status.
type server struct {
	id       string
	slave    *replication.Slave
	store    storage.Store
	registry *control.Registry
	logger   zerolog.Logger
}

// handleControl dispatches an administrative command and returns its status
// string.
//
// Endpoint: POST /control
// Body: {"command": "new_master", "args": ["db2.example.com", "8090"]}
//
// Responses:
//   - 200 OK: Command ran; body carries its status string
//   - 400 Bad Request: Malformed JSON or missing command name
//   - 404 Not Found: Unknown command
//   - 405 Method Not Allowed: Non-POST request
//
// Note a command that rejects its arguments still responds 200: validation
// failures are normal command output, delivered in the status string.
func (s *server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cluster.ControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "missing command", http.StatusBadRequest)
		return
	}

	status, err := s.registry.Run(req.Command, req.Args)
	if err != nil {
		if errors.Is(err, control.ErrUnknownCommand) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("command", req.Command).Strs("args", req.Args).
		Str("status", status).Msg("administrative command")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.ControlResponse{Status: status})
}

// handleData serves read queries from the local replica.
//
// Endpoint: GET /data/{key}
//
// Responses:
//   - 200 OK: Value bytes
//   - 404 Not Found: Key does not exist
//   - 503 Service Unavailable: Master unreachable; replica may be stale
//   - 405 Method Not Allowed: Writes belong on the master
//
// The 503 gate is the respond_to_queries flag: a slave out of contact with
// its master refuses reads rather than serving data of unknown staleness.
func (s *server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "writes must go to the master", http.StatusMethodNotAllowed)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/data/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	if !s.slave.RespondsToQueries() {
		http.Error(w, "not serving queries: master unreachable", http.StatusServiceUnavailable)
		return
	}

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
}

// slaveInfo is the /info response document.
type slaveInfo struct {
	ID               string        `json:"id"`
	State            string        `json:"state"`
	Master           string        `json:"master"`
	RespondToQueries bool          `json:"respond_to_queries"`
	LastApplied      uint64        `json:"last_applied"`
	Keys             int           `json:"keys"`
	Bytes            int           `json:"bytes"`
	Commands         []commandInfo `json:"commands"`
}

type commandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleInfo reports the slave's replication status for monitoring: the
// connectivity state, current master, stream position and store size, plus
// the administrative commands available.
func (s *server) handleInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()

	info := slaveInfo{
		ID:               s.id,
		State:            string(s.slave.State()),
		Master:           s.slave.MasterAddr(),
		RespondToQueries: s.slave.RespondsToQueries(),
		LastApplied:      s.slave.LastApplied(),
		Keys:             stats.Keys,
		Bytes:            stats.Bytes,
	}
	for _, cmd := range s.registry.List() {
		info.Commands = append(info.Commands, commandInfo{Name: cmd.Name, Description: cmd.Description})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "slave").Logger()

	id := getenv("SLAVE_ID", "slave-"+uuid.NewString()[:8])
	listen := getenv("SLAVE_LISTEN", ":8091")
	masterAddr := mustGetenv(logger, "MASTER_ADDR")
	failoverScript := os.Getenv("FAILOVER_SCRIPT")

	host, portStr, err := net.SplitHostPort(masterAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", masterAddr).Msg("MASTER_ADDR must be host:port")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", masterAddr).Msg("MASTER_ADDR port must be numeric")
	}

	store := storage.NewMemoryStore()
	slave := replication.NewSlave(store,
		replication.Config{MasterHost: host, MasterPort: port},
		replication.FailoverConfig{Enabled: failoverScript != "", Script: failoverScript},
		replication.NewWebsocketClient,
		logger,
	)

	registry := control.NewRegistry()
	for _, cmd := range slave.Commands() {
		if err := registry.Register(cmd); err != nil {
			logger.Fatal().Err(err).Msg("failed to register administrative command")
		}
	}

	srv := &server{id: id, slave: slave, store: store, registry: registry, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/control", srv.handleControl)
	mux.HandleFunc("/data/", srv.handleData)
	mux.HandleFunc("/info", srv.handleInfo)

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("id", id).Str("listen", listen).Str("master", masterAddr).
			Msg("slave listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("listen failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	// The controls point into the slave; they must stop dispatching before
	// the slave is torn down.
	for _, cmd := range slave.Commands() {
		registry.Deregister(cmd.Name)
	}
	slave.Close()

	logger.Info().Msg("slave stopped")
}

// getenv returns the environment value for key, or def if unset.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// mustGetenv returns the environment value for key or exits the process.
func mustGetenv(logger zerolog.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal().Str("var", key).Msg("required environment variable is not set")
	}
	return v
}
