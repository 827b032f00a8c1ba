// Package api serves a live model over HTTP.
// GET endpoints are public (read-only observation).
// POST endpoints and the row stream require bearer tokens.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"

	"github.com/talgya/covidsim/internal/agents"
	"github.com/talgya/covidsim/internal/checkpoint"
	"github.com/talgya/covidsim/internal/engine"
	"github.com/talgya/covidsim/internal/persistence"
)

const (
	maxStreamConns = 4
	historyLimit   = 2048
	streamBuffer   = 64
)

// Server serves one engine's model over HTTP.
type Server struct {
	Eng       *engine.Engine
	DB        *persistence.DB // optional run index
	RunID     string
	Location  string
	Port      int
	AdminKey  string // Bearer token for POST endpoints. Empty = POST disabled.
	StreamKey string // Bearer token for the websocket stream. Empty = streaming disabled.

	CheckpointDir    string
	CheckpointFormat string

	names []string

	mu      sync.RWMutex
	history []engine.Row // ring of the latest rows, oldest first

	subMu   sync.Mutex
	subs    map[uint64]chan []byte
	nextSub uint64

	streamConns int32
	upgrader    websocket.Upgrader
	srv         *http.Server
}

// NewServer prepares a server for eng. Wire Observe into the engine's OnRow
// so collected rows reach the history and the stream.
func NewServer(eng *engine.Engine) *Server {
	s := &Server{
		Eng:  eng,
		subs: make(map[uint64]chan []byte),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	eng.View(func(m *engine.Model) { s.names = m.Registry().Names() })
	return s
}

// Observe records a collected row and fans it out to stream subscribers.
// It runs on the engine goroutine and never blocks on slow clients.
func (s *Server) Observe(row engine.Row) {
	s.mu.Lock()
	if len(s.history) == historyLimit {
		copy(s.history, s.history[1:])
		s.history = s.history[:historyLimit-1]
	}
	s.history = append(s.history, row)
	s.mu.Unlock()

	b, err := json.Marshal(s.rowJSON(row))
	if err != nil {
		slog.Warn("encode row for stream", "step", row.Step, "error", err)
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- b:
		default:
			// Slow client; it misses this row.
		}
	}
}

type rowView struct {
	Iteration int                `json:"iteration"`
	Step      int                `json:"step"`
	Values    map[string]float64 `json:"values"`
}

func (s *Server) rowJSON(row engine.Row) rowView {
	v := rowView{Iteration: row.Iteration, Step: row.Step, Values: make(map[string]float64, len(s.names))}
	for i, name := range s.names {
		if i < len(row.Values) {
			v.Values[name] = row.Values[i]
		}
	}
	return v
}

// Handler returns the routed API with CORS applied.
func (s *Server) Handler() http.Handler {
	checkpointLimiter := NewRateLimiter(6, time.Minute)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/reporters", s.handleReporters)
	mux.HandleFunc("/api/v1/history", s.handleHistory)
	mux.HandleFunc("/api/v1/grid", s.handleGrid)
	mux.HandleFunc("/api/v1/runs", s.handleRuns)

	mux.HandleFunc("/api/v1/ws", s.handleStream)

	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/checkpoint", s.adminOnly(RateLimitMiddleware(checkpointLimiter, s.handleCheckpoint)))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "", "stream_auth", s.StreamKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the listener and closes stream subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed dashboard origins.
// CORS_ORIGINS adds a comma-separated list to the localhost defaults.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
		"http://localhost:8080": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearer(r *http.Request, key string) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == key
	}
	return false
}

// adminOnly requires the admin bearer token on POST requests.
// GET requests pass through for endpoints that support both.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no admin key set)", http.StatusForbidden)
				return
			}
			if !bearer(r, s.AdminKey) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var status map[string]any
	s.Eng.View(func(m *engine.Model) {
		alive := 0
		for _, a := range m.Agents {
			if a.Alive() {
				alive++
			}
		}
		status = map[string]any{
			"run_id":    s.RunID,
			"location":  s.Location,
			"iteration": m.Iteration,
			"step":      m.State.StepNo,
			"day":       m.Day(),
			"sim_time":  engine.SimTime(m.State.StepNo),
			"agents":    len(m.Agents),
			"alive":     alive,
			"beds":      fmt.Sprintf("%d/%d", m.State.BedCount, m.State.MaxBeds),
			"variants":  m.Variants().Names(),
			"tracing":   m.State.Tracing,
			"vaccines":  m.State.VaccineInventory,
		}
	})
	status["speed"] = s.Eng.Speed()
	status["running"] = s.Eng.Running()
	writeJSON(w, status)
}

// handleReporters returns the latest collected row keyed by reporter name.
func (s *Server) handleReporters(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.history)
	var row engine.Row
	if n > 0 {
		row = s.history[n-1]
	}
	s.mu.RUnlock()
	if n == 0 {
		http.Error(w, "no rows collected yet", http.StatusNotFound)
		return
	}
	writeJSON(w, s.rowJSON(row))
}

// handleHistory returns recent rows. ?name= selects one reporter as a series,
// ?limit= caps the number of rows (latest kept).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := historyLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v < limit {
			limit = v
		}
	}

	s.mu.RLock()
	rows := s.history
	if len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	rows = append([]engine.Row(nil), rows...)
	s.mu.RUnlock()

	name := r.URL.Query().Get("name")
	if name == "" {
		out := make([]rowView, len(rows))
		for i, row := range rows {
			out[i] = s.rowJSON(row)
		}
		writeJSON(w, out)
		return
	}

	idx := -1
	for i, n := range s.names {
		if n == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		http.Error(w, fmt.Sprintf("unknown reporter %q", name), http.StatusNotFound)
		return
	}
	type point struct {
		Step  int     `json:"step"`
		Value float64 `json:"value"`
	}
	series := make([]point, 0, len(rows))
	for _, row := range rows {
		series = append(series, point{Step: row.Step, Value: row.Values[idx]})
	}
	writeJSON(w, map[string]any{"name": name, "points": series})
}

// handleGrid returns per-cell stage counts for occupied cells.
func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	type cellEntry struct {
		X      int            `json:"x"`
		Y      int            `json:"y"`
		Stages map[string]int `json:"stages"`
	}
	var (
		width, height int
		cells         []cellEntry
	)
	s.Eng.View(func(m *engine.Model) {
		width, height = m.Grid.Width, m.Grid.Height
		for _, cl := range m.Grid.Occupancy() {
			e := cellEntry{X: cl.Pos.X, Y: cl.Pos.Y, Stages: make(map[string]int)}
			for _, id := range cl.IDs {
				if a, ok := m.Agent(agents.AgentID(id)); ok {
					e.Stages[a.Stage.String()]++
				}
			}
			cells = append(cells, e)
		}
	})
	if cells == nil {
		cells = []cellEntry{}
	}
	writeJSON(w, map[string]any{"width": width, "height": height, "cells": cells})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 500 {
			limit = v
		}
	}
	runs, err := s.DB.Runs(limit)
	if err != nil {
		slog.Error("runs query failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []persistence.Run{}
	}
	writeJSON(w, runs)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		if err := s.Eng.SetSpeed(req.Speed); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Info("speed changed", "speed", req.Speed)
	}
	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

// handleCheckpoint writes a checkpoint of the live model between ticks.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.CheckpointDir == "" {
		http.Error(w, "checkpoint directory not configured", http.StatusServiceUnavailable)
		return
	}

	var (
		snap *engine.Snapshot
		err  error
	)
	err = s.Eng.Update(func(m *engine.Model) (err error) {
		snap, err = m.Snapshot()
		return err
	})
	if err != nil {
		slog.Error("snapshot failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}
	path, size, err := checkpoint.Save(s.CheckpointDir, s.CheckpointFormat, s.RunID, snap)
	if err != nil {
		slog.Error("checkpoint write failed", "error", err)
		http.Error(w, "checkpoint failed", http.StatusInternalServerError)
		return
	}
	if s.DB != nil {
		err := s.DB.RecordCheckpoint(persistence.Checkpoint{
			RunID: s.RunID, Iteration: snap.Iteration, Step: snap.State.StepNo, Path: path, Bytes: size,
		})
		if err != nil {
			slog.Warn("index checkpoint", "error", err)
		}
	}
	slog.Info("checkpoint written", "step", snap.State.StepNo, "path", path, "size", humanize.Bytes(uint64(size)))

	writeJSON(w, map[string]any{
		"step":  snap.State.StepNo,
		"path":  path,
		"bytes": size,
	})
}

func (s *Server) subscribe() (uint64, chan []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextSub++
	ch := make(chan []byte, streamBuffer)
	s.subs[s.nextSub] = ch
	return s.nextSub, ch
}

func (s *Server) unsubscribe(id uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// handleStream upgrades to a websocket and pushes every collected row as JSON.
// Browsers cannot set headers on websocket requests, so ?token= is accepted
// in place of the Authorization header.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.StreamKey == "" {
		http.Error(w, "streaming disabled (no stream key)", http.StatusForbidden)
		return
	}
	if !bearer(r, s.StreamKey) && r.URL.Query().Get("token") != s.StreamKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	current := atomic.AddInt32(&s.streamConns, 1)
	defer atomic.AddInt32(&s.streamConns, -1)
	if current > maxStreamConns {
		http.Error(w, "too many stream connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, ch := s.subscribe()
	defer s.unsubscribe(id)
	slog.Info("stream client connected", "sub_id", id)

	// Reader: only to notice the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()
	for {
		select {
		case b, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-gone:
			slog.Info("stream client disconnected", "sub_id", id)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		slog.Warn("encode response", "error", err)
	}
}
