// Package server exposes the HTTP API: location management, job inspection
// and control, event queries, and live result streaming.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"peakalign/internal/geo"
	"peakalign/internal/metrics"
	"peakalign/internal/queue"
	"peakalign/internal/scheduler"
	"peakalign/internal/storage"
)

// Server wraps the HTTP API over the store, queue and worker pool.
type Server struct {
	addr       string
	store      *storage.Store
	queue      *queue.Queue
	pool       *scheduler.Pool
	metrics    *metrics.Metrics
	peak       geo.Point
	yearsAhead int
	log        *slog.Logger
	server     *http.Server
	upgrader   websocket.Upgrader
	hub        *wsHub
}

// NewServer creates a server. peak is the target every location is derived
// against; yearsAhead sizes the default recompute range for new locations.
func NewServer(addr string, store *storage.Store, q *queue.Queue, pool *scheduler.Pool,
	mets *metrics.Metrics, peak geo.Point, yearsAhead int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if yearsAhead < 1 {
		yearsAhead = 1
	}
	return &Server{
		addr:       addr,
		store:      store,
		queue:      q,
		pool:       pool,
		metrics:    mets,
		peak:       peak,
		yearsAhead: yearsAhead,
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: newWSHub(log),
	}
}

// Router builds the route table. Split out so tests can drive handlers
// through httptest without binding a port.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/api/jobs/{id}/cancel", s.handleCancelJob).Methods("POST")
	r.HandleFunc("/api/jobs/{id}/requeue", s.handleRequeueJob).Methods("POST")

	r.HandleFunc("/api/locations", s.handleListLocations).Methods("GET")
	r.HandleFunc("/api/locations", s.handleCreateLocation).Methods("POST")
	r.HandleFunc("/api/locations/{id}", s.handleGetLocation).Methods("GET")
	r.HandleFunc("/api/locations/{id}", s.handleUpdateLocation).Methods("PUT")
	r.HandleFunc("/api/locations/{id}", s.handleDeleteLocation).Methods("DELETE")
	r.HandleFunc("/api/locations/{id}/events", s.handleLocationEvents).Methods("GET")
	r.HandleFunc("/api/locations/{id}/recompute", s.handleRecomputeLocation).Methods("POST")

	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
	return r
}

// Start begins serving and blocks until the context ends.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.feedHub(ctx)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleJobStream pushes job results over SSE until the client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pool.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// feedHub forwards pool results into the websocket hub.
func (s *Server) feedHub(ctx context.Context) {
	resCh, unsubscribe := s.pool.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			if payload, err := json.Marshal(res); err == nil {
				s.hub.broadcast <- payload
			}
		}
	}
}

type wsHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	log        *slog.Logger
}

func newWSHub(log *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		log:        log,
	}
}

func (h *wsHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "total", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "total", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
