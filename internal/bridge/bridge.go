// Package bridge provides the real-time WebSocket fan-out for sync activity.
//
// The bridge broadcasts identifier reconciliations, mutation rejections,
// cycle reports, and periodic queue statistics to connected presentation
// clients, so an embedding UI can reflect sync state without polling the
// store itself.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mkallio/tracksync/internal/drain"
	"github.com/mkallio/tracksync/internal/events"
	"github.com/mkallio/tracksync/internal/mutation"
	"github.com/mkallio/tracksync/internal/record"
	"github.com/mkallio/tracksync/internal/store"
)

// MessageType defines the type of bridge message.
type MessageType string

const (
	// MessageTypeReconciliation announces a client→server id rename.
	MessageTypeReconciliation MessageType = "reconciliation"

	// MessageTypeRejection announces a permanently refused mutation.
	MessageTypeRejection MessageType = "rejection"

	// MessageTypeDrainReport carries one sample drain cycle summary.
	MessageTypeDrainReport MessageType = "drain_report"

	// MessageTypeDispatchReport carries one mutation dispatch cycle summary.
	MessageTypeDispatchReport MessageType = "dispatch_report"

	// MessageTypeStats carries periodic queue statistics.
	MessageTypeStats MessageType = "stats"
)

// Message represents a bridge broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsData is the periodic statistics payload.
type StatsData struct {
	Samples   *store.QueueStats    `json:"samples"`
	Mutations *store.MutationStats `json:"mutations"`
	// PendingTrackMeters is the length of the track still waiting to be
	// delivered, summed over pending fixes in capture order.
	PendingTrackMeters float64 `json:"pending_track_meters"`
	// Suspended reports whether the drain engine has backed off after
	// consecutive failures.
	Suspended bool `json:"suspended"`
}

// Server manages WebSocket connections and broadcasts sync activity.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	st    *store.Store
	drain *drain.Engine

	statsInterval time.Duration

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Server is a bus observer; engines reach it only through that interface.
var _ events.Observer = (*Server)(nil)

// Config holds bridge configuration.
type Config struct {
	// Port to listen on. Zero asks the kernel for a free port, which
	// GetAddr then reports.
	Port int

	// Store backs the periodic statistics pushes. Required.
	Store *store.Store

	// Drain, when set, contributes the suspension flag to stats.
	Drain *drain.Engine

	// StatsInterval is how often statistics are pushed (default: 5s)
	StatsInterval time.Duration

	// Logger for bridge activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:          8080,
		StatsInterval: 5 * time.Second,
		Logger:        log.New(os.Stderr, "[bridge] ", log.LstdFlags),
	}
}

// NewServer creates a bridge server.
func NewServer(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}

	def := DefaultConfig()
	if config.StatsInterval <= 0 {
		config.StatsInterval = def.StatsInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:          fmt.Sprintf(":%d", config.Port),
		st:            config.Store,
		drain:         config.Drain,
		statsInterval: config.StatsInterval,
		clients:       make(map[*websocket.Conn]bool),
		broadcast:     make(chan Message, 100),
		ctx:           ctx,
		cancel:        cancel,
		logger:        config.Logger,
	}, nil
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go s.statsLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Bridge listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the bridge.
func (s *Server) Stop() error {
	s.logger.Println("Stopping bridge")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()

	s.logger.Println("Bridge stopped")
	return nil
}

// EntityReconciled implements events.Observer.
func (s *Server) EntityReconciled(ev events.Reconciliation) {
	s.broadcastJSON(MessageTypeReconciliation, ev)
}

// MutationRejected implements events.Observer.
func (s *Server) MutationRejected(ev events.Rejection) {
	s.broadcastJSON(MessageTypeRejection, ev)
}

// DrainReport forwards a sample drain cycle summary. Skipped cycles are
// not broadcast; they carry nothing a client can display.
func (s *Server) DrainReport(r *drain.Report) {
	if r.Skipped {
		return
	}
	s.broadcastJSON(MessageTypeDrainReport, r)
}

// DispatchReport forwards a mutation dispatch cycle summary.
func (s *Server) DispatchReport(r *mutation.Report) {
	if r.Skipped {
		return
	}
	s.broadcastJSON(MessageTypeDispatchReport, r)
}

// Broadcast sends a message to all connected clients.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastJSON marshals a payload into a typed broadcast message.
func (s *Server) broadcastJSON(t MessageType, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Printf("Failed to marshal %s payload: %v", t, err)
		return
	}
	s.Broadcast(Message{Type: t, Timestamp: time.Now().UTC(), Data: data})
}

// broadcastLoop handles message delivery to all clients.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the lock so a slow client cannot block
			// connects and disconnects.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// statsLoop pushes queue statistics on a timer while clients are
// connected. No clients, no store polling.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			if s.ClientCount() == 0 {
				continue
			}
			stats, err := s.collectStats(s.ctx)
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Printf("Failed to collect stats: %v", err)
				}
				continue
			}
			s.broadcastJSON(MessageTypeStats, stats)
		}
	}
}

// collectStats assembles the periodic statistics payload.
func (s *Server) collectStats(ctx context.Context) (*StatsData, error) {
	qs, err := s.st.GetQueueStatsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	ms, err := s.st.GetMutationStatsContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation stats: %w", err)
	}

	stats := &StatsData{Samples: qs, Mutations: ms}

	if qs.Pending > 0 {
		pending, err := s.st.ListSamplesContext(ctx, store.SampleFilter{State: record.SamplePending})
		if err != nil {
			return nil, fmt.Errorf("failed to list pending samples: %w", err)
		}
		stats.PendingTrackMeters = record.TrackDistanceMeters(pending)
	}
	if s.drain != nil {
		stats.Suspended = s.drain.Suspended()
	}
	return stats, nil
}

// handleWebSocket upgrades HTTP connections to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local bridge, any origin may read
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	// Greet with a statistics snapshot so the client renders current
	// state before the first timer push.
	welcome := Message{Type: MessageTypeStats, Timestamp: time.Now().UTC()}
	if stats, err := s.collectStats(r.Context()); err == nil {
		if data, err := json.Marshal(stats); err == nil {
			welcome.Data = data
		}
	}
	welcomeData, _ := json.Marshal(welcome)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, welcomeData)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and handles client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		// Client messages are not processed; the bridge only pushes.
	}
}

// removeClient safely removes a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns bridge health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic bridge information.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Tracksync Bridge</title>
</head>
<body>
    <h1>Tracksync Push Bridge</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive sync events, cycle reports, and queue statistics.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the bridge's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
