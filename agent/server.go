// Package agent exposes a running presentation session to companion
// apps on the local network: a WebSocket endpoint that relays command
// APDUs from a phone's HCE service into the NFC dispatcher and streams
// presentation states back, advertised over mDNS so companions can
// discover the agent without configuration.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/spruceid/mdoc-proximity/buildinfo"
	"github.com/spruceid/mdoc-proximity/hce"
	"github.com/spruceid/mdoc-proximity/session"
)

// mDNS registration parameters.
const (
	MDNSServiceType = "_mdoc-agent._tcp"
	MDNSDomain      = "local."
)

// Config configures the agent server.
type Config struct {
	// Port to listen on.
	Port int

	// Dispatcher receives APDUs relayed over the WebSocket.
	Dispatcher *hce.Dispatcher

	// Session is the presentation session whose states are streamed to
	// connected companions.
	Session *session.Session
}

// StateMessage is the JSON frame describing a presentation state
// change, sent as a text message to every connected companion.
type StateMessage struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	Engagement string `json:"engagement,omitempty"`
	BytesDone  int    `json:"bytesDone,omitempty"`
	TotalBytes int    `json:"totalBytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// client wraps a companion connection with a write lock: APDU responses
// and broadcast state frames come from different goroutines, and the
// WebSocket connection allows only one concurrent writer.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Server is the agent's HTTP/WebSocket server.
type Server struct {
	config   Config
	logger   *log.Logger
	upgrader websocket.Upgrader

	httpServer *http.Server
	mdnsServer *zeroconf.Server

	mu      sync.Mutex
	clients map[*websocket.Conn]*client
}

// New creates an agent server.
func New(config Config) *Server {
	return &Server{
		config: config,
		logger: log.New(os.Stderr, "[agent] ", log.LstdFlags),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local network companions only
			},
		},
		clients: make(map[*websocket.Conn]*client),
	}
}

// Start begins serving and registers the mDNS service. It blocks until
// the listener fails or Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/apdu", s.handleAPDU)
	mux.HandleFunc("/healthz", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.config.Port),
		Handler: mux,
	}

	if err := s.startMDNS(); err != nil {
		s.logger.Printf("mDNS registration failed: %v", err)
	}

	go s.pumpStates()

	s.logger.Printf("listening on port %d", s.config.Port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and withdraws the mDNS registration.
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func (s *Server) startMDNS() error {
	txtRecords := []string{
		"version=" + buildinfo.FullVersion(),
		"protocol=websocket",
		"path=/apdu",
	}

	server, err := zeroconf.Register(buildinfo.DisplayName, MDNSServiceType, MDNSDomain, s.config.Port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}
	s.mdnsServer = server
	s.logger.Printf("mDNS service registered: %s on port %d", MDNSServiceType, s.config.Port)
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": buildinfo.FullVersion(),
	})
}

// handleAPDU relays APDUs between a companion's HCE service and the
// dispatcher: binary frames in are command APDUs, binary frames out are
// the responses. A closed connection is a field deactivation.
func (s *Server) handleAPDU(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("WebSocket upgrade error: %v", err)
		return
	}

	s.logger.Printf("companion connected from %s", r.RemoteAddr)
	cl := s.addClient(conn)
	defer func() {
		s.removeClient(conn)
		conn.Close()
		if s.config.Dispatcher != nil {
			s.config.Dispatcher.Deactivated()
		}
		s.logger.Printf("companion disconnected: %s", r.RemoteAddr)
	}()

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			s.logger.Printf("ignoring non-binary frame from %s", r.RemoteAddr)
			continue
		}
		if s.config.Dispatcher == nil {
			continue
		}

		resp := s.config.Dispatcher.ProcessCommand(message)
		if err := cl.write(websocket.BinaryMessage, resp); err != nil {
			return
		}
	}
}

// pumpStates fans presentation states out to every connected companion.
func (s *Server) pumpStates() {
	if s.config.Session == nil {
		return
	}
	for st := range s.config.Session.States() {
		s.broadcast(stateMessage(st))
	}
}

func stateMessage(st session.State) StateMessage {
	msg := StateMessage{
		Type:       "state",
		State:      st.Kind.String(),
		Engagement: st.Engagement,
		BytesDone:  st.BytesDone,
		TotalBytes: st.TotalBytes,
	}
	if st.Err != nil {
		msg.Error = st.Err.Error()
	}
	return msg
}

func (s *Server) broadcast(msg StateMessage) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.writeJSON(msg); err != nil {
			s.logger.Printf("dropping slow companion: %v", err)
			s.removeClient(c.conn)
			c.conn.Close()
		}
	}
}

func (s *Server) addClient(conn *websocket.Conn) *client {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := &client{conn: conn}
	s.clients[conn] = cl
	return cl
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, conn)
}
