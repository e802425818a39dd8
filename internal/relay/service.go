package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tu10ng/bspterm-sub000/internal/app"
	"github.com/tu10ng/bspterm-sub000/internal/metrics"
	"github.com/tu10ng/bspterm-sub000/pkg/config"
	"github.com/tu10ng/bspterm-sub000/pkg/connection"
)

const (
	writeWait       = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Service relays terminal connections to browser terminals over WebSocket
type Service struct {
	app      *app.Context
	cfg      config.RelayConfig
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Session represents an active relay session
type Session struct {
	ID          string
	SessionName string
	Terminal    *app.Terminal
	WSConn      *websocket.Conn
	StartTime   time.Time

	writeMu sync.Mutex
}

// controlMessage is sent by the browser as a text frame
type controlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// NewService creates a new relay service
func NewService(appCtx *app.Context, cfg config.RelayConfig) *Service {
	return &Service{
		app:      appCtx,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}
}

// checkOrigin returns nil (same-origin check) when no origins are configured
func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Router builds the HTTP routes served by the relay
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	r.HandleFunc("/api/connections", s.handleConnections).Methods("GET")
	r.HandleFunc("/api/connections/{id}", s.handleCloseConnection).Methods("DELETE")
	r.HandleFunc("/ws/sessions/{name}", s.handleWebSocket).Methods("GET")

	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	return r
}

// ListenAndServe serves the relay until ctx is done
func (s *Service) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("address", s.cfg.ListenAddress).
			Bool("metrics", s.cfg.MetricsEnabled).
			Msg("Starting relay server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	response := map[string]interface{}{
		"status":              "healthy",
		"service":             config.ServiceName,
		"relay_sessions":      len(s.GetActiveSessions()),
		"open_terminals":      s.app.Registry.Count(),
		"configured_sessions": len(s.app.Sessions.Sessions()),
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Service) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessions := s.app.Sessions.Sessions()
	result := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		result = append(result, map[string]interface{}{
			"name":     session.Name,
			"protocol": session.Protocol,
			"address":  session.Address(),
			"username": session.Username,
			"open":     len(s.app.Registry.GetBySession(session.Name)),
		})
	}
	json.NewEncoder(w).Encode(result)
}

func (s *Service) handleConnections(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	entries := s.app.Registry.List()
	result := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		result = append(result, map[string]interface{}{
			"id":          entry.ID,
			"session":     entry.SessionName,
			"protocol":    entry.Protocol,
			"target":      entry.Target,
			"source":      entry.Source,
			"status":      entry.Status,
			"opened_at":   entry.OpenedAt,
			"last_active": entry.LastActive,
		})
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	encoder.Encode(result)
}

// handleCloseConnection shuts down an open terminal. A relay session using it
// ends when its event stream closes.
func (s *Service) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	term, ok := s.app.Registry.Terminal(id)
	if !ok {
		http.Error(w, "connection not found", http.StatusNotFound)
		return
	}

	log.Info().Str("id", id).Str("remote", r.RemoteAddr).Msg("Closing connection on request")
	term.Shutdown()
	w.WriteHeader(http.StatusNoContent)
}

// handleWebSocket opens the named session and relays it over the socket
func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	sessionCfg, ok := s.app.Sessions.Session(name)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Str("session", name).Msg("Failed to upgrade WebSocket")
		return
	}

	log.Info().
		Str("session", name).
		Str("remote", r.RemoteAddr).
		Msg("Setting up relay session")

	term, err := s.app.Open(r.Context(), sessionCfg, "relay")
	if err != nil {
		log.Error().Err(err).Str("session", name).Msg("Failed to open terminal")
		closeWithReason(wsConn, websocket.CloseInternalServerErr, err.Error())
		wsConn.Close()
		return
	}

	session := &Session{
		ID:          term.ID(),
		SessionName: name,
		Terminal:    term,
		WSConn:      wsConn,
		StartTime:   time.Now(),
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()
	metrics.RelaySessionsActive.Inc()

	s.handleRelaySession(r.Context(), session)
}

// handleRelaySession manages the relay session lifecycle
func (s *Service) handleRelaySession(ctx context.Context, session *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, session.ID)
		s.mu.Unlock()
		metrics.RelaySessionsActive.Dec()

		session.Terminal.Close()
		session.WSConn.Close()

		log.Info().
			Str("session_id", session.ID).
			Str("session", session.SessionName).
			Dur("duration", time.Since(session.StartTime)).
			Msg("Relay session cleaned up")
	}()

	go s.forwardWebSocketToTerminal(session, cancel)

	state, err := session.Terminal.Pump(ctx, session)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("session_id", session.ID).Msg("Relay output failed")
	}

	code := websocket.CloseNormalClosure
	if state.Status == connection.StatusError {
		code = websocket.CloseGoingAway
	}
	closeWithReason(session.WSConn, code, state.String())
}

// forwardWebSocketToTerminal reads browser frames and forwards them to the
// terminal: binary frames are input, text frames are control messages or input
func (s *Service) forwardWebSocketToTerminal(session *Session, cancel context.CancelFunc) {
	defer cancel()

	for {
		msgType, data, err := session.WSConn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("session_id", session.ID).Msg("WebSocket read ended")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			err = session.Terminal.Write(data)
		case websocket.TextMessage:
			var ctl controlMessage
			if json.Unmarshal(data, &ctl) == nil && ctl.Type == "resize" {
				err = session.Terminal.Resize(ctl.Cols, ctl.Rows)
			} else {
				err = session.Terminal.Write(data)
			}
		}

		if err != nil {
			log.Debug().Err(err).Str("session_id", session.ID).Msg("Terminal rejected input")
			return
		}
	}
}

// Write sends terminal output to the browser as a binary frame
func (session *Session) Write(p []byte) (int, error) {
	session.writeMu.Lock()
	defer session.writeMu.Unlock()

	session.WSConn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := session.WSConn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// GetActiveSessions returns all active relay sessions
func (s *Service) GetActiveSessions() map[string]*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Session)
	for id, session := range s.sessions {
		result[id] = session
	}
	return result
}

// Stop closes every relay session
func (s *Service) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log.Info().Int("active_sessions", len(s.sessions)).Msg("Stopping relay service")

	for id, session := range s.sessions {
		log.Debug().Str("session_id", id).Msg("Closing relay session")
		session.Terminal.Close()
	}
}

// Control frame payloads are limited to 125 bytes, two of which hold the code.
const maxCloseReasonLen = 123

func closeWithReason(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, truncateCloseReason(reason))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// truncateCloseReason cuts reason to fit a close frame without splitting a
// UTF-8 sequence; browsers fail the connection on an invalid reason.
func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonLen {
		return reason
	}
	n := maxCloseReasonLen
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}
