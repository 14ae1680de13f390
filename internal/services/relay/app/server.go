// Package server hosts the relay HTTP/WebSocket process.
//
// The relay owns the authoritative session state rows and fans durable change
// notifications and ephemeral broadcasts out to connected participants. It
// holds no workout logic; progression decisions stay on the clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/net/websocket"

	apperrors "github.com/duoset/duoset/internal/platform/errors"
	"github.com/duoset/duoset/internal/platform/id"
	"github.com/duoset/duoset/internal/platform/timeouts"
	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/session/syncer"
	"github.com/duoset/duoset/internal/storage"
	"github.com/duoset/duoset/internal/storage/sqlite"
	"github.com/duoset/duoset/internal/transport"
	"github.com/duoset/duoset/internal/transport/memory"
	"github.com/duoset/duoset/internal/transport/ws"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3
	maxRequestBodyBytes    = 64 * 1024
)

// Config defines the inputs for the relay boundary.
type Config struct {
	HTTPAddr           string
	StorePath          string
	JoinGrantIssuer    string
	JoinGrantAudience  string
	JoinGrantPublicKey string
	ReadHeaderTimeout  time.Duration
	ShutdownTimeout    time.Duration
}

// Server hosts the relay HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           *sqlite.Store
}

// NewServer builds a configured relay server backed by a SQLite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	storePath := strings.TrimSpace(config.StorePath)
	if storePath == "" {
		storePath = "duoset.db"
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	grantKey, err := parseJoinGrantKey(config.JoinGrantPublicKey)
	if err != nil {
		return nil, err
	}
	grants := JoinGrantConfig{
		Issuer:   strings.TrimSpace(config.JoinGrantIssuer),
		Audience: strings.TrimSpace(config.JoinGrantAudience),
		Key:      grantKey,
		Now:      time.Now,
	}

	store, err := sqlite.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store, memory.NewHub(), grants),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a relay server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init relay server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve relay: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("relay server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("relay server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close session store: %v", err)
		}
	}
}

// NewHandler creates relay routes over the given store and hub. A zero grant
// config disables join grant verification.
func NewHandler(store storage.SessionStateStore, hub *memory.Hub, grants JoinGrantConfig) http.Handler {
	h := &handler{store: store, hub: hub, grants: grants}
	if h.grants.Now == nil {
		h.grants.Now = time.Now
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc(http.MethodPost+" /v1/sessions", h.handleCreateSession)
	mux.HandleFunc(http.MethodGet+" /v1/sessions/{sessionID}/state", h.handleGetSessionState)
	mux.HandleFunc(http.MethodPatch+" /v1/sessions/{sessionID}/state", h.handleUpdateSessionState)
	mux.Handle(http.MethodGet+" /ws", websocket.Handler(h.handleWSConn))
	return mux
}

type handler struct {
	store  storage.SessionStateStore
	hub    *memory.Hub
	grants JoinGrantConfig
}

type createSessionRequest struct {
	TimerSecondsRemaining int `json:"timer_seconds_remaining,omitempty"`
}

type updateSessionStateRequest struct {
	Fields    session.StatePatch `json:"fields"`
	UpdatedAt *time.Time         `json:"updated_at,omitempty"`
	UpdatedBy string             `json:"updated_by"`
}

func (h *handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	body := io.LimitReader(r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TimerSecondsRemaining < 0 {
		writeJSONError(w, http.StatusBadRequest, "timer_seconds_remaining must not be negative")
		return
	}

	sessionID, err := id.NewID()
	if err != nil {
		log.Printf("relay: generate session id: %v", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	state := session.State{
		SessionID:             sessionID,
		TimerSecondsRemaining: req.TimerSecondsRemaining,
		UpdatedAt:             h.grants.Now().UTC(),
	}
	if err := h.store.PutSessionState(r.Context(), state); err != nil {
		log.Printf("relay: seed session state %s: %v", sessionID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusCreated, state)
}

func (h *handler) handleGetSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	state, err := h.store.GetSessionState(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("relay: get session state %s: %v", sessionID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to load session state")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *handler) handleUpdateSessionState(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("sessionID"))
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session id is required")
		return
	}

	var req updateSessionStateRequest
	body := io.LimitReader(r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Fields.IsZero() {
		writeJSONError(w, http.StatusBadRequest, "fields must carry at least one update")
		return
	}

	updatedAt := h.grants.Now().UTC()
	if req.UpdatedAt != nil {
		updatedAt = req.UpdatedAt.UTC()
	}

	ctx, span := otel.Tracer("relay").Start(r.Context(), "relay.update_session_state")
	state, err := h.store.UpdateSessionState(ctx, sessionID, req.Fields, updatedAt, strings.TrimSpace(req.UpdatedBy))
	if err != nil {
		span.End()
		if errors.Is(err, storage.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Printf("relay: update session state %s: %v", sessionID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to update session state")
		return
	}

	row, err := json.Marshal(state)
	if err != nil {
		span.End()
		log.Printf("relay: marshal session state %s: %v", sessionID, err)
		writeJSONError(w, http.StatusInternalServerError, "failed to encode session state")
		return
	}
	h.hub.PublishDurableChange(transport.SessionChannel(sessionID), sessionID, row)
	span.End()

	writeJSON(w, http.StatusOK, state)
}

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame ws.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func (h *handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	var join ws.JoinPayload
	if err := awaitJoinFrame(decoder, &join); err != nil {
		_ = writeWSError(peer, "INVALID_ARGUMENT", "expected join frame")
		return
	}

	sessionID := strings.TrimSpace(join.SessionID)
	if sessionID == "" {
		_ = writeWSError(peer, "INVALID_ARGUMENT", "session_id is required")
		return
	}
	participantID := strings.TrimSpace(join.ParticipantID)

	if h.grants.Enabled() {
		if err := verifyJoinGrant(join.Grant, sessionID, participantID, h.grants); err != nil {
			log.Printf("relay: join grant rejected session=%q participant=%q err=%v", sessionID, participantID, err)
			_ = writeWSError(peer, string(apperrors.CodeJoinGrantInvalid), "join grant is invalid")
			return
		}
	}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	if _, err := h.store.GetSessionState(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(peer, "NOT_FOUND", "session not found")
			return
		}
		log.Printf("relay: join session lookup %s: %v", sessionID, err)
		_ = writeWSError(peer, "UNAVAILABLE", "session lookup unavailable")
		return
	}

	channel := h.hub.OpenChannel(transport.SessionChannel(sessionID))
	defer h.hub.CloseChannel(channel)

	channel.OnDurableChange(sessionID, func(row json.RawMessage) {
		_ = peer.writeFrame(ws.Frame{
			Type: ws.FrameDurableChange,
			Payload: mustJSON(ws.DurableChangePayload{
				SessionID: sessionID,
				Row:       row,
			}),
		})
	})
	forward := func(event string) transport.BroadcastHandler {
		return func(payload json.RawMessage) {
			_ = peer.writeFrame(ws.Frame{
				Type: ws.FrameBroadcast,
				Payload: mustJSON(ws.BroadcastPayload{
					Event:   event,
					Payload: payload,
				}),
			})
		}
	}
	channel.OnBroadcast(syncer.EventTimerTick, forward(syncer.EventTimerTick))
	channel.OnBroadcast(syncer.EventExerciseComplete, forward(syncer.EventExerciseComplete))
	channel.Subscribe(nil)

	_ = peer.writeFrame(ws.Frame{
		Type: ws.FrameJoined,
		Payload: mustJSON(ws.JoinedPayload{
			SessionID:  sessionID,
			ServerTime: h.grants.Now().UTC().Format(time.RFC3339),
		}),
	})

	decodeErrors := 0
	for {
		var frame ws.Frame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		switch frame.Type {
		case ws.FrameBroadcast:
			var broadcast ws.BroadcastPayload
			if err := json.Unmarshal(frame.Payload, &broadcast); err != nil {
				decodeErrors++
				_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid broadcast payload")
				if decodeErrors >= maxDecodeErrorsPerConn {
					return
				}
				continue
			}
			decodeErrors = 0
			if err := channel.Send(broadcast.Event, broadcast.Payload); err != nil {
				log.Printf("relay: forward broadcast %q session=%q: %v", broadcast.Event, sessionID, err)
			}
		default:
			_ = writeWSError(peer, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// awaitJoinFrame reads the first frame and requires it to be a join.
func awaitJoinFrame(decoder *json.Decoder, join *ws.JoinPayload) error {
	var frame ws.Frame
	if err := decoder.Decode(&frame); err != nil {
		return err
	}
	if frame.Type != ws.FrameJoin {
		return fmt.Errorf("unexpected frame type %q", frame.Type)
	}
	return json.Unmarshal(frame.Payload, join)
}

func writeWSError(peer *wsPeer, code string, message string) error {
	return peer.writeFrame(ws.Frame{
		Type: ws.FrameError,
		Payload: mustJSON(ws.ErrorPayload{
			Code:    code,
			Message: message,
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("relay: write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
