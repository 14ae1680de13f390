// Package relayhttp implements the session state store over the relay HTTP
// API. Clients that cannot reach the database directly persist through the
// relay, which publishes the durable change notification after every write.
package relayhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/duoset/duoset/internal/platform/timeouts"
	"github.com/duoset/duoset/internal/session"
	"github.com/duoset/duoset/internal/storage"
)

// Config defines how the store reaches the relay.
type Config struct {
	// BaseURL is the relay HTTP endpoint, e.g. http://localhost:8087.
	BaseURL string
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// Store talks to the relay session state API.
type Store struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a relay-backed session state store.
func New(cfg Config) (*Store, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("relay base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.HTTPRequest}
	}
	return &Store{baseURL: baseURL, httpClient: httpClient}, nil
}

// CreateSession asks the relay to mint a new session row and returns it.
func (s *Store) CreateSession(ctx context.Context, timerSeconds int) (session.State, error) {
	body, err := json.Marshal(map[string]int{"timer_seconds_remaining": timerSeconds})
	if err != nil {
		return session.State{}, fmt.Errorf("marshal create session request: %w", err)
	}
	return s.do(ctx, http.MethodPost, s.baseURL+"/v1/sessions", body, http.StatusCreated)
}

// GetSessionState implements storage.SessionStateStore.
func (s *Store) GetSessionState(ctx context.Context, sessionID string) (session.State, error) {
	return s.do(ctx, http.MethodGet, s.stateURL(sessionID), nil, http.StatusOK)
}

// PutSessionState is not supported over the relay API: rows are minted by
// CreateSession and mutated through patches.
func (s *Store) PutSessionState(ctx context.Context, state session.State) error {
	return fmt.Errorf("relayhttp: put session state is not supported")
}

// UpdateSessionState implements storage.SessionStateStore.
func (s *Store) UpdateSessionState(ctx context.Context, sessionID string, fields session.StatePatch, updatedAt time.Time, updatedBy string) (session.State, error) {
	body, err := json.Marshal(struct {
		Fields    session.StatePatch `json:"fields"`
		UpdatedAt time.Time          `json:"updated_at"`
		UpdatedBy string             `json:"updated_by"`
	}{Fields: fields, UpdatedAt: updatedAt, UpdatedBy: updatedBy})
	if err != nil {
		return session.State{}, fmt.Errorf("marshal update request: %w", err)
	}
	return s.do(ctx, http.MethodPatch, s.stateURL(sessionID), body, http.StatusOK)
}

func (s *Store) stateURL(sessionID string) string {
	return s.baseURL + "/v1/sessions/" + strings.TrimSpace(sessionID) + "/state"
}

func (s *Store) do(ctx context.Context, method, url string, body []byte, wantStatus int) (session.State, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return session.State{}, fmt.Errorf("build relay request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return session.State{}, fmt.Errorf("call relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return session.State{}, storage.ErrNotFound
	}
	if resp.StatusCode != wantStatus {
		return session.State{}, fmt.Errorf("relay status %d", resp.StatusCode)
	}

	var state session.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return session.State{}, fmt.Errorf("decode relay response: %w", err)
	}
	return state, nil
}
