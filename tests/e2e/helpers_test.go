//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"finova-engine/internal/domain"

	"github.com/gorilla/websocket"
)

// TestClient wraps http.Client with the identity header for one user
type TestClient struct {
	*http.Client
	t      *testing.T
	userID string
}

// NewTestClient creates a test client acting as the given user
func NewTestClient(t *testing.T, userID string) *TestClient {
	return &TestClient{
		Client: &http.Client{Timeout: 30 * time.Second},
		t:      t,
		userID: userID,
	}
}

// do sends a JSON request with the identity header set
func (tc *TestClient) do(method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", tc.userID)

	return tc.Do(req)
}

// sessionEnvelope is the session-bearing response shape
type sessionEnvelope struct {
	Session       domain.Session `json:"session"`
	AlreadyActive bool           `json:"alreadyActive"`
}

// settlementEnvelope is the settlement-bearing response shape
type settlementEnvelope struct {
	Settlement domain.SettlementRecord `json:"settlement"`
	Session    *domain.Session         `json:"session"`
}

// StartMining starts a session and fails the test on any error
func (tc *TestClient) StartMining() domain.Session {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/start", nil)
	if err != nil {
		tc.t.Fatalf("start request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		tc.t.Fatalf("start failed with status %d: %s", resp.StatusCode, string(body))
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tc.t.Fatalf("failed to decode start response: %v", err)
	}
	return env.Session
}

// StartMiningRaw starts without failing on non-2xx, returning the response
func (tc *TestClient) StartMiningRaw() *http.Response {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/start", nil)
	if err != nil {
		tc.t.Fatalf("start request failed: %v", err)
	}
	return resp
}

// GetStatus fetches the projected session state
func (tc *TestClient) GetStatus() (domain.Session, int) {
	tc.t.Helper()

	resp, err := tc.do(http.MethodGet, "/api/v1/mining/status", nil)
	if err != nil {
		tc.t.Fatalf("status request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return domain.Session{}, resp.StatusCode
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tc.t.Fatalf("failed to decode status response: %v", err)
	}
	return env.Session, resp.StatusCode
}

// StopMining stops the session and returns the settlement
func (tc *TestClient) StopMining() domain.SettlementRecord {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/stop", nil)
	if err != nil {
		tc.t.Fatalf("stop request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		tc.t.Fatalf("stop failed with status %d: %s", resp.StatusCode, string(body))
	}

	var env settlementEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tc.t.Fatalf("failed to decode stop response: %v", err)
	}
	return env.Settlement
}

// ClaimMining claims the balance and returns the settlement plus any
// restarted session
func (tc *TestClient) ClaimMining() (domain.SettlementRecord, *domain.Session) {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/claim", nil)
	if err != nil {
		tc.t.Fatalf("claim request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		tc.t.Fatalf("claim failed with status %d: %s", resp.StatusCode, string(body))
	}

	var env settlementEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tc.t.Fatalf("failed to decode claim response: %v", err)
	}
	return env.Settlement, env.Session
}

// ApplyBoost applies a boost card to the running session
func (tc *TestClient) ApplyBoost(cardType string) (domain.Session, int) {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/boost", map[string]string{"cardType": cardType})
	if err != nil {
		tc.t.Fatalf("boost request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return domain.Session{}, resp.StatusCode
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		tc.t.Fatalf("failed to decode boost response: %v", err)
	}
	return env.Session, resp.StatusCode
}

// PostActivity records an activity event on the session
func (tc *TestClient) PostActivity(kind string, points, quality float64) int {
	tc.t.Helper()

	resp, err := tc.do(http.MethodPost, "/api/v1/mining/activity", map[string]any{
		"kind":    kind,
		"points":  points,
		"quality": quality,
	})
	if err != nil {
		tc.t.Fatalf("activity request failed: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// ConnectWebSocket opens the mining event stream for this user
func (tc *TestClient) ConnectWebSocket() (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("X-User-ID", tc.userID)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/ws/mining", header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// readEvent reads the next pushed event of the given type, skipping
// others, until the deadline
func readEvent(t *testing.T, conn *websocket.Conn, eventType string, timeout time.Duration) map[string]any {
	t.Helper()

	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)

	for time.Now().Before(deadline) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("failed waiting for %q event: %v", eventType, err)
		}

		var event struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("undecodable event %s: %v", string(data), err)
		}
		if event.Type == eventType {
			return event.Payload
		}
	}

	t.Fatalf("no %q event within %s", eventType, timeout)
	return nil
}
