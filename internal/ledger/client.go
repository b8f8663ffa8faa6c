// Package ledger talks to the external balance ledger that finalizes
// settled mining rewards. Commits are idempotent on the ledger side;
// retry policy belongs to the caller, the client performs exactly one
// attempt per call.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"finova-engine/internal/domain"
)

var errEmptyTransactionRef = fmt.Errorf("ledger returned an empty transaction reference")

// commitResponse is the ledger's reply to a commit request.
type commitResponse struct {
	TransactionRef string `json:"transactionRef"`
}

// Client is an HTTP client for the ledger's commit endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a ledger client against the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Commit posts the settled balance to the ledger and returns its
// transaction reference.
//
// A 409 means the idempotency key was already committed, which is a
// success: the original reference comes back in the body. Server errors
// and transport failures are transient; client errors are not.
func (c *Client) Commit(ctx context.Context, commit domain.LedgerCommit) (string, error) {
	payload, err := json.Marshal(commit)
	if err != nil {
		return "", fmt.Errorf("failed to marshal commit: %w", err)
	}

	url := c.baseURL + "/v1/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", commit.IdempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", domain.Transient("ledger commit", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.Transient("ledger commit", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
	case resp.StatusCode == http.StatusConflict:
		// Already committed under this idempotency key.
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", domain.Transient("ledger commit",
			fmt.Errorf("ledger returned status %d", resp.StatusCode))
	default:
		return "", fmt.Errorf("ledger rejected commit with status %d: %s", resp.StatusCode, body)
	}

	var result commitResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to decode ledger response: %w", err)
	}
	if result.TransactionRef == "" {
		return "", errEmptyTransactionRef
	}
	return result.TransactionRef, nil
}
