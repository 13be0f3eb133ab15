// Package remote provides the HTTP client for the remote authority that
// queued operations are reconciled against.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/washpoint/backend/internal/errors"
	"github.com/washpoint/backend/internal/models"
)

// Credential is the opaque bearer token presented on every call. Obtaining
// and refreshing it is the embedding app's concern.
type Credential string

// RejectedError is a definitive rejection from the remote authority (a 4xx
// with a message). Rejections are retryable by policy but expected to fail
// again until externally corrected.
type RejectedError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected (%d): %s", e.Status, e.Message)
}

// IsRejection reports whether err is a definitive remote rejection rather
// than a transport failure.
func IsRejection(err error) bool {
	var rejected *RejectedError
	return errors.As(err, &rejected)
}

// Client talks JSON over HTTP to the remote authority.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// collectionFor maps an entity type onto its API collection.
func collectionFor(t models.EntityType) (string, error) {
	switch t {
	case models.EntityBooking:
		return "bookings", nil
	case models.EntityWallet:
		return "wallets", nil
	case models.EntityAttendant:
		return "attendants", nil
	}
	return "", fmt.Errorf("unknown entity type: %s", t)
}

// pushResponse is the body returned for accepted operations.
type pushResponse struct {
	ID string `json:"id"`
}

// errorResponse is the body returned for rejections.
type errorResponse struct {
	Error string `json:"error"`
}

// Push applies one queued operation remotely. For creates the returned
// string is the server-assigned id; for updates and deletes it is empty.
// serverID must be set for updates and deletes. The remote deduplicates
// creates on the snapshot's local_id, so a replayed create returns the
// previously assigned id rather than a duplicate record.
func (c *Client) Push(ctx context.Context, cred Credential, op models.Op, entityType models.EntityType, serverID string, snapshot json.RawMessage) (string, error) {
	collection, err := collectionFor(entityType)
	if err != nil {
		return "", err
	}

	var method, url string
	var body io.Reader
	switch op {
	case models.OpCreate:
		method = http.MethodPost
		url = fmt.Sprintf("%s/v1/%s", c.baseURL, collection)
		body = bytes.NewReader(snapshot)
	case models.OpUpdate:
		if serverID == "" {
			return "", fmt.Errorf("update requires a server id")
		}
		method = http.MethodPut
		url = fmt.Sprintf("%s/v1/%s/%s", c.baseURL, collection, serverID)
		body = bytes.NewReader(snapshot)
	case models.OpDelete:
		if serverID == "" {
			return "", fmt.Errorf("delete requires a server id")
		}
		method = http.MethodDelete
		url = fmt.Sprintf("%s/v1/%s/%s", c.baseURL, collection, serverID)
	default:
		return "", fmt.Errorf("unknown operation: %s", op)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+string(cred))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failure: always retryable.
		return "", apperrors.Wrap(apperrors.ErrSyncFailed, "remote unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if op != models.OpCreate {
			return "", nil
		}
		var pr pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
			return "", apperrors.Wrap(apperrors.ErrSyncFailed, "malformed create response", err)
		}
		if pr.ID == "" {
			return "", apperrors.New(apperrors.ErrSyncFailed, "create response missing id")
		}
		return pr.ID, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", apperrors.New(apperrors.ErrSyncAuthFailed, "credential rejected by remote")

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &RejectedError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}

	default:
		// Server-side failure: retryable.
		return "", apperrors.New(apperrors.ErrSyncFailed,
			fmt.Sprintf("remote returned status %d", resp.StatusCode))
	}
}

// readErrorMessage extracts the error body, tolerating non-JSON responses.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no error detail"
	}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil && er.Error != "" {
		return er.Error
	}
	return string(data)
}
