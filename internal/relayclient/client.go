// Package relayclient is the REST half of the client's connection to the
// relay: registering a user, fetching a remote KeyPackage, uploading pool
// KeyPackages, and reserving/spending/cancelling a reservation. Responses
// arrive in a {"data": ...} / {"error": {"code","message"}} envelope,
// surfaced to callers as a typed APIError. There is no login or session
// layer; identity is the MLS signature keypair, not a bearer token.
package relayclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/q10elabs/mlschat/internal/mlserrors"
)

// Client is the REST API client for the relay.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
}

// New constructs a relay API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		userAgent:  "mlschat-client/1.0 (Go)",
	}
}

type apiResponse struct {
	Data json.RawMessage `json:"data"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError represents an error response returned by the relay.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) request(ctx context.Context, method, path string, body, result any) error {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &mlserrors.WireError{Reason: "marshaling request body", Err: err}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return &mlserrors.NetworkError{Op: "relayclient.request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &mlserrors.NetworkError{Op: fmt.Sprintf("relayclient.%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &mlserrors.NetworkError{Op: "relayclient.read_body", Err: err}
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.Unmarshal(respBody, &apiErr); err == nil && apiErr.Error.Code != "" {
			return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Error.Code, Message: apiErr.Error.Message}
		}
		return &APIError{StatusCode: resp.StatusCode, Code: "unknown_error", Message: string(respBody)}
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		var envelope apiResponse
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			return &mlserrors.WireError{Reason: "decoding response envelope", Err: err}
		}
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return &mlserrors.WireError{Reason: "decoding response data", Err: err}
		}
	}
	return nil
}

// RegisterUser registers username with the relay together with its initial
// KeyPackage. Called idempotently: a 409 "duplicate" is swallowed by the
// caller (internal/hub), since a re-run against an already-registered
// username is normal startup.
func (c *Client) RegisterUser(ctx context.Context, username string, keyPackage []byte) error {
	return c.request(ctx, http.MethodPost, "/users", map[string]any{
		"username":    username,
		"key_package": keyPackage,
	}, nil)
}

// GetUserKey fetches username's currently registered KeyPackage.
func (c *Client) GetUserKey(ctx context.Context, username string) ([]byte, error) {
	var resp struct {
		KeyPackage []byte `json:"key_package"`
	}
	if err := c.request(ctx, http.MethodGet, "/users/"+username, nil, &resp); err != nil {
		return nil, err
	}
	return resp.KeyPackage, nil
}

// PutBackup uploads an encrypted state blob for username.
func (c *Client) PutBackup(ctx context.Context, username string, encryptedState []byte) error {
	return c.request(ctx, http.MethodPost, "/backup/"+username, map[string]any{
		"encrypted_state": encryptedState,
	}, nil)
}

// GetBackup fetches username's most recent encrypted state blob.
func (c *Client) GetBackup(ctx context.Context, username string) ([]byte, error) {
	var resp struct {
		EncryptedState []byte `json:"encrypted_state"`
	}
	if err := c.request(ctx, http.MethodGet, "/backup/"+username, nil, &resp); err != nil {
		return nil, err
	}
	return resp.EncryptedState, nil
}

// UploadItem is one KeyPackage handed to the relay's pool upload endpoint.
type UploadItem struct {
	Ref      []byte
	Bytes    []byte
	NotAfter int64
}

// UploadKeyPackages uploads a batch of pool KeyPackages. The relay answers
// with the lists of accepted and rejected refs; accepted and rejected are
// the lengths of those lists.
func (c *Client) UploadKeyPackages(ctx context.Context, username string, items []UploadItem) (accepted, rejected, poolSize int, err error) {
	type item struct {
		Ref      string `json:"keypackage_ref"`
		KP       string `json:"keypackage"`
		NotAfter int64  `json:"not_after"`
	}
	payload := make([]item, 0, len(items))
	for _, it := range items {
		payload = append(payload, item{
			Ref:      base64.StdEncoding.EncodeToString(it.Ref),
			KP:       base64.StdEncoding.EncodeToString(it.Bytes),
			NotAfter: it.NotAfter,
		})
	}

	var resp struct {
		Accepted []string `json:"accepted"`
		Rejected []string `json:"rejected"`
		PoolSize int      `json:"pool_size"`
	}
	if err := c.request(ctx, http.MethodPost, "/keypackages/upload", map[string]any{
		"username":    username,
		"keypackages": payload,
	}, &resp); err != nil {
		return 0, 0, 0, err
	}
	return len(resp.Accepted), len(resp.Rejected), resp.PoolSize, nil
}

// Reservation is a single KeyPackage reserved from the relay's pool.
type Reservation struct {
	KeyPackageRef        string
	KeyPackageBytes      []byte
	ReservationID        string
	ReservationExpiresAt time.Time
	NotAfter             int64
}

// Reserve reserves one of invitee's available KeyPackages for use in
// groupID. The relay's store is authoritative: two concurrent inviters get
// distinct packages or a pool-exhausted error, never the same one.
func (c *Client) Reserve(ctx context.Context, invitee string, groupID []byte, reservedBy string) (*Reservation, error) {
	var resp struct {
		KeyPackageRef        string    `json:"keypackage_ref"`
		KeyPackage           []byte    `json:"keypackage"`
		ReservationID        string    `json:"reservation_id"`
		ReservationExpiresAt time.Time `json:"reservation_expires_at"`
		NotAfter             int64     `json:"not_after"`
	}
	if err := c.request(ctx, http.MethodPost, "/keypackages/reserve", map[string]any{
		"username":    invitee,
		"group_id":    groupID,
		"reserved_by": reservedBy,
	}, &resp); err != nil {
		return nil, err
	}
	return &Reservation{
		KeyPackageRef:        resp.KeyPackageRef,
		KeyPackageBytes:      resp.KeyPackage,
		ReservationID:        resp.ReservationID,
		ReservationExpiresAt: resp.ReservationExpiresAt,
		NotAfter:             resp.NotAfter,
	}, nil
}

// Spend confirms that a reserved KeyPackage was consumed by a successful
// Add proposal.
func (c *Client) Spend(ctx context.Context, keyPackageRef string, groupID []byte, spentBy string) error {
	return c.request(ctx, http.MethodPost, "/keypackages/spend", map[string]any{
		"keypackage_ref": keyPackageRef,
		"group_id":       groupID,
		"spent_by":       spentBy,
	}, nil)
}

// Cancel releases a reservation without spending it, used when an invite
// fails after the reserve step, so the package returns to the pool without
// waiting out the TTL.
func (c *Client) Cancel(ctx context.Context, keyPackageRef, reservationID string) error {
	return c.request(ctx, http.MethodPost, "/keypackages/cancel", map[string]any{
		"keypackage_ref": keyPackageRef,
		"reservation_id": reservationID,
	}, nil)
}

// Status returns the relay's current pool counts for username.
func (c *Client) Status(ctx context.Context, username string) (map[string]int, error) {
	var counts map[string]int
	if err := c.request(ctx, http.MethodGet, "/keypackages/status/"+username, nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
