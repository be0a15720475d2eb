package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nearsync/pkg/types"
)

// Request identity headers carried on every call.
const (
	headerUserID   = "X-User-Id"
	headerCampusID = "X-Campus-Id"
)

// Client talks HTTP to the presence backend for one user scope.
// ARCHITECTURAL DISCOVERY: One client per (user, campus) scope mirrors the
// channel ownership model - identity is fixed at construction, not smuggled
// through call sites
type Client struct {
	baseURL string
	userID  string
	http    *http.Client

	// offlineTimeout bounds the fire-and-forget offline notification so it
	// can complete during teardown without holding shutdown hostage.
	offlineTimeout time.Duration
}

// NewClient creates a presence API client.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userID:  userID,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		offlineTimeout: 2 * time.Second,
	}
}

// SetTimeout overrides the default per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	if d > 0 {
		c.http.Timeout = d
	}
}

type nearbyResponse struct {
	Items []types.NearbyUser `json:"items"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// FetchNearby performs one full nearby query for a radius.
// FUNCTIONAL DISCOVERY: 429 and "presence not found" are mapped to typed
// errors here, at the transport boundary, so retry policy upstream never
// needs to inspect HTTP details
func (c *Client) FetchNearby(ctx context.Context, campusID string, radiusM int) ([]types.NearbyUser, error) {
	q := url.Values{}
	q.Set("campus_id", campusID)
	q.Set("radius_m", strconv.Itoa(radiusM))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/proximity/nearby?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, campusID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil &&
			strings.Contains(strings.ToLower(er.Detail), "presence not found") {
			return nil, ErrPresenceNotFound
		}
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	case resp.StatusCode/100 != 2:
		return nil, fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}

	var nr nearbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&nr); err != nil {
		return nil, fmt.Errorf("failed to decode nearby response: %w", err)
	}
	for i := range nr.Items {
		nr.Items[i].Normalize()
	}
	return nr.Items, nil
}

// SendHeartbeat reports the current position.
func (c *Client) SendHeartbeat(ctx context.Context, hb *types.HeartbeatRequest) error {
	if err := hb.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/presence/heartbeat", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, hb.CampusID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s", ErrBadStatus, resp.Status)
	}
	return nil
}

// SendOffline notifies the backend that the user went passive.
// FUNCTIONAL DISCOVERY: Best-effort keepalive semantics - a short private
// timeout instead of the caller's context so the request can still finish
// while the surrounding session tears down
func (c *Client) SendOffline(campusID, deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.offlineTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"campus_id": campusID,
		"device_id": deviceID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/presence/offline", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req, campusID)

	resp, err := c.http.Do(req)
	if err != nil {
		log.Printf("Presence API: offline notification failed: %v", err)
		return
	}
	drainAndClose(resp.Body)
}

func (c *Client) setHeaders(req *http.Request, campusID string) {
	req.Header.Set(headerUserID, c.userID)
	req.Header.Set(headerCampusID, campusID)
}

// drainAndClose empties the body so the underlying connection can be reused.
func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}
