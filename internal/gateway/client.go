package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

const (
	defaultTimeout = 30 * time.Second
	probeTimeout   = 5 * time.Second
	// maxResponseBytes bounds how much of a reply we read; the envelope
	// is tiny and anything bigger is not worth buffering.
	maxResponseBytes = 1 << 20
)

// Compile-time checks that the HTTP client satisfies both interfaces.
var (
	_ Gateway = (*Client)(nil)
	_ Probe   = (*Client)(nil)
)

// Client talks to the sync API over HTTP with JSON bodies.
type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	authToken string
}

// NewClient builds a client for the given base URL. authToken may be
// empty for unauthenticated deployments. A zero timeout selects the
// default.
func NewClient(base, authToken string, timeout time.Duration) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("endpoint URL is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("endpoint URL %q must be http or https", base)
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:   u,
		http:      &http.Client{Timeout: timeout},
		userAgent: "tracksync/1.0",
		authToken: authToken,
	}, nil
}

// samplePayload is the wire form of one location fix.
type samplePayload struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Altitude   float64 `json:"altitude"`
	Accuracy   float64 `json:"accuracy"`
	Speed      float64 `json:"speed"`
	Bearing    float64 `json:"bearing"`
	CapturedAt string  `json:"captured_at"`
	Provider   string  `json:"provider"`
}

// entityPayload is the wire form of an entity create or update.
type entityPayload struct {
	EntityType string        `json:"entity_type,omitempty"`
	TripID     string        `json:"trip_id,omitempty"`
	ParentID   string        `json:"parent_id,omitempty"`
	Fields     record.Fields `json:"fields,omitempty"`
}

// envelope is the uniform response body. A 2xx status with Success false
// counts as a transport failure: the server answered but did not commit.
type envelope struct {
	Success   bool   `json:"success"`
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SubmitSample delivers one location fix.
func (c *Client) SubmitSample(ctx context.Context, s *record.Sample, idempotencyKey string) error {
	body := samplePayload{
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Altitude:   s.Altitude,
		Accuracy:   s.Accuracy,
		Speed:      s.Speed,
		Bearing:    s.Bearing,
		CapturedAt: s.CapturedAt.UTC().Format(time.RFC3339Nano),
		Provider:   s.Provider,
	}
	_, err := c.do(ctx, http.MethodPost, "v1/locations", idempotencyKey, body)
	return err
}

// CreateEntity creates a region or place and returns the server id.
func (c *Client) CreateEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) (*Ack, error) {
	body := entityPayload{
		EntityType: string(m.EntityType),
		TripID:     m.TripID,
		ParentID:   m.ParentID,
		Fields:     m.Payload,
	}
	env, err := c.do(ctx, http.MethodPost, "v1/entities", idempotencyKey, body)
	if err != nil {
		return nil, err
	}
	if env.ID == "" {
		// Committed without an identifier; retry replays via the token.
		return nil, &Error{Class: ClassTransient, StatusCode: http.StatusOK, Message: "create acknowledged without an id"}
	}
	return &Ack{ServerID: env.ID, Duplicate: env.Duplicate}, nil
}

// UpdateEntity applies field changes to an existing entity.
func (c *Client) UpdateEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) error {
	body := entityPayload{Fields: m.Payload}
	_, err := c.do(ctx, http.MethodPatch, "v1/entities/"+m.EntityID, idempotencyKey, body)
	return err
}

// DeleteEntity removes an existing entity.
func (c *Client) DeleteEntity(ctx context.Context, m *record.Mutation, idempotencyKey string) error {
	_, err := c.do(ctx, http.MethodDelete, "v1/entities/"+m.EntityID, idempotencyKey, nil)
	return err
}

// Online reports whether the health endpoint answers. Any response at
// all short of a server error counts: an endpoint returning 401 is
// reachable, and the real dispatch will surface the real problem.
func (c *Client) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u := c.resolve("v1/health")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	return resp.StatusCode < 500
}

// resolve joins a relative API path onto the base URL.
func (c *Client) resolve(p string) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// do executes one API call and maps the result onto the error taxonomy.
func (c *Client) do(ctx context.Context, method, apiPath, idempotencyKey string, body interface{}) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.resolve(apiPath), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, &Error{Class: ClassTransient, StatusCode: resp.StatusCode, Message: "unreadable response body"}
		}
		if !env.Success {
			return nil, &Error{Class: ClassTransient, StatusCode: resp.StatusCode, Message: serverMessage(data, resp.StatusCode)}
		}
		return &env, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Class: ClassRateLimited, StatusCode: resp.StatusCode, Message: serverMessage(data, resp.StatusCode)}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &Error{Class: ClassPermanent, StatusCode: resp.StatusCode, Message: serverMessage(data, resp.StatusCode)}

	default:
		return nil, &Error{Class: ClassTransient, StatusCode: resp.StatusCode, Message: serverMessage(data, resp.StatusCode)}
	}
}

// serverMessage digs a human-readable reason out of a failure body.
func serverMessage(data []byte, statusCode int) string {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Error != "" {
		return env.Error
	}
	if msg := strings.TrimSpace(string(data)); msg != "" && len(msg) <= 200 {
		return msg
	}
	return http.StatusText(statusCode)
}
