package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkallio/tracksync/internal/record"
)

// testSample returns a valid fix for dispatch tests.
func testSample() *record.Sample {
	return &record.Sample{
		Latitude:   60.1699,
		Longitude:  24.9384,
		Accuracy:   5,
		CapturedAt: time.Date(2026, 5, 2, 8, 0, 1, 500000000, time.UTC),
		Provider:   "gps",
	}
}

// newTestClient points a client at the test server.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, "token-123", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c
}

// TestSubmitSample_SendsTokenAndAuth tests the request shape: JSON body,
// idempotency token and bearer auth.
func TestSubmitSample_SendsTokenAndAuth(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	var gotBody samplePayload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		json.NewEncoder(w).Encode(envelope{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s := testSample()
	key := record.SampleKey("dev-1", s)

	if err := c.SubmitSample(context.Background(), s, key); err != nil {
		t.Fatalf("SubmitSample() failed: %v", err)
	}

	if gotPath != "/v1/locations" {
		t.Errorf("path = %q, want /v1/locations", gotPath)
	}
	if gotKey != key {
		t.Errorf("Idempotency-Key = %q, want %q", gotKey, key)
	}
	if gotAuth != "Bearer token-123" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
	if gotBody.Latitude != s.Latitude || gotBody.Provider != "gps" {
		t.Errorf("body = %+v, want the sample fields", gotBody)
	}
}

// TestSubmitSample_EnvelopeFailureIsTransient tests that a 2xx reply
// with success=false is treated like a transport failure.
func TestSubmitSample_EnvelopeFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{Success: false, Error: "replica lag"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.SubmitSample(context.Background(), testSample(), "key")
	if err == nil {
		t.Fatal("SubmitSample() succeeded on success=false")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("class = %q, want transient", Classify(err))
	}

	var ge *Error
	if !errors.As(err, &ge) {
		t.Fatalf("error %v is not a *Error", err)
	}
	if ge.Message != "replica lag" {
		t.Errorf("message = %q, want server's reason", ge.Message)
	}
}

// TestErrorClasses tests the status-code mapping.
func TestErrorClasses(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   Class
	}{
		{"RateLimited", http.StatusTooManyRequests, ClassRateLimited},
		{"BadRequest", http.StatusBadRequest, ClassPermanent},
		{"Conflict", http.StatusConflict, ClassPermanent},
		{"ServerError", http.StatusInternalServerError, ClassTransient},
		{"BadGateway", http.StatusBadGateway, ClassTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(envelope{Success: false, Error: "nope"})
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			err := c.SubmitSample(context.Background(), testSample(), "key")
			if err == nil {
				t.Fatalf("SubmitSample() succeeded on %d", tc.status)
			}
			if got := Classify(err); got != tc.want {
				t.Errorf("class = %q, want %q", got, tc.want)
			}

			var ge *Error
			if !errors.As(err, &ge) {
				t.Fatalf("error %v is not a *Error", err)
			}
			if ge.StatusCode != tc.status {
				t.Errorf("status = %d, want %d", ge.StatusCode, tc.status)
			}
		})
	}
}

// TestDialFailureIsTransient tests that an unreachable endpoint
// classifies as transient without a typed error.
func TestDialFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	err := c.SubmitSample(context.Background(), testSample(), "key")
	if err == nil {
		t.Fatal("SubmitSample() succeeded against a closed server")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("class = %q, want transient", Classify(err))
	}
}

// TestCreateEntity_ReturnsServerID tests the create acknowledgment.
func TestCreateEntity_ReturnsServerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body entityPayload
		json.NewDecoder(r.Body).Decode(&body)
		if body.EntityType != "region" {
			t.Errorf("entity_type = %q, want region", body.EntityType)
		}
		json.NewEncoder(w).Encode(envelope{Success: true, ID: "srv-801", Duplicate: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	m := &record.Mutation{
		EntityType: record.EntityRegion,
		Op:         record.OpCreate,
		EntityID:   "c-1",
		TripID:     "trip-1",
		Payload:    record.Fields{"name": "Fells"},
	}

	ack, err := c.CreateEntity(context.Background(), m, "key")
	if err != nil {
		t.Fatalf("CreateEntity() failed: %v", err)
	}
	if ack.ServerID != "srv-801" {
		t.Errorf("server id = %q, want srv-801", ack.ServerID)
	}
	if !ack.Duplicate {
		t.Errorf("duplicate flag lost")
	}
}

// TestCreateEntity_MissingIDIsTransient tests the contract check on the
// acknowledgment.
func TestCreateEntity_MissingIDIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	m := &record.Mutation{EntityType: record.EntityRegion, Op: record.OpCreate, EntityID: "c-1"}

	_, err := c.CreateEntity(context.Background(), m, "key")
	if err == nil {
		t.Fatal("CreateEntity() accepted an ack without an id")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("class = %q, want transient", Classify(err))
	}
}

// TestUpdateAndDelete_TargetEntityPath tests the per-entity routes.
func TestUpdateAndDelete_TargetEntityPath(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(envelope{Success: true})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	m := &record.Mutation{EntityType: record.EntityRegion, Op: record.OpUpdate, EntityID: "srv-7", Payload: record.Fields{"name": "N"}}

	if err := c.UpdateEntity(context.Background(), m, "key"); err != nil {
		t.Fatalf("UpdateEntity() failed: %v", err)
	}
	if gotMethod != http.MethodPatch || gotPath != "/v1/entities/srv-7" {
		t.Errorf("update = %s %s, want PATCH /v1/entities/srv-7", gotMethod, gotPath)
	}

	m.Op = record.OpDelete
	if err := c.DeleteEntity(context.Background(), m, "key"); err != nil {
		t.Fatalf("DeleteEntity() failed: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/entities/srv-7" {
		t.Errorf("delete = %s %s, want DELETE /v1/entities/srv-7", gotMethod, gotPath)
	}
}

// TestOnline tests the probe against healthy, erroring and unreachable
// endpoints.
func TestOnline(t *testing.T) {
	t.Run("Healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/health" {
				t.Errorf("path = %q, want /v1/health", r.URL.Path)
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		if !newTestClient(t, srv).Online(context.Background()) {
			t.Error("Online() = false for a healthy endpoint")
		}
	})

	t.Run("AuthRequiredStillReachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()
		if !newTestClient(t, srv).Online(context.Background()) {
			t.Error("Online() = false for a reachable endpoint returning 401")
		}
	})

	t.Run("ServerError", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()
		if newTestClient(t, srv).Online(context.Background()) {
			t.Error("Online() = true for a 500 endpoint")
		}
	})

	t.Run("Unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		c := newTestClient(t, srv)
		srv.Close()
		if c.Online(context.Background()) {
			t.Error("Online() = true for a closed server")
		}
	})
}

// TestNewClient_Validation tests endpoint checks.
func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", "", 0); err == nil {
		t.Error("NewClient accepted an empty endpoint")
	}
	if _, err := NewClient("ftp://example.com", "", 0); err == nil {
		t.Error("NewClient accepted a non-http scheme")
	}
	if _, err := NewClient("https://api.example.com/base", "", 0); err != nil {
		t.Errorf("NewClient rejected a valid endpoint: %v", err)
	}
}
