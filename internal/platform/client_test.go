package platform

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/schema"
)

func newTestClient(ts *httptest.Server) *Client {
	c := &Client{
		baseURL:    ts.URL,
		token:      "secret-token",
		httpClient: ts.Client(),
		retry:      RetryPolicy{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		pageLimit:  2,
	}
	c.applyDefaults()
	return c
}

func TestClient_Get_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	body, err := c.Get(context.Background(), "/api/v1/self", nil)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if string(body) != `{"status":"ok"}` {
		t.Errorf("body = %q, want {\"status\":\"ok\"}", string(body))
	}
}

func TestClient_Get_AuthHeader(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret-token" {
			t.Errorf("Authorization = %q, want %q", got, "Token secret-token")
		}
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if _, err := c.Get(context.Background(), "/test", nil); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
}

func TestClient_Download_ForeignHostHasNoToken(t *testing.T) {
	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization sent to asset host: %q", got)
		}
		w.Write([]byte("PNG"))
	}))
	defer assets.Close()
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer api.Close()

	c := newTestClient(api)
	data, err := c.Download(context.Background(), assets.URL+"/map.png")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "PNG" {
		t.Errorf("data = %q, want PNG", data)
	}
}

func TestClient_Get_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"detail":"Invalid token."}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.Get(context.Background(), "/api/v1/self", nil)
	if err == nil {
		t.Fatal("expected error for 401 status")
	}
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("error %v does not wrap ErrUnauthorized", err)
	}
	if got := StatusCode(err); got != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", got)
	}
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"x"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if _, err := c.Get(context.Background(), "/flaky", nil); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.Get(context.Background(), "/busy", nil)
	if got := StatusCode(err); got != http.StatusTooManyRequests {
		t.Fatalf("StatusCode = %d, want 429 (err %v)", got, err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestClient_PostRetries(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
		wantErr   bool
	}{
		{"server error is not resent", http.StatusBadGateway, 1, true},
		{"gateway timeout is not resent", http.StatusGatewayTimeout, 1, true},
		{"rate limit is resent", http.StatusTooManyRequests, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) == 1 {
					w.WriteHeader(tt.status)
					return
				}
				w.Write([]byte(`{"id":"new-id"}`))
			}))
			defer ts.Close()

			c := newTestClient(ts)
			_, err := c.Post(context.Background(), "/api/v1/orgs/o/wlans", map[string]string{"ssid": "corp"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && StatusCode(err) != tt.status {
				t.Errorf("StatusCode = %d, want %d", StatusCode(err), tt.status)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClient_PutRetriesServerErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if _, err := c.Put(context.Background(), "/api/v1/orgs/o/setting", map[string]string{}); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestIsResendable(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	read := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"bad gateway", &APIError{StatusCode: http.StatusBadGateway}, false},
		{"dial failure", &APIError{Err: &url.Error{Op: "Post", URL: "https://api.example.com", Err: dial}}, true},
		{"reset after send", &APIError{Err: &url.Error{Op: "Post", URL: "https://api.example.com", Err: read}}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		if got := IsResendable(tt.err); got != tt.want {
			t.Errorf("%s: IsResendable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClient_DoesNotRetryValidationErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"name is required"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	_, err := c.Post(context.Background(), "/api/v1/orgs/o/wlans", map[string]string{})
	if !IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestClient_GetAll_Pagination(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			t.Errorf("limit = %q, want 2", r.URL.Query().Get("limit"))
		}
		if r.URL.Query().Get("type") != "ap" {
			t.Errorf("type = %q, want ap", r.URL.Query().Get("type"))
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		w.Header().Set("X-Page-Total", "3")
		switch page {
		case 1:
			w.Write([]byte(`[{"id":"1","name":"first"},{"id":"2","name":"second"}]`))
		case 2:
			w.Write([]byte(`[{"id":"3","name":"third"}]`))
		default:
			t.Errorf("unexpected page %d", page)
			w.Write([]byte(`[]`))
		}
	}))
	defer ts.Close()

	c := newTestClient(ts)
	items, err := c.GetAll(context.Background(), "/api/v1/orgs/o/deviceprofiles", map[string][]string{"type": {"ap"}})
	if err != nil {
		t.Fatalf("GetAll returned error: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}
	if items[2].String("name") != "third" {
		t.Errorf("items[2].name = %q, want third", items[2].String("name"))
	}
}

func TestClient_GetAll_NoPageHeader(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`[{"id":"1"},{"id":"2"}]`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	items, err := c.GetAll(context.Background(), "/x", nil)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(items) != 2 || atomic.LoadInt32(&calls) != 1 {
		t.Errorf("items = %d calls = %d, want 2 and 1", len(items), calls)
	}
}

func TestClient_Post(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["name"] != "corp" {
			t.Errorf("body name = %q, want corp", body["name"])
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id":"new-id","name":"corp"}`))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	resp, err := c.Post(context.Background(), "/api/v1/orgs/o/wlans", map[string]string{"name": "corp"})
	if err != nil {
		t.Fatalf("Post returned error: %v", err)
	}
	if len(resp) == 0 {
		t.Error("expected non-empty response body")
	}
}

func TestClient_Delete_NotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := newTestClient(ts)
	if err := c.Delete(context.Background(), "/api/v1/orgs/o/wlans/gone"); err != nil {
		t.Errorf("Delete on 404 should return nil, got: %v", err)
	}
}

func TestClient_Upload(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("FormFile: %v", err)
		}
		data, _ := io.ReadAll(f)
		if hdr.Filename != "map.png" || string(data) != "PNGDATA" {
			t.Errorf("got file %q with %q", hdr.Filename, data)
		}
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	c := newTestClient(ts)
	err := c.Upload(context.Background(), "/api/v1/sites/s/maps/m/image", "file", "map.png", []byte("PNGDATA"), nil)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newTestClient(ts)
	_, err := c.Get(ctx, "/x", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCloud_RoutesToPaths(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"id":"w1","ssid":"corp"}`))
	}))
	defer ts.Close()

	cloud := &Cloud{client: newTestClient(ts)}
	wlans := schema.MustLookup(schema.ScopeSite, "wlans")
	rec, err := cloud.Update(context.Background(), wlans, "site-1", "w1", models.Record{"ssid": "corp"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if gotMethod != http.MethodPut || gotPath != "/api/v1/sites/site-1/wlans/w1" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if rec.ID() != "w1" {
		t.Errorf("id = %q, want w1", rec.ID())
	}

	if _, err := cloud.Create(context.Background(), schema.Inventory, "o", models.Record{}); err == nil {
		t.Error("expected create on inventory to be rejected")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		expect string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"long", "hello world", 5, "hello..."},
		{"empty", "", 5, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := truncate(tc.input, tc.maxLen)
			if got != tc.expect {
				t.Errorf("truncate(%q, %d) = %q, want %q", tc.input, tc.maxLen, got, tc.expect)
			}
		})
	}
}

func TestNewClient(t *testing.T) {
	conn := &models.Connection{
		Scheme:   "https",
		Host:     "api.eu.mist.com",
		Port:     443,
		Token:    "tok",
		Insecure: true,
	}
	c := NewClient(conn, Options{})
	if c.baseURL != "https://api.eu.mist.com" {
		t.Errorf("baseURL = %q, want https://api.eu.mist.com", c.baseURL)
	}
	if c.token != "tok" {
		t.Error("token not set")
	}
	if c.retry.Attempts != 3 || c.pageLimit != DefaultPageLimit {
		t.Errorf("defaults not applied: %+v page=%d", c.retry, c.pageLimit)
	}
	if c.limiter != nil {
		t.Error("limiter set without a rate limit")
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID("5C5B35ABCDEF"); got != "00000000-0000-0000-1000-5c5b35abcdef" {
		t.Errorf("DeviceID = %q", got)
	}
}
