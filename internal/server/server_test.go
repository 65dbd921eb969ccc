package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sipstate/internal/db"
	"sipstate/internal/domain"
	"sipstate/internal/engine"
	"sipstate/internal/lifecycle"
	"sipstate/internal/metrics"
	"sipstate/internal/migrate"
	"sipstate/internal/notify"
	"sipstate/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := repo.New(conn)
	reg := prometheus.NewRegistry()
	coord := engine.New(r, notify.Notifier{Publisher: notify.LogPublisher{Logger: quiet}, Marker: r}, engine.DefaultConfig())
	coord.Logger = quiet
	coord.Metrics = metrics.New(reg)
	handler, err := New(Config{
		Repo:     r,
		Handler:  coord,
		Graph:    lifecycle.DefaultGraph(),
		BasePath: "/v1",
		Auth:     auth,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:   quiet,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func event(eventID, packageID string, state domain.State) map[string]any {
	return map[string]any{
		"event_id":       eventID,
		"package_id":     packageID,
		"reported_state": string(state),
		"occurred_at":    "2024-01-01T10:00:00Z",
		"source":         "ingest",
	}
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error
}

func TestSubmitEventsAndReadPackage(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for i, st := range []domain.State{domain.StateReceived, domain.StateValidated} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", event(fmt.Sprintf("e%d", i+1), "P1", st), nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("submit %s status %d: %s", st, res.StatusCode, string(data))
		}
		var out OutcomeResponse
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("unmarshal outcome: %v", err)
		}
		if out.Status != "committed" || out.Disposition != "ack" {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if out.Package == nil || out.Package.CurrentState != string(st) || out.Package.Version != int64(i+1) {
			t.Fatalf("unexpected package %+v", out.Package)
		}
		if out.MessageID != notify.MessageID(domain.KindStateChanged, fmt.Sprintf("e%d", i+1)) {
			t.Fatalf("unexpected message id %s", out.MessageID)
		}
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/P1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get package status %d: %s", res.StatusCode, string(data))
	}
	var pkg PackageResponse
	if err := json.Unmarshal(data, &pkg); err != nil {
		t.Fatalf("unmarshal package: %v", err)
	}
	if pkg.CurrentState != "validated" || pkg.Version != 2 || pkg.LastEventID != "e2" || pkg.Terminal {
		t.Fatalf("unexpected package %+v", pkg)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/P1/history", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var hist historyList
	_ = json.Unmarshal(data, &hist)
	if len(hist.Items) != 2 || hist.Items[1].State != "validated" || hist.Items[0].Source != "ingest" {
		t.Fatalf("unexpected history %+v", hist)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/P1/notifications", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("notifications status %d: %s", res.StatusCode, string(data))
	}
	var notes notificationList
	_ = json.Unmarshal(data, &notes)
	if len(notes.Items) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notes.Items))
	}
	for _, n := range notes.Items {
		if n.Kind != domain.KindStateChanged || n.DeliveredAt == "" {
			t.Fatalf("unexpected notification %+v", n)
		}
	}
}

func TestDuplicateEventIgnored(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	ev := event("dup-1", "P1", domain.StateReceived)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", ev, nil)
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", ev, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}
	var out OutcomeResponse
	_ = json.Unmarshal(data, &out)
	if out.Status != "ignored" || out.Reason != "duplicate" || out.Package.Version != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestIllegalTransitionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", event("e1", "P1", domain.StateTransferred), nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "illegal_transition" {
		t.Fatalf("unexpected code %s", apiErr.Code)
	}
	if apiErr.Details["current_state"] != "pending" {
		t.Fatalf("unexpected details %+v", apiErr.Details)
	}

	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/P1/notifications", nil, nil)
	var notes notificationList
	_ = json.Unmarshal(data, &notes)
	if len(notes.Items) != 1 || notes.Items[0].Kind != domain.KindStateRejected {
		t.Fatalf("expected one rejection notice, got %+v", notes.Items)
	}
}

func TestMalformedEventBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", []byte(`{"event_id":"e1"}`), nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "malformed_payload" {
		t.Fatalf("unexpected code %s", code)
	}

	ev := event("e2", "P1", domain.StateReceived)
	ev["reported_state"] = "shipped"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", ev, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "unknown_state" {
		t.Fatalf("unexpected code %s", code)
	}
}

func TestPackageNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()

	for _, p := range []string{"/v1/packages/missing", "/v1/packages/missing/history", "/v1/packages/missing/notifications"} {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d %s", p, res.StatusCode, string(data))
		}
		if code := decodeError(t, data).Code; code != "not_found" {
			t.Fatalf("%s: unexpected code %s", p, code)
		}
	}
}

func TestListPackagesPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	for i, id := range []string{"A", "B", "C"} {
		doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", event(fmt.Sprintf("e%d", i), id, domain.StateReceived), nil)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages?state=received&limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedPackages
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 || page.NextCursor != "B" {
		t.Fatalf("unexpected first page %+v", page)
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages?state=received&limit=2&cursor="+page.NextCursor, nil, nil)
	page = paginatedPackages{}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].PackageID != "C" || page.NextCursor != "" {
		t.Fatalf("unexpected second page %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages?state=bogus", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown state, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/counts", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("counts status %d: %s", res.StatusCode, string(data))
	}
	var counts stateCounts
	_ = json.Unmarshal(data, &counts)
	if counts.Total != 3 || counts.Counts["received"] != 3 || counts.Counts["archived"] != 0 {
		t.Fatalf("unexpected counts %+v", counts)
	}
}

func TestJWTRequiredWhenConfigured(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should stay open, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || decodeError(t, data).Code != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(data))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/events", event("e1", "P1", domain.StateReceived), headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authorized submit status %d: %s", res.StatusCode, string(data))
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "s"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d: %s", res.StatusCode, string(data))
	}
	if !strings.Contains(string(data), "sip_state_") {
		t.Fatalf("expected sip_state metrics, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("openapi under base path requires auth, got %d", res.StatusCode)
	}

	srv2, cleanup2 := newTestServer(t, AuthConfig{})
	defer cleanup2()
	res, data = doJSON(t, srv2.Client(), http.MethodGet, srv2.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v1/events"]; !ok {
		t.Fatalf("expected /v1/events in openapi paths")
	}
}
