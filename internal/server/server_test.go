package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"batchseal/internal/config"
	"batchseal/internal/db"
	"batchseal/internal/engine"
	"batchseal/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("tenant-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, workspace)
	if _, err := e.InitTenant(context.Background(), "tenant-1", "", "tester"); err != nil {
		t.Fatalf("init tenant: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("parse error envelope %s: %v", string(data), err)
	}
	return envelope.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, string(data))
	}
	// legacy header path is allowed when enabled
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches", nil, map[string]string{
		"X-Actor-Id": "local-user",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("legacy header rejected: %d", res.StatusCode)
	}
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	manager := map[string]string{"Authorization": "Bearer " + signToken(t, "mgr-1", "manager")}
	issuer := map[string]string{"Authorization": "Bearer " + signToken(t, "iss-1", "issuer")}

	// create and release
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", nil, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create batch %d: %s", res.StatusCode, string(data))
	}
	var batch BatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	batchURL := fmt.Sprintf("%s/v0/batches/%d", srv.URL, batch.ID)
	if res, data = doJSON(t, client, http.MethodPost, batchURL+"/release", nil, manager); res.StatusCode != http.StatusOK {
		t.Fatalf("release %d: %s", res.StatusCode, string(data))
	}

	// two subjects participate
	var evals []EvaluationResponse
	for _, subj := range []string{"subj-a", "subj-b"} {
		res, data = doJSON(t, client, http.MethodPost, batchURL+"/evaluations", map[string]any{"subject_id": subj}, manager)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("start %s: %d %s", subj, res.StatusCode, string(data))
		}
		var ev EvaluationResponse
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		evals = append(evals, ev)
	}

	// duplicate admission conflicts
	res, data = doJSON(t, client, http.MethodPost, batchURL+"/evaluations", map[string]any{"subject_id": "subj-a"}, manager)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_claim" {
		t.Fatalf("expected duplicate_claim, got %d: %s", res.StatusCode, string(data))
	}

	// respond and complete both
	for _, ev := range evals {
		evalURL := srv.URL + "/v0/evaluations/" + ev.ID
		if res, data = doJSON(t, client, http.MethodPost, evalURL+"/responses", map[string]any{"item": "q1", "value": 4}, manager); res.StatusCode != http.StatusOK {
			t.Fatalf("respond %d: %s", res.StatusCode, string(data))
		}
		if res, data = doJSON(t, client, http.MethodPost, evalURL+"/advance", map[string]any{"status": "completed"}, manager); res.StatusCode != http.StatusOK {
			t.Fatalf("advance %d: %s", res.StatusCode, string(data))
		}
	}

	// readiness reflects completion
	res, data = doJSON(t, client, http.MethodGet, batchURL+"/readiness", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readiness %d: %s", res.StatusCode, string(data))
	}
	var ready ReadinessResponse
	if err := json.Unmarshal(data, &ready); err != nil {
		t.Fatal(err)
	}
	if !ready.Ready || ready.BatchStatus != "completed" || ready.Ratio != 1.0 {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	// request emission; the duplicate gets a conflict
	res, data = doJSON(t, client, http.MethodPost, batchURL+"/emission", nil, manager)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("request emission %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, batchURL+"/emission", nil, manager)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "already_requested" {
		t.Fatalf("expected already_requested, got %d: %s", res.StatusCode, string(data))
	}

	// issue and deliver the report
	res, data = doJSON(t, client, http.MethodPost, batchURL+"/report/issue", nil, issuer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue %d: %s", res.StatusCode, string(data))
	}
	var report ReportResponse
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "issued" || report.Hash == nil {
		t.Fatalf("unexpected report %+v", report)
	}
	res, data = doJSON(t, client, http.MethodPost, batchURL+"/report/deliver", nil, manager)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden_role" {
		t.Fatalf("expected forbidden_role for manager delivery, got %d: %s", res.StatusCode, string(data))
	}
	if res, data = doJSON(t, client, http.MethodPost, batchURL+"/report/deliver", nil, issuer); res.StatusCode != http.StatusOK {
		t.Fatalf("deliver %d: %s", res.StatusCode, string(data))
	}

	// frozen batch rejects resets
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/evaluations/"+evals[0].ID+"/reset",
		map[string]any{"batch_id": batch.ID, "reason": "post-seal dispute"}, manager)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "emission_frozen" {
		t.Fatalf("expected emission_frozen, got %d: %s", res.StatusCode, string(data))
	}

	// audit trail is queryable
	res, data = doJSON(t, client, http.MethodGet, batchURL+"/events", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events %d: %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatal(err)
	}
	if len(events) == 0 {
		t.Fatalf("expected batch events")
	}
}

func TestRoleEnforcementOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	viewer := map[string]string{"Authorization": "Bearer " + signToken(t, "viewer-1", "viewer")}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", nil, viewer)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}
	var batch BatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/batches/%d/emission", srv.URL, batch.ID), nil, viewer)
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden_role" {
		t.Fatalf("expected forbidden_role, got %d: %s", res.StatusCode, string(data))
	}
}

func TestValidationErrorsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	manager := map[string]string{"Authorization": "Bearer " + signToken(t, "mgr-1", "manager")}

	// unknown batch
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/batches/999", nil, manager)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}

	// evaluations cannot start in a draft batch
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/batches", nil, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create %d: %s", res.StatusCode, string(data))
	}
	var batch BatchResponse
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/batches/%d/evaluations", srv.URL, batch.ID),
		map[string]any{"subject_id": "subj-a"}, manager)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for draft batch, got %d: %s", res.StatusCode, string(data))
	}

	// emission on a non-completed batch reports the blocking reasons
	res, data = doJSON(t, client, http.MethodPost, fmt.Sprintf("%s/v0/batches/%d/emission", srv.URL, batch.ID), nil, manager)
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "not_ready" {
		t.Fatalf("expected not_ready, got %d: %s", res.StatusCode, string(data))
	}
}
