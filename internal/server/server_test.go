package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"deedflow/internal/config"
	"deedflow/internal/db"
	"deedflow/internal/domain"
	"deedflow/internal/engine"
	"deedflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("office-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := e.InitOffice(ctx, "office-1", "", "tester"); err != nil {
		t.Fatalf("init office: %v", err)
	}
	for actor, role := range map[string]string{
		"boss":    domain.RoleSupervisor,
		"counter": domain.RoleDeliveryClerk,
	} {
		if err := e.GrantRole(ctx, "office-1", actor, role, "tester"); err != nil {
			t.Fatalf("grant role: %v", err)
		}
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{AllowLegacyActorHeader: true}})
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

func asActor(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/transactions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestTransactionLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{
		"kind": "real_estate",
	}, asActor("cashier"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created TransactionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if created.Status != "payment" {
		t.Fatalf("status: %s", created.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/receive", map[string]any{}, asActor("reception"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("receive status %d: %s", res.StatusCode, string(data))
	}
	var received TransactionResponse
	_ = json.Unmarshal(data, &received)
	if received.ControlNumber == "" || received.Status != "received" {
		t.Fatalf("received: %+v", received)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/take", map[string]any{}, asActor("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("take status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	_ = json.Unmarshal(data, &task)
	if task.CurrentStatus != "control" || task.Responsible != "ana" {
		t.Fatalf("task: %+v", task)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/transactions/"+created.ID+"/chain", nil, asActor("ana"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("chain status %d: %s", res.StatusCode, string(data))
	}
	var chain []TaskResponse
	_ = json.Unmarshal(data, &chain)
	if len(chain) != 3 {
		t.Fatalf("chain length %d", len(chain))
	}
}

func TestIllegalTransitionStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{"kind": "real_estate"}, asActor("cashier"))
	var created TransactionResponse
	_ = json.Unmarshal(data, &created)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/receive", map[string]any{}, asActor("reception"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/take", map[string]any{}, asActor("ana"))

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/next-status", map[string]any{
		"status": "on_sign",
	}, asActor("ana"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("error code: %s", envelope.Error.Code)
	}
}

func TestForbiddenCommandStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{"kind": "real_estate"}, asActor("cashier"))
	var created TransactionResponse
	_ = json.Unmarshal(data, &created)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/receive", map[string]any{}, asActor("reception"))

	// reentry requires the supervisor role and a closed transaction
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+created.ID+"/reentry", map[string]any{}, asActor("ana"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(body))
	}
}

func TestAggregateCommands(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	open := func(actor string) TransactionResponse {
		t.Helper()
		_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions", map[string]any{"kind": "real_estate"}, asActor("cashier"))
		var txn TransactionResponse
		_ = json.Unmarshal(data, &txn)
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txn.ID+"/receive", map[string]any{}, asActor("reception"))
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txn.ID+"/take", map[string]any{}, asActor(actor))
		doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txn.ID+"/next-status", map[string]any{"status": "recording"}, asActor(actor))
		return txn
	}
	t1 := open("ana")
	t2 := open("bob")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/commands/aggregate", map[string]any{
		"transaction_ids": []string{t1.ID, t2.ID},
	}, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("aggregate status %d: %s", res.StatusCode, string(data))
	}
	var cmds CommandsResponse
	if err := json.Unmarshal(data, &cmds); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// bob may take ana's hand-off but not his own; only re-proposing
	// survives both
	if len(cmds.Commands) != 1 || cmds.Commands[0] != "set_next_status" {
		t.Fatalf("aggregate commands: %v", cmds.Commands)
	}
}
