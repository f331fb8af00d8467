package webserver_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/agent-relay/internal/bus"
	"github.com/zsprackett/agent-relay/internal/db"
	"github.com/zsprackett/agent-relay/internal/lock"
	"github.com/zsprackett/agent-relay/internal/presence"
	"github.com/zsprackett/agent-relay/internal/registry"
	"github.com/zsprackett/agent-relay/internal/router"
	"github.com/zsprackett/agent-relay/internal/session"
	"github.com/zsprackett/agent-relay/internal/txn"
	"github.com/zsprackett/agent-relay/internal/webserver"
)

const testSecret = "test-secret"

type harness struct {
	srv      *httptest.Server
	reg      *registry.Registry
	sessions *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := db.Open(db.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(); err != nil {
		t.Fatal(err)
	}

	txm := txn.NewManager(store, logger)
	b := bus.NewLocalBus()
	reg := registry.New()
	r := router.New(store, txm, b, reg, "test", logger)
	locker := lock.NewLocker(lock.NewMemoryStore(), lock.DefaultRetryPolicy(), logger)
	sessions := session.NewManager(store, txm, locker, r)
	tracker := presence.New(store, txm, r, 30*time.Second, 10*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Start(ctx)
	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("router did not subscribe")
	}

	ws := webserver.New(store, sessions, r, reg, tracker, webserver.Config{
		JWTSecret:    testSecret,
		SendBuffer:   16,
		PingInterval: time.Second,
		WriteTimeout: time.Second,
	}, logger)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, reg: reg, sessions: sessions}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := webserver.IssueAccessToken(testSecret, user, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (h *harness) do(t *testing.T, method, path, user, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

// dial opens an update stream and waits until the server has registered it.
func (h *harness) dial(t *testing.T, user, query string) *websocket.Conn {
	t.Helper()
	before := h.reg.Len()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/updates?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + token(t, user)}})
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for h.reg.Len() == before {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

type update struct {
	Seq  int64           `json:"seq"`
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
}

func (h *harness) createSession(t *testing.T, user, tag string) session.Info {
	t.Helper()
	resp := h.do(t, "POST", "/v1/sessions", user, fmt.Sprintf(`{"tag":%q}`, tag))
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("create session: status %d", resp.StatusCode)
	}
	var out struct {
		Session session.Info `json:"session"`
	}
	decode(t, resp, &out)
	return out.Session
}

func TestHealthzIsPublic(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, "GET", "/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, "GET", "/metrics", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "relay_bus_messages_received_total") {
		t.Error("expected relay collectors in /metrics output")
	}
}

func TestRequiresToken(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/v1/updates/since", "/v1/sessions/x"} {
		resp := h.do(t, "GET", path, "", "")
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, resp.StatusCode)
		}
	}
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/updates"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 on websocket handshake")
	}
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t)
	first := h.do(t, "POST", "/v1/sessions", "u1", `{"tag":"t1","metadata":"m"}`)
	if first.StatusCode != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", first.StatusCode)
	}
	second := h.do(t, "POST", "/v1/sessions", "u1", `{"tag":"t1"}`)
	if second.StatusCode != http.StatusOK {
		t.Fatalf("second create: expected 200, got %d", second.StatusCode)
	}
	var a, b struct {
		Session session.Info `json:"session"`
		Created bool         `json:"created"`
	}
	decode(t, first, &a)
	decode(t, second, &b)
	if !a.Created || b.Created || a.Session.ID != b.Session.ID {
		t.Errorf("got created=%v,%v ids %s,%s", a.Created, b.Created, a.Session.ID, b.Session.ID)
	}

	get := h.do(t, "GET", "/v1/sessions/"+a.Session.ID, "u2", "")
	if get.StatusCode != http.StatusNotFound {
		t.Errorf("other user's session: expected 404, got %d", get.StatusCode)
	}
}

func TestUpdatesStream_ReceivesNewMessage(t *testing.T) {
	h := newHarness(t)
	s := h.createSession(t, "u1", "t1")

	userConn := h.dial(t, "u1", "")
	sessConn := h.dial(t, "u1", "clientType=session-scoped&sessionId="+s.ID)

	resp := h.do(t, "POST", "/v1/sessions/"+s.ID+"/messages", "u1", `{"localId":"l1","content":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append: status %d", resp.StatusCode)
	}

	for name, conn := range map[string]*websocket.Conn{"user": userConn, "session": sessConn} {
		f := readFrame(t, conn)
		if f.Event != "update" {
			t.Fatalf("%s: expected update frame, got %q", name, f.Event)
		}
		var u update
		json.Unmarshal(f.Data, &u)
		if u.Type != "new-message" || u.Seq != 2 {
			t.Errorf("%s: got type %q seq %d, want new-message seq 2", name, u.Type, u.Seq)
		}
	}
}

func TestUpdatesStream_InboundMessageSkipsSender(t *testing.T) {
	h := newHarness(t)
	s := h.createSession(t, "u1", "t1")

	userConn := h.dial(t, "u1", "")
	sessConn := h.dial(t, "u1", "clientType=session-scoped&sessionId="+s.ID)

	err := sessConn.WriteJSON(map[string]any{
		"type": "message",
		"id":   "req-1",
		"data": map[string]string{"localId": "l1", "content": "from agent"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The router delivers before the ack is queued, so a sender that was
	// not skipped would see the update first.
	ack := readFrame(t, sessConn)
	if ack.Event != "ack" {
		t.Fatalf("sender: expected ack first, got %q", ack.Event)
	}
	var ackData struct {
		ID  string `json:"id"`
		Seq int64  `json:"seq"`
	}
	json.Unmarshal(ack.Data, &ackData)
	if ackData.ID != "req-1" || ackData.Seq != 1 {
		t.Errorf("ack: got %+v", ackData)
	}

	f := readFrame(t, userConn)
	var u update
	json.Unmarshal(f.Data, &u)
	if f.Event != "update" || u.Type != "new-message" {
		t.Errorf("user connection: got %s/%s", f.Event, u.Type)
	}
}

func TestUpdatesStream_UsageReport(t *testing.T) {
	h := newHarness(t)
	userConn := h.dial(t, "u1", "")
	machine := h.dial(t, "u1", "clientType=machine-scoped&machineId=m1")

	// machine-status and machine-activity from the connect heartbeat
	for i := 0; i < 2; i++ {
		readFrame(t, userConn)
	}

	err := machine.WriteJSON(map[string]any{
		"type": "usage-report",
		"data": map[string]any{"key": "claude", "tokens": 42},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, userConn)
	var e struct {
		Type string `json:"type"`
		Body struct {
			Tokens int `json:"tokens"`
		} `json:"body"`
	}
	json.Unmarshal(f.Data, &e)
	if f.Event != "ephemeral" || e.Type != "usage" || e.Body.Tokens != 42 {
		t.Errorf("got %s %+v", f.Event, e)
	}
}

func TestUpdatesStream_BadHandshake(t *testing.T) {
	h := newHarness(t)
	base := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/updates?"
	header := http.Header{"Authorization": {"Bearer " + token(t, "u1")}}

	tests := []struct {
		query  string
		status int
	}{
		{"clientType=session-scoped", http.StatusBadRequest},
		{"clientType=robot", http.StatusBadRequest},
		{"sessionId=abc", http.StatusBadRequest},
		{"clientType=session-scoped&sessionId=missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		_, resp, err := websocket.DefaultDialer.Dial(base+tt.query, header)
		if err == nil {
			t.Errorf("%s: expected handshake failure", tt.query)
			continue
		}
		if resp == nil || resp.StatusCode != tt.status {
			t.Errorf("%s: expected status %d", tt.query, tt.status)
		}
	}
}

func TestUpdatesSince(t *testing.T) {
	h := newHarness(t)
	s := h.createSession(t, "u1", "t1")
	for i := 0; i < 3; i++ {
		h.do(t, "POST", "/v1/sessions/"+s.ID+"/messages", "u1", fmt.Sprintf(`{"content":"m%d"}`, i))
	}

	resp := h.do(t, "GET", "/v1/updates/since?after=1&limit=2", "u1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("since: status %d", resp.StatusCode)
	}
	var out struct {
		Updates []update `json:"updates"`
		LastSeq int64    `json:"lastSeq"`
	}
	decode(t, resp, &out)
	if out.LastSeq != 4 {
		t.Errorf("lastSeq: got %d want 4", out.LastSeq)
	}
	if len(out.Updates) != 2 || out.Updates[0].Seq != 2 || out.Updates[1].Seq != 3 {
		t.Errorf("updates: got %+v", out.Updates)
	}

	other := h.do(t, "GET", "/v1/updates/since", "u2", "")
	var empty struct {
		Updates []update `json:"updates"`
		LastSeq int64    `json:"lastSeq"`
	}
	decode(t, other, &empty)
	if len(empty.Updates) != 0 || empty.LastSeq != 0 {
		t.Errorf("other user: got %+v", empty)
	}

	bad := h.do(t, "GET", "/v1/updates/since?after=x", "u1", "")
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid after: expected 400, got %d", bad.StatusCode)
	}
}

func TestUpdateMetadata_VersionMismatch(t *testing.T) {
	h := newHarness(t)
	s := h.createSession(t, "u1", "t1")
	path := "/v1/sessions/" + s.ID + "/metadata"

	ok := h.do(t, "POST", path, "u1", `{"metadata":"v1","expectedVersion":0}`)
	if ok.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d", ok.StatusCode)
	}
	stale := h.do(t, "POST", path, "u1", `{"metadata":"v2","expectedVersion":0}`)
	if stale.StatusCode != http.StatusConflict {
		t.Fatalf("stale update: expected 409, got %d", stale.StatusCode)
	}
	var out struct {
		Result   string `json:"result"`
		Version  int64  `json:"version"`
		Metadata string `json:"metadata"`
	}
	decode(t, stale, &out)
	if out.Result != "version-mismatch" || out.Version != 1 || out.Metadata != "v1" {
		t.Errorf("got %+v", out)
	}
}
