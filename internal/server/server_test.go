package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/radioctl/internal/auth"
	"github.com/danmuck/radioctl/internal/testutil/testlog"
	"github.com/danmuck/radioctl/internal/twt"
)

const peerStr = "02:00:00:00:00:0a"

func newTestServer(t *testing.T, role twt.Role, token string) (*Server, *twt.Engine) {
	t.Helper()
	engine := twt.NewEngine(twt.Config{Role: role}, nil, nil)
	opts := Options{Name: "radio-test", Addr: ":0"}
	if token != "" {
		opts.Auth = auth.StaticToken{Token: token}
	}
	return New(opts, engine), engine
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, twt.RoleResponder, "secret")

	rr := do(t, s, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "radio-test" {
		t.Fatalf("unexpected health body %v", body)
	}

	rr = do(t, s, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "radioctl_http_requests_total") {
		t.Fatalf("metrics missing http counter: %d", rr.Code)
	}
}

func TestTWTRoutesRequireToken(t *testing.T) {
	testlog.Start(t)
	s, _ := newTestServer(t, twt.RoleResponder, "secret")

	if rr := do(t, s, http.MethodGet, "/twt/agreements", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/twt/agreements", "wrong", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", rr.Code)
	}
	if rr := do(t, s, http.MethodGet, "/twt/agreements", "secret", nil); rr.Code != http.StatusOK {
		t.Fatalf("valid token: %d", rr.Code)
	}
}

func TestForceInstallListAndDelete(t *testing.T) {
	testlog.Start(t)
	s, engine := newTestServer(t, twt.RoleResponder, "")

	req := AgreementRequest{
		Op:             "force_install",
		Peer:           peerStr,
		Flow:           2,
		WakeIntervalUS: 100000,
		WakeDurationUS: 8000,
	}
	if rr := do(t, s, http.MethodPost, "/twt/agreements", "", req); rr.Code != http.StatusAccepted {
		t.Fatalf("force install: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, s, http.MethodPost, "/twt/agreements", "", req); rr.Code != http.StatusConflict {
		t.Fatalf("second install should conflict: %d", rr.Code)
	}

	rr := do(t, s, http.MethodGet, "/twt/agreements", "", nil)
	var list struct {
		Agreements []agreementView `json:"agreements"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode agreements: %v", err)
	}
	if len(list.Agreements) != 1 || list.Agreements[0].State != "agreement" || list.Agreements[0].Peer != peerStr {
		t.Fatalf("unexpected agreements %+v", list.Agreements)
	}

	rr = do(t, s, http.MethodGet, "/twt/buckets", "", nil)
	var buckets struct {
		Buckets []bucketView `json:"buckets"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &buckets); err != nil {
		t.Fatalf("decode buckets: %v", err)
	}
	if len(buckets.Buckets) != 1 || buckets.Buckets[0].IntervalUS != 100000 {
		t.Fatalf("unexpected buckets %+v", buckets.Buckets)
	}

	if rr := do(t, s, http.MethodDelete, "/twt/agreements/"+peerStr+"/2", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d %s", rr.Code, rr.Body.String())
	}
	if engine.Stations() != 0 {
		t.Fatalf("station left after delete")
	}
	if rr := do(t, s, http.MethodDelete, "/twt/agreements/"+peerStr+"/2", "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rr.Code)
	}
	if rr := do(t, s, http.MethodDelete, "/twt/agreements/not-a-mac/2", "", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad peer: %d", rr.Code)
	}
}

func TestConfigureRequesterAndErrors(t *testing.T) {
	testlog.Start(t)
	s, engine := newTestServer(t, twt.RoleRequester, "")

	req := AgreementRequest{
		Op:             "configure_explicit",
		Peer:           peerStr,
		Flow:           1,
		Command:        "suggest",
		WakeIntervalUS: 200000,
		WakeDurationUS: 4096,
		Trigger:        true,
	}
	if rr := do(t, s, http.MethodPost, "/twt/agreements", "", req); rr.Code != http.StatusAccepted {
		t.Fatalf("configure: %d %s", rr.Code, rr.Body.String())
	}
	peer, _ := twt.ParseAddr(peerStr)
	if got := engine.State(peer, 1); got != twt.ConsiderSuggest {
		t.Fatalf("state %s", got)
	}
	rr := do(t, s, http.MethodGet, "/twt/outbox", "", nil)
	if !strings.Contains(rr.Body.String(), `"command":"suggest"`) {
		t.Fatalf("outbox missing suggest: %s", rr.Body.String())
	}

	cases := []struct {
		name string
		req  AgreementRequest
		want int
	}{
		{"bad op", AgreementRequest{Op: "bogus", Peer: peerStr}, http.StatusBadRequest},
		{"remove via post", AgreementRequest{Op: "remove", Peer: peerStr}, http.StatusBadRequest},
		{"bad command", AgreementRequest{Op: "configure_explicit", Peer: peerStr, Command: "nope"}, http.StatusBadRequest},
		{"zero interval", AgreementRequest{Op: "configure", Peer: peerStr, Flow: 3}, http.StatusBadRequest},
		{"bad flow", AgreementRequest{Op: "configure", Peer: peerStr, Flow: 9, WakeIntervalUS: 1000}, http.StatusBadRequest},
		{"active flow", req, http.StatusConflict},
	}
	for _, tc := range cases {
		if rr := do(t, s, http.MethodPost, "/twt/agreements", "", tc.req); rr.Code != tc.want {
			t.Fatalf("%s: got %d want %d body=%s", tc.name, rr.Code, tc.want, rr.Body.String())
		}
	}
}
