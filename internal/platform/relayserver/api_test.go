package relayserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/platform/relay"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	state := NewState(nil)
	configs := repositories.NewFileBridgeConfigRepo(t.TempDir(), nil)
	api := NewAPI(state, configs, nil, nil, nil)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	return srv
}

func decodeResponse(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()
	defer resp.Body.Close()
	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func putJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("build PUT: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT %s: %v", url, err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	out := decodeResponse(t, resp)
	if !out.OK {
		t.Fatalf("health not ok: %+v", out)
	}
}

func TestBridgeConfigLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/bridge/register", map[string]any{
		"communityId": "community-1",
		"guildId":     "guild-1",
		"channels": []map[string]string{
			{"discordChannelId": "dc-1", "umbraChannelId": "uc-1", "name": "general"},
		},
		"memberDids": []string{"did:key:zAlice"},
		"bridgeDid":  "did:key:zBridge",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status %d", resp.StatusCode)
	}
	if out := decodeResponse(t, resp); !out.OK {
		t.Fatalf("register failed: %s", out.Error)
	}

	resp, err := http.Get(srv.URL + "/api/bridge/list")
	if err != nil {
		t.Fatalf("GET list: %v", err)
	}
	out := decodeResponse(t, resp)
	list, ok := out.Data.([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one summary, got %+v", out.Data)
	}
	summary := list[0].(map[string]any)
	if summary["communityId"] != "community-1" || summary["enabled"] != true {
		t.Fatalf("summary: %+v", summary)
	}

	resp, err = http.Get(srv.URL + "/api/bridge/community-1")
	if err != nil {
		t.Fatalf("GET bridge: %v", err)
	}
	out = decodeResponse(t, resp)
	cfg := out.Data.(map[string]any)
	if cfg["guildId"] != "guild-1" || cfg["bridgeDid"] != "did:key:zBridge" {
		t.Fatalf("config: %+v", cfg)
	}

	resp = putJSON(t, srv.URL+"/api/bridge/community-1/members", map[string]any{
		"memberDids": []string{"did:key:zAlice", "did:key:zBob"},
	})
	out = decodeResponse(t, resp)
	cfg = out.Data.(map[string]any)
	if members := cfg["memberDids"].([]any); len(members) != 2 {
		t.Fatalf("member update lost DIDs: %+v", members)
	}

	resp = putJSON(t, srv.URL+"/api/bridge/community-1/enabled", map[string]any{"enabled": false})
	out = decodeResponse(t, resp)
	if cfg := out.Data.(map[string]any); cfg["enabled"] != false {
		t.Fatalf("disable did not stick: %+v", cfg)
	}

	// Re-registering keeps the disabled flag.
	resp = postJSON(t, srv.URL+"/api/bridge/register", map[string]any{
		"communityId": "community-1",
		"guildId":     "guild-1",
		"bridgeDid":   "did:key:zBridge2",
	})
	out = decodeResponse(t, resp)
	if cfg := out.Data.(map[string]any); cfg["enabled"] != false {
		t.Fatalf("re-register re-enabled a disabled bridge: %+v", cfg)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/bridge/community-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	if out := decodeResponse(t, resp); !out.OK {
		t.Fatalf("delete failed: %s", out.Error)
	}

	resp, err = http.Get(srv.URL + "/api/bridge/community-1")
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
	if out := decodeResponse(t, resp); out.OK {
		t.Fatalf("error response marked ok")
	}
}

func TestBridgeNotFoundShape(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/bridge/no-such-community")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
	out := decodeResponse(t, resp)
	if out.OK || out.Error == "" {
		t.Fatalf("error shape: %+v", out)
	}
}

func TestAssetEndpointsUnconfigured(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/community/c1/assets/logo.png")
	if err != nil {
		t.Fatalf("GET asset: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without storage, got %d", resp.StatusCode)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialAndRegister(t *testing.T, srv *httptest.Server, did string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := conn.WriteJSON(relay.RegisterFrame(did)); err != nil {
		t.Fatalf("write register: %v", err)
	}
	frame := readServerFrame(t, conn)
	if frame.Type != relay.TypeRegistered || frame.DID != did {
		t.Fatalf("expected registered frame, got %+v", frame)
	}
	return conn
}

func readServerFrame(t *testing.T, conn *websocket.Conn) relay.ServerFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame relay.ServerFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebsocketSendLocalDelivery(t *testing.T) {
	srv := newTestServer(t)
	alice := dialAndRegister(t, srv, "did:key:zAlice")
	bob := dialAndRegister(t, srv, "did:key:zBob")

	if err := alice.WriteJSON(relay.SendFrame("did:key:zBob", "hello bob")); err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := readServerFrame(t, alice)
	if ack.Type != relay.TypeAck || !strings.HasPrefix(ack.ID, "msg_did:key:zBob_") {
		t.Fatalf("expected ack, got %+v", ack)
	}

	msg := readServerFrame(t, bob)
	if msg.Type != relay.TypeMessage || msg.FromDID != "did:key:zAlice" || msg.Payload != "hello bob" {
		t.Fatalf("delivered frame: %+v", msg)
	}
}

func TestWebsocketOfflineQueueDrain(t *testing.T) {
	srv := newTestServer(t)
	alice := dialAndRegister(t, srv, "did:key:zAlice")

	if err := alice.WriteJSON(relay.SendFrame("did:key:zBob", "while you were out")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if f := readServerFrame(t, alice); f.Type != relay.TypeAck {
		t.Fatalf("expected ack, got %+v", f)
	}

	// Bob registers after the fact and the queue drains as a normal message.
	bob := dialAndRegister(t, srv, "did:key:zBob")
	msg := readServerFrame(t, bob)
	if msg.Type != relay.TypeMessage || msg.Payload != "while you were out" {
		t.Fatalf("drained frame: %+v", msg)
	}
}

func TestWebsocketPingPong(t *testing.T) {
	srv := newTestServer(t)
	alice := dialAndRegister(t, srv, "did:key:zAlice")

	if err := alice.WriteJSON(relay.PingFrame()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if f := readServerFrame(t, alice); f.Type != relay.TypePong {
		t.Fatalf("expected pong, got %+v", f)
	}
}

func TestWebsocketRejectsUnregisteredTraffic(t *testing.T) {
	srv := newTestServer(t)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// First frame is a send, not a register.
	if err := conn.WriteJSON(relay.SendFrame("did:key:zBob", "sneaky")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readServerFrame(t, conn)
	if f.Type != relay.TypeError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestWebsocketRefusesDIDSwitch(t *testing.T) {
	srv := newTestServer(t)
	alice := dialAndRegister(t, srv, "did:key:zAlice")

	if err := alice.WriteJSON(relay.RegisterFrame("did:key:zMallory")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readServerFrame(t, alice)
	if f.Type != relay.TypeError {
		t.Fatalf("DID switch must be refused, got %+v", f)
	}
}
