package webhook

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordedMessage struct {
	userID    string
	channelID string
	text      string
}

type fakeSink struct {
	mu       sync.Mutex
	messages []recordedMessage
}

func (f *fakeSink) OnMessage(userID, channelID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, recordedMessage{userID, channelID, text})
	return nil
}

type fakeHooks struct {
	mu       sync.Mutex
	newMsgs  []string
	receipts []string
}

func (f *fakeHooks) OnNewMessage(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newMsgs = append(f.newMsgs, userID)
}

func (f *fakeHooks) OnReadReceipt(_ context.Context, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, userID)
}

func newTestServer(t *testing.T) (*Server, *fakeSink, *fakeHooks) {
	t.Helper()
	sink := &fakeSink{}
	hooks := &fakeHooks{}
	srv, err := NewServer(8080, "secret-token", sink, hooks)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv, sink, hooks
}

func TestVerifyEchoesChallenge(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret-token&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if rr.Body.String() != "12345" {
		t.Fatalf("expected challenge echoed, got %q", rr.Body.String())
	}
}

func TestVerifyRejectsBadToken(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestEventsDeliverTextMessages(t *testing.T) {
	srv, sink, hooks := newTestServer(t)

	body := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [{
				"sender": {"id": "u1"},
				"recipient": {"id": "page-1"},
				"message": {"text": "dzień dobry"}
			}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if len(sink.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(sink.messages))
	}
	got := sink.messages[0]
	if got.userID != "u1" || got.channelID != "page-1" || got.text != "dzień dobry" {
		t.Fatalf("unexpected message: %+v", got)
	}
	if len(hooks.newMsgs) != 1 || hooks.newMsgs[0] != "u1" {
		t.Fatalf("expected new-message hook for u1, got %v", hooks.newMsgs)
	}
}

func TestEventsSkipEchoesAndNonText(t *testing.T) {
	srv, sink, hooks := newTestServer(t)

	body := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [
				{"sender": {"id": "page-1"}, "message": {"is_echo": true, "text": "nasza odpowiedź"}},
				{"sender": {"id": "u2"}, "message": {"attachments": [{"type": "image"}]}},
				{"sender": {"id": "u3"}, "delivery": {"watermark": 1}}
			]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("no messages expected, got %+v", sink.messages)
	}
	if len(hooks.newMsgs) != 0 {
		t.Fatalf("no hooks expected, got %v", hooks.newMsgs)
	}
}

func TestEventsRouteReadReceipts(t *testing.T) {
	srv, sink, hooks := newTestServer(t)

	body := `{
		"object": "page",
		"entry": [{
			"id": "page-1",
			"messaging": [{"sender": {"id": "u4"}, "read": {"watermark": 1678000000}}]
		}]
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if len(hooks.receipts) != 1 || hooks.receipts[0] != "u4" {
		t.Fatalf("expected read receipt for u4, got %v", hooks.receipts)
	}
	if len(sink.messages) != 0 {
		t.Fatalf("read receipt must not produce a message, got %+v", sink.messages)
	}
}

func TestEventsRejectNonPageObject(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"object":"user","entry":[]}`))
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestEventsRejectInvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	srv.handleWebhook(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	srv, _, _ := newTestServer(t)
	srv.startedUnix.Store(time.Now().Add(-5 * time.Second).Unix())
	srv.receivedEvents = 3
	srv.SetStatusProvider(func(ctx context.Context) map[string]interface{} {
		return map[string]interface{}{"poll_running": true}
	})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rr := httptest.NewRecorder()
	srv.handleStatus(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	var payload statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.ReceivedMessages != 3 {
		t.Fatalf("unexpected received count: %d", payload.ReceivedMessages)
	}
	if payload.UptimeSec <= 0 {
		t.Fatalf("expected positive uptime, got %d", payload.UptimeSec)
	}
	if running, ok := payload.Runtime["poll_running"].(bool); !ok || !running {
		t.Fatalf("unexpected runtime payload: %+v", payload.Runtime)
	}
}

func TestStartReportsBindFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	srv, err := NewServer(port, "secret-token", &fakeSink{}, &fakeHooks{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected bind error for occupied port")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return on bind failure")
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(0, "tok", &fakeSink{}, nil); err == nil {
		t.Fatal("expected error for zero port")
	}
	if _, err := NewServer(8080, "", &fakeSink{}, nil); err == nil {
		t.Fatal("expected error for empty verify token")
	}
	if _, err := NewServer(8080, "tok", nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}
