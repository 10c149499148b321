package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sylaw2022/ChatApp/internal/models"
)

type eventRecorder struct {
	mu  sync.Mutex
	got []*models.Event
}

func (r *eventRecorder) handle(ev *models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func (r *eventRecorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.got {
		out = append(out, ev.ID)
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, id string) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		for _, got := range r.ids() {
			if got == id {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("event %s never delivered, got %v", id, r.ids())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func testEventJSON(id string, typ models.EventType) []byte {
	b, _ := json.Marshal(&models.Event{ID: id, Type: typ, Payload: json.RawMessage(`{}`)})
	return b
}

func runTransport(t *testing.T, srvURL string, rec *eventRecorder, active func() bool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTransport(TransportConfig{
		BaseURL:            srvURL,
		Token:              "t",
		PollIntervalActive: 50 * time.Millisecond,
		PollIntervalIdle:   100 * time.Millisecond,
	}, rec.handle, active)
	go tr.Run(ctx)
	return cancel
}

func TestTransportPollDedup(t *testing.T) {
	// 推送不可用（404），事件仅经轮询到达；保留窗口导致的重复由去重拦截
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/poll":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, "[%s]", testEventJSON("e1", models.EventEndCall))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cancel := runTransport(t, srv.URL, rec, nil)
	defer cancel()

	rec.waitFor(t, "e1")
	time.Sleep(300 * time.Millisecond) // 再跑几轮轮询
	if ids := rec.ids(); len(ids) != 1 {
		t.Fatalf("duplicate deliveries: %v", ids)
	}
}

func TestTransportStreamDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/stream":
			fl := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\n")
			fl.Flush()
			fmt.Fprintf(w, "data: %s\n\n", testEventJSON("push1", models.EventCallAccepted))
			fl.Flush()
			<-r.Context().Done()
		case "/api/events/poll":
			fmt.Fprint(w, "[]")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cancel := runTransport(t, srv.URL, rec, nil)
	defer cancel()

	rec.waitFor(t, "push1")
}

func TestTransportPollSkipsMessagesWhilePushOpen(t *testing.T) {
	var pushReady atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/stream":
			fl := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, ": keepalive\n\n")
			fl.Flush()
			pushReady.Store(true)
			<-r.Context().Done()
		case "/api/events/poll":
			w.Header().Set("Content-Type", "application/json")
			if !pushReady.Load() {
				fmt.Fprint(w, "[]")
				return
			}
			// 推送打开后轮询同时看到消息事件与呼叫事件
			fmt.Fprintf(w, "[%s,%s]",
				testEventJSON("msg1", models.EventReceiveMessage),
				testEventJSON("call1", models.EventEndCall))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cancel := runTransport(t, srv.URL, rec, nil)
	defer cancel()

	rec.waitFor(t, "call1")
	for _, id := range rec.ids() {
		if id == "msg1" {
			t.Fatalf("message event delivered from poll while push open")
		}
	}
}

func TestTransportUnknownEventTypeDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/poll":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `[{"id":"bad","type":"mystery","payload":{},"ts":0},%s]`,
				testEventJSON("good", models.EventEndCall))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	cancel := runTransport(t, srv.URL, rec, nil)
	defer cancel()

	rec.waitFor(t, "good")
	for _, id := range rec.ids() {
		if id == "bad" {
			t.Fatalf("unknown event type passed the decode boundary")
		}
	}
}

func TestTransportReconnectBudgetResetsAfterOpen(t *testing.T) {
	// 每条流连接推送一个事件后立即断开；断开总数超过连续失败上限，
	// 但每次连接都建立成功，推送通道不应被放弃
	var conns atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/stream":
			n := conns.Add(1)
			fl := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "data: %s\n\n", testEventJSON(fmt.Sprintf("push%d", n), models.EventEndCall))
			fl.Flush()
		case "/api/events/poll":
			fmt.Fprint(w, "[]")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rec := &eventRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport(TransportConfig{
		BaseURL:              srv.URL,
		Token:                "t",
		PollIntervalActive:   50 * time.Millisecond,
		PollIntervalIdle:     time.Second,
		MaxReconnectAttempts: 2,
	}, rec.handle, nil)
	tr.backoffBase = 10 * time.Millisecond
	go tr.Run(ctx)

	// 四次断开 > 上限 2；若失败计数未在建连成功后归零，push4 永远到不了
	rec.waitFor(t, "push4")
}

func TestTransportPollSpeedsUpDuringCall(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/events/poll":
			polls.Add(1)
			fmt.Fprint(w, "[]")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	var inCall atomic.Bool
	rec := &eventRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewTransport(TransportConfig{
		BaseURL:            srv.URL,
		Token:              "t",
		PollIntervalActive: 50 * time.Millisecond,
		PollIntervalIdle:   400 * time.Millisecond,
	}, rec.handle, inCall.Load)
	go tr.Run(ctx)
	defer cancel()

	time.Sleep(500 * time.Millisecond)
	idleRate := polls.Load()

	inCall.Store(true)
	polls.Store(0)
	time.Sleep(500 * time.Millisecond)
	activeRate := polls.Load()

	if activeRate <= idleRate {
		t.Fatalf("poll rate did not increase during call: idle=%d active=%d", idleRate, activeRate)
	}
}
