package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/newgate/internal/auth"
	"github.com/dohr-michael/newgate/internal/bridge"
	"github.com/dohr-michael/newgate/internal/events"
	wsprotocol "github.com/dohr-michael/newgate/internal/gateway/ws"
	"github.com/dohr-michael/newgate/internal/store"
)

const (
	testPlugin = "demo-app"
	testFrame  = "https://plugin.test"
	testApp    = "https://app.test"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// newRelay starts a real bridge relay with demo-app installed for u1 and
// returns its URL and a session cookie.
func newRelay(t *testing.T) (string, string) {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "client.db"), discard)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.RegisterPlugin(ctx, store.Plugin{
		PluginID:  testPlugin,
		Name:      "Demo",
		SourceURL: testFrame + "/app/",
		Published: true,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Install(ctx, "u1", testPlugin); err != nil {
		t.Fatal(err)
	}

	a := auth.New(st, time.Hour, discard)
	token, _, err := a.Issue(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(16)
	t.Cleanup(bus.Close)
	hub := wsprotocol.NewHub(bus, wsprotocol.Deps{Auth: a, Catalog: st, Logger: discard}, wsprotocol.Config{
		OriginPatterns: []string{"app.test"},
	})

	r := chi.NewRouter()
	r.Get("/api/bridge/{pluginId}", hub.ServeWS)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/bridge/" + testPlugin, auth.CookieName + "=" + token
}

func dial(t *testing.T, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if opts.Logger == nil {
		opts.Logger = discard
	}
	c, err := Dial(ctx, opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_CallsThroughRelay(t *testing.T) {
	url, cookie := newRelay(t)
	c := dial(t, Options{URL: url, FrameOrigin: testFrame, AppOrigin: testApp, Cookie: cookie})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	value, err := c.Call(ctx, bridge.CapHandshake, nil)
	if err != nil {
		t.Fatalf("handshake: %v", err)
	}
	var hs bridge.HandshakeResult
	if err := json.Unmarshal(value, &hs); err != nil {
		t.Fatal(err)
	}
	if hs.PluginID != testPlugin || hs.Version != bridge.ProtocolVersion {
		t.Errorf("unexpected handshake %+v", hs)
	}

	_, err = c.Call(ctx, "files.delete", nil)
	var be *bridge.Error
	if !errors.As(err, &be) || be.Code != bridge.CodeUnknownCapability {
		t.Fatalf("expected UNKNOWN_CAPABILITY, got %v", err)
	}

	_, err = c.Call(ctx, bridge.CapResize, map[string]int{"height": -1})
	if !errors.As(err, &be) || be.Code != bridge.CodeInvalidArgs {
		t.Fatalf("expected INVALID_ARGS, got %v", err)
	}
}

func TestClient_ConcurrentCalls(t *testing.T) {
	url, cookie := newRelay(t)
	c := dial(t, Options{URL: url, FrameOrigin: testFrame, AppOrigin: testApp, Cookie: cookie})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := c.Call(ctx, bridge.CapHandshake, nil)
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
}

func TestClient_ForeignOriginTimesOut(t *testing.T) {
	url, cookie := newRelay(t)
	c := dial(t, Options{URL: url, FrameOrigin: "https://evil.test", AppOrigin: testApp, Cookie: cookie})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, bridge.CapHandshake, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the host to ignore the call, got %v", err)
	}
}

func TestDial_Rejected(t *testing.T) {
	url, _ := newRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, Options{URL: url, FrameOrigin: testFrame, AppOrigin: testApp}); err == nil {
		t.Fatal("expected dial without session to fail")
	}
}

func TestClient_CloseFailsCalls(t *testing.T) {
	url, cookie := newRelay(t)
	c := dial(t, Options{URL: url, FrameOrigin: testFrame, AppOrigin: testApp, Cookie: cookie})

	c.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not stop")
	}
	if _, err := c.Call(context.Background(), bridge.CapHandshake, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

// fakeRelay accepts one connection, answers the client's first call, pushes
// an event and a host call, then reports the client's reply.
func fakeRelay(t *testing.T, capability string) (string, <-chan bridge.Envelope) {
	t.Helper()
	replies := make(chan bridge.Envelope, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		// the client announces itself once its handlers are registered
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := wsprotocol.UnmarshalFrame(raw)
		if err != nil {
			return
		}
		ready, err := bridge.UnmarshalEnvelope(frame.Data)
		if err != nil {
			return
		}
		ack, _ := bridge.NewResult(ready.ID, "ok")

		event, _ := bridge.NewEvent("theme.changed", map[string]string{"mode": "dark"})
		call, _ := bridge.NewCall("host-1", capability, map[string]int{"n": 2})
		for _, env := range []bridge.Envelope{ack, event, call} {
			data, _ := bridge.MarshalEnvelope(env)
			msg, _ := wsprotocol.MarshalFrame(wsprotocol.NewOutboundFrame(testFrame, data))
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}

		_, raw, err = conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err = wsprotocol.UnmarshalFrame(raw)
		if err != nil || frame.Origin != testFrame {
			return
		}
		if env, err := bridge.UnmarshalEnvelope(frame.Data); err == nil {
			replies <- env
		}
		conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), replies
}

func TestClient_ServesHostCallsAndEvents(t *testing.T) {
	url, replies := fakeRelay(t, "plugin.double")

	got := make(chan string, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, FrameOrigin: testFrame, Logger: discard})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	c.OnEvent("theme.changed", func(payload json.RawMessage) { got <- string(payload) })
	c.Handle("plugin.double", func(_ context.Context, args json.RawMessage) (any, error) {
		var in struct{ N int }
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, bridge.InvalidArgs("%v", err)
		}
		return in.N * 2, nil
	})
	if _, err := c.Call(ctx, "ready", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case reply := <-replies:
		if reply.ID != "host-1" || reply.OK == nil || !*reply.OK || string(reply.Value) != "4" {
			t.Fatalf("unexpected reply %+v", reply)
		}
	case <-ctx.Done():
		t.Fatal("no reply to host call")
	}
	select {
	case payload := <-got:
		if payload != `{"mode":"dark"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}
}

func TestClient_UnknownHostCall(t *testing.T) {
	url, replies := fakeRelay(t, "plugin.missing")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: url, FrameOrigin: testFrame, Logger: discard})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Call(ctx, "ready", nil); err != nil {
		t.Fatal(err)
	}

	select {
	case reply := <-replies:
		if reply.Error == nil || reply.Error.Code != bridge.CodeUnknownCapability {
			t.Fatalf("unexpected reply %+v", reply)
		}
	case <-ctx.Done():
		t.Fatal("no reply to host call")
	}
}
