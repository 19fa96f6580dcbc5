package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nugget/norsk-tutor/internal/transport"
)

const testToken = "123456:secret-token"

// fakeBotAPI is an in-memory Bot API.
type fakeBotAPI struct {
	mu       sync.Mutex
	updates  []Update
	sent     []map[string]any
	actions  int
	offsets  []int64
	rejectHT bool // answer HTML sends with a parse error
	down     bool
}

func (f *fakeBotAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + testToken + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.Error(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		method := strings.TrimPrefix(r.URL.Path, prefix)

		var params map[string]any
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&params)
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.down {
			http.Error(w, `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, http.StatusBadGateway)
			return
		}

		var result any = true
		switch method {
		case "getMe":
			result = User{ID: 1, IsBot: true, Username: "norsk_bot"}
		case "getUpdates":
			off, _ := params["offset"].(float64)
			f.offsets = append(f.offsets, int64(off))
			var out []Update
			for _, u := range f.updates {
				if u.UpdateID >= int64(off) {
					out = append(out, u)
				}
			}
			if len(out) == 0 {
				f.mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				f.mu.Lock()
			}
			result = out
		case "sendMessage":
			if f.rejectHT && params["parse_mode"] == ParseModeHTML {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities: Unsupported start tag"}`)
				return
			}
			f.sent = append(f.sent, params)
			result = map[string]any{"message_id": len(f.sent)}
		case "sendChatAction":
			f.actions++
		default:
			t.Errorf("unexpected method %s", method)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
	})
}

func (f *fakeBotAPI) sentMessages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func newTestAPI(t *testing.T, f *fakeBotAPI) *API {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewAPI(srv.URL, testToken, srv.Client(), nil)
}

func TestAPI_GetMe(t *testing.T) {
	api := newTestAPI(t, &fakeBotAPI{})
	me, err := api.GetMe(context.Background())
	if err != nil {
		t.Fatalf("GetMe: %v", err)
	}
	if me.Username != "norsk_bot" {
		t.Errorf("Username = %q", me.Username)
	}
}

func TestAPI_ErrorHidesToken(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	api := NewAPI(srv.URL, testToken, &http.Client{Timeout: time.Second}, nil)
	err := api.Ping(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testToken) {
		t.Errorf("error leaks token: %v", err)
	}
}

func TestAPI_APIError(t *testing.T) {
	api := newTestAPI(t, &fakeBotAPI{rejectHT: true})
	err := api.SendMessage(context.Background(), 42, "<b>x", ParseModeHTML)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Code != 400 || !strings.Contains(apiErr.Description, "can't parse entities") {
		t.Errorf("APIError = %+v", apiErr)
	}
	if !IsParseError(err) {
		t.Error("IsParseError should be true")
	}
}

func TestSendText_HTMLAndFallback(t *testing.T) {
	f := &fakeBotAPI{}
	api := newTestAPI(t, f)

	if err := api.SendText(context.Background(), 42, "**Hei!** Ordet er _sol_."); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	sent := f.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages", len(sent))
	}
	if sent[0]["parse_mode"] != ParseModeHTML || sent[0]["text"] != "<strong>Hei!</strong> Ordet er <em>sol</em>." {
		t.Errorf("sent = %v", sent[0])
	}

	f.mu.Lock()
	f.rejectHT = true
	f.sent = nil
	f.mu.Unlock()

	if err := api.SendText(context.Background(), 42, "**Hei!**"); err != nil {
		t.Fatalf("SendText fallback: %v", err)
	}
	sent = f.sentMessages()
	if len(sent) != 1 || sent[0]["parse_mode"] != nil || sent[0]["text"] != "Hei!" {
		t.Errorf("fallback sent = %v", sent)
	}
}

func TestChunk(t *testing.T) {
	if got := Chunk("   ", 10); got != nil {
		t.Errorf("Chunk(blank) = %q", got)
	}
	if got := Chunk("kort", 10); len(got) != 1 || got[0] != "kort" {
		t.Errorf("Chunk(short) = %q", got)
	}

	text := "første avsnitt her\n\nandre avsnitt er litt lengre enn det"
	got := Chunk(text, 25)
	if len(got) < 2 || got[0] != "første avsnitt her" {
		t.Errorf("Chunk split = %q, want paragraph boundary first", got)
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 25 {
			t.Errorf("chunk %q has %d runes", c, n)
		}
	}

	long := strings.Repeat("æ", 30)
	got = Chunk(long, 10)
	if len(got) != 3 || strings.Join(got, "") != long {
		t.Errorf("Chunk(no separators) = %q", got)
	}
}

type memOffsets struct {
	mu sync.Mutex
	n  int64
}

func (m *memOffsets) GetInt(string, string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.n, nil
}

func (m *memOffsets) SetInt(_, _ string, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n = n
	return nil
}

type echoHandler struct {
	mu    sync.Mutex
	calls []string
}

func (h *echoHandler) HandleInbound(_ context.Context, userID, text string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, userID+"|"+text)
	return "Du skrev: " + text, nil
}

func (h *echoHandler) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func textUpdate(id, chatID int64, chatType, text string) Update {
	return Update{UpdateID: id, Message: &Message{
		MessageID: id,
		From:      &User{ID: chatID},
		Chat:      Chat{ID: chatID, Type: chatType},
		Text:      text,
	}}
}

func TestBridge_RepliesAndPersistsOffset(t *testing.T) {
	f := &fakeBotAPI{updates: []Update{
		textUpdate(100, 42, "private", "Hallo"),
		textUpdate(101, 7, "group", "ignored"),
		textUpdate(102, 42, "private", "Hvordan har du det?"),
	}}
	api := newTestAPI(t, f)
	h := &echoHandler{}
	offsets := &memOffsets{n: 100}

	b := NewBridge(BridgeConfig{API: api, Handler: h, State: offsets, PollTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.sentMessages()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("replies = %v", f.sentMessages())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := []string{"telegram:42|Hallo", "telegram:42|Hvordan har du det?"}
	got := h.seen()
	if len(got) != len(want) {
		t.Fatalf("handler calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}

	if n, _ := offsets.GetInt("", ""); n != 103 {
		t.Errorf("persisted offset = %d, want 103", n)
	}
	f.mu.Lock()
	firstOffset := f.offsets[0]
	f.mu.Unlock()
	if firstOffset != 100 {
		t.Errorf("first poll offset = %d, want the stored 100", firstOffset)
	}
	if chat := f.sentMessages()[0]["chat_id"]; chat != float64(42) {
		t.Errorf("reply chat_id = %v", chat)
	}
}

func TestBridge_Send(t *testing.T) {
	f := &fakeBotAPI{}
	b := NewBridge(BridgeConfig{API: newTestAPI(t, f), Handler: &echoHandler{}})

	if err := b.Send(context.Background(), "telegram:42", "God morgen!"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := f.sentMessages(); len(sent) != 1 || sent[0]["text"] != "God morgen!" {
		t.Errorf("sent = %v", sent)
	}

	if err := b.Send(context.Background(), "signal:+47", "x"); !errors.Is(err, transport.ErrUnknownChannel) {
		t.Errorf("Send(signal user) = %v, want ErrUnknownChannel", err)
	}
	if err := b.Send(context.Background(), "telegram:abc", "x"); err == nil {
		t.Error("Send with non-numeric chat id should fail")
	}
}
