package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/norsk-tutor/internal/connwatch"
	"github.com/nugget/norsk-tutor/internal/events"
	"github.com/nugget/norsk-tutor/internal/profile"
	"github.com/nugget/norsk-tutor/internal/scheduler"
	"github.com/nugget/norsk-tutor/internal/usage"
)

type fakeTutor struct {
	gotUser, gotText string
	err              error
}

func (f *fakeTutor) HandleInbound(_ context.Context, userID, text string) (string, error) {
	f.gotUser, f.gotText = userID, text
	if f.err != nil {
		return "", f.err
	}
	return "Hei! Jeg har det bra.", nil
}

type fakeSweeper struct {
	busy  bool
	fired int
}

func (f *fakeSweeper) FireSweep(_ context.Context, at time.Time, label string) (*scheduler.Sweep, error) {
	sw := &scheduler.Sweep{ID: "sweep-1", Label: label, ScheduledAt: at, Status: scheduler.StatusCompleted, Users: 2, Delivered: 2}
	if f.busy {
		sw.Status = scheduler.StatusSkipped
		return sw, scheduler.ErrSweepInProgress
	}
	f.fired++
	return sw, nil
}

func (f *fakeSweeper) Sweeps(limit int) ([]*scheduler.Sweep, error) {
	return []*scheduler.Sweep{{ID: "sweep-0", Label: "08:00", Status: scheduler.StatusCompleted}}, nil
}

type fakeHealth struct{ ready bool }

func (f fakeHealth) Ready() bool { return f.ready }
func (f fakeHealth) Status() []connwatch.Status {
	return []connwatch.Status{{Name: "telegram", Ready: f.ready}}
}

type fakeUsage struct {
	start, end time.Time
	err        error
}

func (f *fakeUsage) Summary(start, end time.Time) (*usage.Summary, error) {
	f.start, f.end = start, end
	if f.err != nil {
		return nil, f.err
	}
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 1200, TotalOutputTokens: 400}, nil
}

func (f *fakeUsage) SummaryByModel(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"gpt-4o-mini": {TotalRecords: 3}}, nil
}

func (f *fakeUsage) SummaryByKind(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"reactive": {TotalRecords: 2}, "scheduled": {TotalRecords: 1}}, nil
}

func (f *fakeUsage) SummaryByUser(time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"telegram:1": {TotalRecords: 3}}, nil
}

type fixture struct {
	srv      *httptest.Server
	tutor    *fakeTutor
	sweeper  *fakeSweeper
	profiles *profile.Store
	outbox   *Outbox
	usage    *fakeUsage
	bus      *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tutor:    &fakeTutor{},
		sweeper:  &fakeSweeper{},
		profiles: profile.NewStore(nil, nil),
		outbox:   NewOutbox(),
		usage:    &fakeUsage{},
		bus:      events.New(),
	}
	s := NewServer(Config{
		Tutor:    f.tutor,
		Profiles: f.profiles,
		Sweeper:  f.sweeper,
		Health:   fakeHealth{ready: true},
		Outbox:   f.outbox,
		Usage:    f.usage,
		Bus:      f.bus,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	var rdr *bytes.Reader
	if body != "" {
		rdr = bytes.NewReader([]byte(body))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndVersion(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "GET", "/health", "")
	if resp.StatusCode != 200 || body["status"] != "healthy" {
		t.Errorf("/health = %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, "GET", "/v1/version", "")
	if resp.StatusCode != 200 || body["version"] == nil {
		t.Errorf("/v1/version = %d %v", resp.StatusCode, body)
	}
	resp, body = f.do(t, "GET", "/v1/health/deps", "")
	if resp.StatusCode != 200 || body["ready"] != true {
		t.Errorf("/v1/health/deps = %d %v", resp.StatusCode, body)
	}
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/v1/messages", `{"user_id":"ola","text":"Hallo, hvordan har du det?"}`)
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["reply"] != "Hei! Jeg har det bra." || body["user_id"] != "http:ola" {
		t.Errorf("body = %v", body)
	}
	if f.tutor.gotUser != "http:ola" || f.tutor.gotText != "Hallo, hvordan har du det?" {
		t.Errorf("tutor got %q %q", f.tutor.gotUser, f.tutor.gotText)
	}

	// Qualified ids pass through untouched.
	f.do(t, "POST", "/v1/messages", `{"user_id":"telegram:42","text":"hei"}`)
	if f.tutor.gotUser != "telegram:42" {
		t.Errorf("qualified id rewritten to %q", f.tutor.gotUser)
	}
}

func TestPostMessage_Errors(t *testing.T) {
	f := newFixture(t)

	if resp, _ := f.do(t, "POST", "/v1/messages", `not json`); resp.StatusCode != 400 {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, "POST", "/v1/messages", `{"text":"hei"}`); resp.StatusCode != 400 {
		t.Errorf("missing user status = %d", resp.StatusCode)
	}

	f.tutor.err = errors.New("empty user id")
	if resp, _ := f.do(t, "POST", "/v1/messages", `{"user_id":"x","text":"hei"}`); resp.StatusCode != 500 {
		t.Errorf("tutor error status = %d", resp.StatusCode)
	}
}

func TestProfiles(t *testing.T) {
	f := newFixture(t)
	f.profiles.GetOrCreate("telegram:42")
	f.profiles.Update("telegram:42", func(p *profile.Profile) {
		p.AddWord("hund")
		p.ExplanationLanguage = "Russian"
	})

	resp, body := f.do(t, "GET", "/v1/profiles", "")
	if resp.StatusCode != 200 || body["count"] != float64(1) {
		t.Fatalf("list = %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, "GET", "/v1/profiles/telegram:42", "")
	if resp.StatusCode != 200 || body["explanation_language"] != "Russian" {
		t.Errorf("get = %d %v", resp.StatusCode, body)
	}

	if resp, _ := f.do(t, "GET", "/v1/profiles/telegram:7", ""); resp.StatusCode != 404 {
		t.Errorf("missing profile status = %d", resp.StatusCode)
	}

	resp, body = f.do(t, "POST", "/v1/profiles/telegram:42/reset", "")
	if resp.StatusCode != 200 || body["explanation_language"] != profile.DefaultLanguage {
		t.Errorf("reset = %d %v", resp.StatusCode, body)
	}
	if p, _ := f.profiles.Get("telegram:42"); len(p.Vocabulary) != 0 {
		t.Errorf("vocabulary after reset = %v", p.Vocabulary)
	}
}

func TestSweeps(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "POST", "/v1/sweeps", "")
	if resp.StatusCode != 200 || body["label"] != "manual" || f.sweeper.fired != 1 {
		t.Errorf("fire = %d %v", resp.StatusCode, body)
	}

	f.sweeper.busy = true
	resp, body = f.do(t, "POST", "/v1/sweeps", "")
	if resp.StatusCode != http.StatusConflict || body["status"] != "skipped" {
		t.Errorf("overlap = %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, "GET", "/v1/sweeps?limit=5", "")
	if resp.StatusCode != 200 {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if list, _ := body["sweeps"].([]any); len(list) != 1 {
		t.Errorf("sweeps = %v", body["sweeps"])
	}
	if resp, _ := f.do(t, "GET", "/v1/sweeps?limit=zero", ""); resp.StatusCode != 400 {
		t.Errorf("bad limit status = %d", resp.StatusCode)
	}
}

func TestOutbox(t *testing.T) {
	f := newFixture(t)

	_ = f.outbox.Send(context.Background(), "http:ola", "God morgen!")
	resp, body := f.do(t, "GET", "/v1/outbox/ola", "")
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 || msgs[0].(map[string]any)["text"] != "God morgen!" {
		t.Errorf("messages = %v", body["messages"])
	}

	// Drained.
	_, body = f.do(t, "GET", "/v1/outbox/ola", "")
	if msgs, _ := body["messages"].([]any); len(msgs) != 0 {
		t.Errorf("second fetch = %v", body["messages"])
	}
}

func TestOutbox_Limit(t *testing.T) {
	o := NewOutbox()
	for range outboxLimit + 5 {
		_ = o.Send(context.Background(), "http:a", "x")
	}
	if n := len(o.Drain("http:a")); n != outboxLimit {
		t.Errorf("kept %d messages, want %d", n, outboxLimit)
	}
}

func TestEventsWebsocket(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.bus.Emit(events.SourceScheduler, events.KindSweepStart, map[string]any{"label": "08:00"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Kind != events.KindSweepStart || e.Data["label"] != "08:00" {
		t.Errorf("event = %+v", e)
	}
}

func TestUsage(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, "GET", "/v1/usage?days=30", "")
	if resp.StatusCode != 200 {
		t.Fatalf("/v1/usage = %d %v", resp.StatusCode, body)
	}
	total := body["total"].(map[string]any)
	if total["records"].(float64) != 3 || total["input_tokens"].(float64) != 1200 {
		t.Errorf("total = %v", total)
	}
	if _, ok := body["by_kind"].(map[string]any)["scheduled"]; !ok {
		t.Errorf("by_kind = %v, want scheduled entry", body["by_kind"])
	}
	if got := f.usage.end.Sub(f.usage.start); got != 30*24*time.Hour {
		t.Errorf("window = %v, want 30 days", got)
	}

	for _, q := range []string{"days=0", "days=x", "days=400"} {
		if resp, _ := f.do(t, "GET", "/v1/usage?"+q, ""); resp.StatusCode != 400 {
			t.Errorf("/v1/usage?%s = %d, want 400", q, resp.StatusCode)
		}
	}

	f.usage.err = errors.New("db closed")
	if resp, _ := f.do(t, "GET", "/v1/usage", ""); resp.StatusCode != 500 {
		t.Errorf("/v1/usage with store error = %d, want 500", resp.StatusCode)
	}
}

func TestUsage_NotConfigured(t *testing.T) {
	srv := httptest.NewServer(NewServer(Config{Tutor: &fakeTutor{}, Profiles: profile.NewStore(nil, nil)}).Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
