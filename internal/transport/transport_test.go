package transport

import (
	"context"
	"errors"
	"testing"
)

func TestSplitUserID(t *testing.T) {
	tests := []struct {
		in          string
		channel, id string
		ok          bool
	}{
		{"telegram:42", "telegram", "42", true},
		{"signal:+4712345678", "signal", "+4712345678", true},
		{"http:ola:nordmann", "http", "ola:nordmann", true},
		{"nochannel", "", "", false},
		{":42", "", "", false},
		{"telegram:", "", "", false},
	}
	for _, tt := range tests {
		channel, id, ok := SplitUserID(tt.in)
		if channel != tt.channel || id != tt.id || ok != tt.ok {
			t.Errorf("SplitUserID(%q) = %q, %q, %v; want %q, %q, %v",
				tt.in, channel, id, ok, tt.channel, tt.id, tt.ok)
		}
	}
	if got := UserID("telegram", "7"); got != "telegram:7" {
		t.Errorf("UserID = %q", got)
	}
}

func TestRouter_Send(t *testing.T) {
	var got []string
	record := func(name string) Sender {
		return SenderFunc(func(_ context.Context, userID, text string) error {
			got = append(got, name+"|"+userID+"|"+text)
			return nil
		})
	}

	r := NewRouter()
	r.Register("telegram", record("tg"))
	r.Register("signal", record("sig"))

	if err := r.Send(context.Background(), "telegram:1", "hei"); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(context.Background(), "signal:+47", "hallo"); err != nil {
		t.Fatal(err)
	}

	want := []string{"tg|telegram:1|hei", "sig|signal:+47|hallo"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("deliveries = %v, want %v", got, want)
	}
	if len(r.Channels()) != 2 {
		t.Errorf("Channels() = %v", r.Channels())
	}
}

func TestRouter_UnknownChannel(t *testing.T) {
	r := NewRouter()
	for _, id := range []string{"sms:123", "garbage"} {
		if err := r.Send(context.Background(), id, "x"); !errors.Is(err, ErrUnknownChannel) {
			t.Errorf("Send(%q) = %v, want ErrUnknownChannel", id, err)
		}
	}
}

func TestRouter_PropagatesSenderError(t *testing.T) {
	boom := errors.New("boom")
	r := NewRouter()
	r.Register("telegram", SenderFunc(func(context.Context, string, string) error { return boom }))
	if err := r.Send(context.Background(), "telegram:1", "x"); !errors.Is(err, boom) {
		t.Errorf("Send = %v, want boom", err)
	}
}
