package buildinfo

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	info := Info()
	for _, f := range Fields() {
		if info[f.Key] != f.Value {
			t.Errorf("Info()[%q] = %q, want %q", f.Key, info[f.Key], f.Value)
		}
	}
	if info["uptime"] == "" {
		t.Error("Info() missing uptime")
	}
}

func TestStringAndUserAgent(t *testing.T) {
	if !strings.HasPrefix(String(), "Norsk "+Version) {
		t.Errorf("String() = %q", String())
	}
	if UserAgent() != "norsk-tutor/"+Version {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs() has odd length %d", len(attrs))
	}
	if attrs[0] != "version" || attrs[1] != Version {
		t.Errorf("LogAttrs() = %v", attrs)
	}
}
