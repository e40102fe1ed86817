package progress

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	logx "thumbq/pkg/logx"
)

func TestNewModes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cases := []struct {
		mode string
		want string
	}{
		{"", "*progress.Log"},
		{"auto", "*progress.Log"},
		{"bar", "*progress.Bar"},
		{"LOG", "*progress.Log"},
		{"off", "progress.Nop"},
	}
	for _, tc := range cases {
		r, err := New(tc.mode, &buf, logx.Nop(), 0)
		if err != nil {
			t.Fatalf("New(%q): %v", tc.mode, err)
		}
		if got := typeName(r); got != tc.want {
			t.Errorf("New(%q) = %s, want %s", tc.mode, got, tc.want)
		}
	}
	if _, err := New("fancy", &buf, logx.Nop(), 0); err == nil {
		t.Fatal("unknown mode accepted")
	}
}

func typeName(r Reporter) string {
	switch r.(type) {
	case *Log:
		return "*progress.Log"
	case *Bar:
		return "*progress.Bar"
	case Nop:
		return "progress.Nop"
	}
	return "?"
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogReporterRateLimits(t *testing.T) {
	t.Parallel()

	var out lockedBuffer
	l := NewLog(logx.NewJSON(&out, "info"), time.Hour)

	l.Tick() // before Start: ignored
	l.Start()
	l.SetTotal(1500)
	for i := 0; i < 1500; i++ {
		l.Tick()
	}
	l.Done()
	l.Done()

	var lines []map[string]any
	for _, ln := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(ln), &m); err != nil {
			t.Fatalf("bad log line %q: %v", ln, err)
		}
		lines = append(lines, m)
	}
	// Start, the first tick, and one summary; the hour-long window swallows the rest.
	if len(lines) != 3 {
		t.Fatalf("got %d log lines, want 3:\n%s", len(lines), out.String())
	}
	if lines[1]["done"] != "1" || lines[1]["total"] != "1,500" {
		t.Fatalf("first tick line = %v", lines[1])
	}
	if lines[2]["message"] != Title+" finished" || lines[2]["done"] != "1,500" {
		t.Fatalf("summary line = %v", lines[2])
	}
}

func TestBarRendersTitle(t *testing.T) {
	t.Parallel()

	var out lockedBuffer
	b := NewBar(&out)
	b.Tick() // before Start: ignored
	b.Start()
	b.SetTotal(2)
	b.Tick()
	b.Tick()
	b.Done()
	b.Done()

	if s := out.String(); !strings.Contains(s, Title) || !strings.Contains(s, "2 / 2") {
		t.Fatalf("bar output = %q", s)
	}
}
