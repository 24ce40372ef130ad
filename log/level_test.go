package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestLevelUnmarshalText(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"Warn", LevelWarn},
		{"error", LevelError},
		{"disabled", LevelDisabled},
		{"disable", LevelDisabled},
		{"false", LevelDisabled},
	}

	for _, tt := range tests {
		var l Level
		if err := l.UnmarshalText([]byte(tt.in)); err != nil {
			t.Errorf("UnmarshalText(%q): %v", tt.in, err)
			continue
		}

		if l != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.in, l, tt.want)
		}
	}
}

func TestLevelUnmarshalTextInvalid(t *testing.T) {
	var l Level
	if err := l.UnmarshalText([]byte("loud")); err == nil {
		t.Error("UnmarshalText(\"loud\") = nil, want error")
	}
}

func TestLevelString(t *testing.T) {
	if want, got := "DISABLED", LevelDisabled.String(); got != want {
		t.Errorf("LevelDisabled.String() = %q, want %q", got, want)
	}

	if want, got := "WARN", LevelWarn.String(); got != want {
		t.Errorf("LevelWarn.String() = %q, want %q", got, want)
	}
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer

	SetTextHandler(&buf)
	t.Cleanup(func() {
		SetLogLevel(LevelInfo)
		SetTextHandler(os.Stderr)
	})

	SetLogLevel(LevelWarn)
	Info("hidden")
	Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %q", out)
	}

	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestErrorCauseAttr(t *testing.T) {
	var buf bytes.Buffer

	SetLogLevel(LevelInfo)
	SetTextHandler(&buf)
	t.Cleanup(func() { SetTextHandler(os.Stderr) })

	Error("boom", errTest)

	if !strings.Contains(buf.String(), "cause=test") {
		t.Errorf("missing cause attribute: %q", buf.String())
	}
}

type testErr struct{}

func (testErr) Error() string { return "test" }

var errTest = testErr{}
