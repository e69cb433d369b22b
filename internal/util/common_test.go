package util

import (
	"path/filepath"
	"testing"
)

func TestTrimHost(t *testing.T) {
	cases := map[string]string{
		"presence.example.org":          "presence.example.org",
		" localhost:8790 ":              "localhost:8790",
		"https://presence.example.org/": "presence.example.org",
		"ws://localhost:8790/ws":        "localhost:8790",
	}
	for in, want := range cases {
		if got := TrimHost(in); got != want {
			t.Errorf("TrimHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "x.db")
	if got := ResolvePath("/base", abs); got != abs {
		t.Fatalf("absolute path must win, got %q", got)
	}
	if got := ResolvePath("/base", "data/x.db"); got != filepath.Join("/base", "data/x.db") {
		t.Fatalf("unexpected join %q", got)
	}
}
