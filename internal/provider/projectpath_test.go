package provider

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDecodeProjectPathUnix(t *testing.T) {
	cases := []struct {
		encoded string
		want    string
	}{
		{"-Users-jane-src-app", "/Users/jane/src/app"},
		{"-home-jane-work-api", "/home/jane/work/api"},
		{"/already/absolute", "/already/absolute"},
	}
	for _, tc := range cases {
		if got := DecodeProjectPath(tc.encoded); got != tc.want {
			t.Errorf("DecodeProjectPath(%q) = %q, want %q", tc.encoded, got, tc.want)
		}
	}
}

func TestDecodeProjectPathWindowsDrive(t *testing.T) {
	got := DecodeProjectPath("-C-Users-jane-proj")
	want := `C:\Users\jane\proj`
	if got != want {
		t.Errorf("DecodeProjectPath = %q, want %q", got, want)
	}
}

func TestDecodeProjectPathRelativeFallsBackToHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	got := DecodeProjectPath("scratch")
	want := filepath.Join(home, "scratch")
	if got != want {
		t.Errorf("DecodeProjectPath = %q, want %q", got, want)
	}
}

func TestDecodeProjectPathURLEncoded(t *testing.T) {
	got := DecodeProjectPath("-Users-jane-my%20app")
	want := "/Users/jane/my app"
	if got != want {
		t.Errorf("DecodeProjectPath = %q, want %q", got, want)
	}
}

func TestDecodeProjectPathDeterministic(t *testing.T) {
	// The decode is heuristic for names containing '-', but it must be
	// stable: the decoded path is the project identity.
	encoded := "-Users-jane-my-app"
	first := DecodeProjectPath(encoded)
	for i := 0; i < 10; i++ {
		if got := DecodeProjectPath(encoded); got != first {
			t.Fatalf("decode not deterministic: %q vs %q", got, first)
		}
	}
}

func TestProjectName(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/Users/jane/src/app", "app"},
		{`C:\Users\jane\proj`, "proj"},
		{"", "unknown"},
	}
	for _, tc := range cases {
		if got := ProjectName(tc.path); got != tc.want {
			t.Errorf("ProjectName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
