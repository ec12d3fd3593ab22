package versionutil

import "testing"

func TestEnsureVPrefix(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":       "",
		"1.2.3":  "v1.2.3",
		"v1.2.3": "v1.2.3",
	}
	for in, want := range tests {
		if got := EnsureVPrefix(in); got != want {
			t.Fatalf("EnsureVPrefix(%q): got %q, want %q", in, got, want)
		}
	}
}
