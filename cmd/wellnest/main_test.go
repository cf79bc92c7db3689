package main

import "testing"

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"long secret", "AC1234567890abcdef", "AC12...cdef"},
		{"short secret", "tok", "set"},
		{"empty", "", "not set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := maskSecret(tt.in); got != tt.want {
				t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRootCommandWiring(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "onboard", "status"} {
		if !names[want] {
			t.Errorf("missing command %q", want)
		}
	}
}
