package instrumentation

import "testing"

func TestStatusFromCode(t *testing.T) {
	tests := []struct {
		code string
		want string
	}{
		{"", StatusSuccess},
		{"connection_error", "connection_error"},
		{"uid_validity_changed", "uid_validity_changed"},
		{"no such code", StatusError},
	}

	for _, tt := range tests {
		if got := StatusFromCode(tt.code); got != tt.want {
			t.Errorf("StatusFromCode(%q) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
