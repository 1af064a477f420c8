package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"info", "console", false},
		{"debug", "json", false},
		{"warn", "", false},
		{"loud", "console", true},
		{"info", "xml", true},
	}

	for _, tc := range tests {
		l, err := New(tc.level, tc.format)
		if (err != nil) != tc.wantErr {
			t.Errorf("New(%q, %q) err = %v, wantErr %v", tc.level, tc.format, err, tc.wantErr)
			continue
		}
		if err == nil && l == nil {
			t.Errorf("New(%q, %q) returned nil logger", tc.level, tc.format)
		}
	}
}

func TestOr(t *testing.T) {
	if Or(nil) == nil {
		t.Fatal("Or(nil) should return a no-op logger")
	}
}
