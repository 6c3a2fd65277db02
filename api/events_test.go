package api

import (
	"reflect"
	"testing"
)

func TestParseDirectories(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"/repo/a", []string{"/repo/a"}},
		{"/repo/a,/repo/b", []string{"/repo/a", "/repo/b"}},
		{" /repo/a , /repo/b ", []string{"/repo/a", "/repo/b"}},
		{",,/repo/a,", []string{"/repo/a"}},
	}

	for _, tt := range tests {
		if got := parseDirectories(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseDirectories(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
