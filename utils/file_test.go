package utils

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.jpg", "photo.jpg"},
		{"../../etc/passwd", "passwd"},
		{"a:b|c?.txt", "a_b_c_.txt"},
		{"<script>.js", "_script_.js"},
	}

	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDeduplicateFilename(t *testing.T) {
	dir := t.TempDir()

	if got := DeduplicateFilename(dir, "photo.jpg"); got != "photo.jpg" {
		t.Errorf("got %q, want photo.jpg", got)
	}

	if err := os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := DeduplicateFilename(dir, "photo.jpg"); got != "photo 2.jpg" {
		t.Errorf("got %q, want %q", got, "photo 2.jpg")
	}

	if err := os.WriteFile(filepath.Join(dir, "photo 2.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if got := DeduplicateFilename(dir, "photo.jpg"); got != "photo 3.jpg" {
		t.Errorf("got %q, want %q", got, "photo 3.jpg")
	}
}
