package repos

import "testing"

func TestNameFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://github.com/org/repo.git", "repo"},
		{"https://github.com/org/repo", "repo"},
		{"https://github.com/org/repo/", "repo"},
		{"git@github.com:org/repo.git", "repo"},
		{"git@host.example.com:repo", "repo"},
		{"ssh://git@host/org/my-repo.git", "my-repo"},
		{"", ""},
		{"https://github.com/org/..", ""},
	}

	for _, tt := range tests {
		if got := NameFromURL(tt.url); got != tt.want {
			t.Errorf("NameFromURL(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
