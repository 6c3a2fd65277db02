package models

// Repo is a tracked git repository
type Repo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	Path      string `json:"path"`
	Branch    string `json:"branch,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}
