package db

import (
	"database/sql"

	"github.com/agentdeck/agentdeck/models"
)

// CreateRepo inserts a new repo record
func CreateRepo(repo *models.Repo) error {
	now := NowMs()
	repo.CreatedAt = now
	repo.UpdatedAt = now
	_, err := GetDB().Exec(`
		INSERT INTO repos (id, name, url, path, branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, repo.ID, repo.Name, repo.URL, repo.Path, repo.Branch, repo.CreatedAt, repo.UpdatedAt)
	return err
}

// GetRepo retrieves a repo by ID. Returns nil, nil when not found.
func GetRepo(id string) (*models.Repo, error) {
	repo := &models.Repo{}
	err := GetDB().QueryRow(`
		SELECT id, name, url, path, branch, created_at, updated_at
		FROM repos WHERE id = ?
	`, id).Scan(&repo.ID, &repo.Name, &repo.URL, &repo.Path, &repo.Branch, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// GetRepoByName retrieves a repo by name. Returns nil, nil when not found.
func GetRepoByName(name string) (*models.Repo, error) {
	repo := &models.Repo{}
	err := GetDB().QueryRow(`
		SELECT id, name, url, path, branch, created_at, updated_at
		FROM repos WHERE name = ?
	`, name).Scan(&repo.ID, &repo.Name, &repo.URL, &repo.Path, &repo.Branch, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// ListRepos returns all repos ordered by name
func ListRepos() ([]*models.Repo, error) {
	rows, err := GetDB().Query(`
		SELECT id, name, url, path, branch, created_at, updated_at
		FROM repos ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*models.Repo
	for rows.Next() {
		repo := &models.Repo{}
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.URL, &repo.Path, &repo.Branch, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// UpdateRepoBranch records the currently checked-out branch
func UpdateRepoBranch(id, branch string) error {
	_, err := GetDB().Exec(`
		UPDATE repos SET branch = ?, updated_at = ? WHERE id = ?
	`, branch, NowMs(), id)
	return err
}

// DeleteRepo removes a repo record
func DeleteRepo(id string) error {
	_, err := GetDB().Exec("DELETE FROM repos WHERE id = ?", id)
	return err
}
