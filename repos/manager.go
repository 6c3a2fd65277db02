package repos

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/models"
)

var (
	ErrRepoNotFound = fmt.Errorf("repo not found")
	ErrRepoExists   = fmt.Errorf("repo already exists")
)

const gitTimeout = 5 * time.Minute

var logger = log.GetLogger("repos")

// Manager handles cloning and updating workspace repositories
type Manager struct {
	baseDir string
}

// NewManager creates a repo manager rooted at the configured repos directory
func NewManager() (*Manager, error) {
	baseDir := config.Get().ReposDir
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create repos directory: %w", err)
	}
	return &Manager{baseDir: baseDir}, nil
}

// BaseDir returns the directory repos are cloned under
func (m *Manager) BaseDir() string {
	return m.baseDir
}

// Clone clones a repository and records it in the database.
// An empty name is derived from the URL.
func (m *Manager) Clone(ctx context.Context, url, name string) (*models.Repo, error) {
	if name == "" {
		name = NameFromURL(url)
	}
	if name == "" {
		return nil, fmt.Errorf("cannot derive repo name from url %q", url)
	}

	existing, err := db.GetRepoByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrRepoExists
	}

	path := filepath.Join(m.baseDir, name)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrRepoExists
	}

	if _, err := m.runGit(ctx, m.baseDir, "clone", url, name); err != nil {
		os.RemoveAll(path)
		return nil, fmt.Errorf("git clone failed: %w", err)
	}

	branch, err := m.currentBranch(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to read branch after clone")
	}

	repo := &models.Repo{
		ID:     uuid.New().String(),
		Name:   name,
		URL:    url,
		Path:   path,
		Branch: branch,
	}
	if err := db.CreateRepo(repo); err != nil {
		os.RemoveAll(path)
		return nil, err
	}

	logger.Info().
		Str("repoId", repo.ID).
		Str("name", name).
		Str("url", url).
		Msg("cloned repo")

	return repo, nil
}

// Pull fetches and fast-forwards the repo's current branch
func (m *Manager) Pull(ctx context.Context, id string) (*models.Repo, error) {
	repo, err := db.GetRepo(id)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrRepoNotFound
	}

	if _, err := m.runGit(ctx, repo.Path, "pull", "--ff-only"); err != nil {
		return nil, fmt.Errorf("git pull failed: %w", err)
	}

	branch, err := m.currentBranch(ctx, repo.Path)
	if err == nil && branch != repo.Branch {
		if err := db.UpdateRepoBranch(id, branch); err != nil {
			return nil, err
		}
		repo.Branch = branch
	}

	logger.Info().Str("repoId", id).Str("name", repo.Name).Msg("pulled repo")
	return repo, nil
}

// Delete removes the repo's working tree and database record
func (m *Manager) Delete(id string) error {
	repo, err := db.GetRepo(id)
	if err != nil {
		return err
	}
	if repo == nil {
		return ErrRepoNotFound
	}

	// Never remove paths outside the repos directory
	if !strings.HasPrefix(repo.Path, m.baseDir+string(os.PathSeparator)) {
		return fmt.Errorf("repo path %q is outside repos directory", repo.Path)
	}

	if err := os.RemoveAll(repo.Path); err != nil {
		return fmt.Errorf("failed to remove repo directory: %w", err)
	}

	if err := db.DeleteRepo(id); err != nil {
		return err
	}

	logger.Info().Str("repoId", id).Str("name", repo.Name).Msg("deleted repo")
	return nil
}

// Get retrieves a repo record by ID
func (m *Manager) Get(id string) (*models.Repo, error) {
	repo, err := db.GetRepo(id)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrRepoNotFound
	}
	return repo, nil
}

// List returns all known repos
func (m *Manager) List() ([]*models.Repo, error) {
	return db.ListRepos()
}

// currentBranch returns the currently checked-out branch name
func (m *Manager) currentBranch(ctx context.Context, path string) (string, error) {
	out, err := m.runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// runGit executes a git command in the given directory
func (m *Manager) runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// NameFromURL derives a directory name from a git URL.
// Handles https, ssh, and scp-style URLs; strips a trailing .git.
func NameFromURL(url string) string {
	url = strings.TrimSuffix(strings.TrimSpace(url), "/")
	url = strings.TrimSuffix(url, ".git")

	// scp-style: git@host:org/repo
	if idx := strings.LastIndex(url, ":"); idx >= 0 && !strings.Contains(url[idx:], "/") {
		url = url[idx+1:]
	}

	idx := strings.LastIndex(url, "/")
	name := url[idx+1:]

	// Reject anything that could escape the repos directory
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "\\:") {
		return ""
	}
	return name
}
