package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/repos"
)

// ListRepos handles GET /api/repos
func (h *Handlers) ListRepos(c *gin.Context) {
	list, err := h.server.Repos().List()
	if err != nil {
		log.Error().Err(err).Msg("failed to list repos")
		RespondInternalError(c, "Failed to list repos")
		return
	}
	RespondList(c, list)
}

// GetRepo handles GET /api/repos/:id
func (h *Handlers) GetRepo(c *gin.Context) {
	repo, err := h.server.Repos().Get(c.Param("id"))
	if err != nil {
		if err == repos.ErrRepoNotFound {
			RespondNotFound(c, "Repo not found")
			return
		}
		RespondInternalError(c, "Failed to get repo")
		return
	}
	RespondData(c, repo)
}

// CreateRepo handles POST /api/repos
func (h *Handlers) CreateRepo(c *gin.Context) {
	var body struct {
		URL  string `json:"url" binding:"required"`
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	repo, err := h.server.Repos().Clone(c.Request.Context(), body.URL, body.Name)
	if err != nil {
		if err == repos.ErrRepoExists {
			RespondConflict(c, "Repo already exists")
			return
		}
		log.Error().Err(err).Str("url", body.URL).Msg("failed to clone repo")
		RespondInternalError(c, "Failed to clone repo")
		return
	}

	h.server.Notifications().NotifyRepoChanged(repo.ID, "clone")
	RespondCreated(c, repo, "/api/repos/"+repo.ID)
}

// PullRepo handles POST /api/repos/:id/pull
func (h *Handlers) PullRepo(c *gin.Context) {
	repo, err := h.server.Repos().Pull(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == repos.ErrRepoNotFound {
			RespondNotFound(c, "Repo not found")
			return
		}
		log.Error().Err(err).Str("repoId", c.Param("id")).Msg("failed to pull repo")
		RespondInternalError(c, "Failed to pull repo")
		return
	}

	h.server.Notifications().NotifyRepoChanged(repo.ID, "pull")
	RespondData(c, repo)
}

// DeleteRepo handles DELETE /api/repos/:id
func (h *Handlers) DeleteRepo(c *gin.Context) {
	id := c.Param("id")
	if err := h.server.Repos().Delete(id); err != nil {
		if err == repos.ErrRepoNotFound {
			RespondNotFound(c, "Repo not found")
			return
		}
		log.Error().Err(err).Str("repoId", id).Msg("failed to delete repo")
		RespondInternalError(c, "Failed to delete repo")
		return
	}

	h.server.Notifications().NotifyRepoChanged(id, "delete")
	RespondNoContent(c)
}
