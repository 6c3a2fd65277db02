package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/models"
)

// GetSettings handles GET /api/settings
func (h *Handlers) GetSettings(c *gin.Context) {
	settings, err := db.LoadSettings()
	if err != nil {
		log.Error().Err(err).Msg("failed to load settings")
		RespondInternalError(c, "Failed to load settings")
		return
	}
	RespondData(c, settings)
}

// UpdateSettings handles PUT /api/settings
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var settings models.Settings
	if err := c.ShouldBindJSON(&settings); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if err := db.SaveSettings(&settings); err != nil {
		log.Error().Err(err).Msg("failed to save settings")
		RespondInternalError(c, "Failed to save settings")
		return
	}

	// Apply live-updatable settings immediately
	if settings.Preferences.LogLevel != "" {
		log.SetLevel(settings.Preferences.LogLevel)
	}
	h.server.SetSuppressViewed(settings.Agent.SuppressViewed)

	h.server.Notifications().NotifySettingsChanged()
	RespondData(c, &settings)
}
