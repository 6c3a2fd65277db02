package api

import (
	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/server"
)

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, srv *server.Server) {
	h := NewHandlers(srv)

	api := r.Group("/api")

	// Event stream routes
	api.GET("/events/stream", h.EventStream)
	api.GET("/events/ws", h.EventWebSocket)
	api.GET("/events/status", h.GetEventStatus)
	api.POST("/events/clients/:id/directories", h.AddEventDirectories)
	api.DELETE("/events/clients/:id/directories", h.RemoveEventDirectories)
	api.PUT("/events/clients/:id/visibility", h.SetEventVisibility)

	// Notifications (SSE)
	api.GET("/notifications/stream", h.NotificationStream)

	// Repo routes
	api.GET("/repos", h.ListRepos)
	api.POST("/repos", h.CreateRepo)
	api.GET("/repos/:id", h.GetRepo)
	api.DELETE("/repos/:id", h.DeleteRepo)
	api.POST("/repos/:id/pull", h.PullRepo)

	// Workspace file routes
	api.GET("/files/tree", h.BrowseFiles)
	api.GET("/files/content", h.ReadFile)
	api.GET("/files/archive", h.DownloadArchive)

	// Upload (TUS)
	api.POST("/upload/finalize", h.FinalizeUpload)
	api.Any("/upload/tus/*path", h.TUSHandler)

	// Terminal routes
	api.GET("/terminal/sessions", h.ListTerminalSessions)
	api.POST("/terminal/sessions", h.CreateTerminalSession)
	api.DELETE("/terminal/sessions/:id", h.DeleteTerminalSession)
	api.POST("/terminal/sessions/:id/resize", h.ResizeTerminalSession)
	api.GET("/terminal/sessions/:id/ws", h.TerminalWebSocket)

	// Settings
	api.GET("/settings", h.GetSettings)
	api.PUT("/settings", h.UpdateSettings)

	// Agent server passthrough
	r.Any("/agent/*path", h.AgentProxy)
}
