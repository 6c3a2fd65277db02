package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentdeck/agentdeck/api"
	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/server"
)

func main() {
	cfg := config.Get()

	srv, err := server.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize server")
	}

	r := srv.Router()

	// Setup API routes
	api.SetupRoutes(r, srv)

	// Serve static files from frontend dist directory (built frontend)

	// Assets with content hash (immutable, cache for 1 year)
	r.GET("/assets/*filepath", serveImmutableAssets("frontend/dist/assets"))

	// Individual static files
	r.GET("/favicon.ico", serveStaticFile("frontend/dist/favicon.ico", "image/x-icon"))
	r.GET("/manifest.webmanifest", serveStaticFile("frontend/dist/manifest.webmanifest", "application/manifest+json"))

	// SPA fallback - serve index.html for non-API routes
	r.NoRoute(func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.File("frontend/dist/index.html")
	})

	// Start server
	go func() {
		printNetworkAddresses(cfg.Port)

		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func printNetworkAddresses(port int) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok {
				if ip4 := ipnet.IP.To4(); ip4 != nil {
					log.Info().Str("url", fmt.Sprintf("http://%s:%d", ip4.String(), port)).Msg("network")
				}
			}
		}
	}
}

// serveImmutableAssets serves assets with content hash (can be cached indefinitely)
func serveImmutableAssets(basePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		filePath := c.Param("filepath")
		fullPath := filepath.Join(basePath, filePath)

		// Security: prevent path traversal
		if strings.Contains(filePath, "..") {
			c.Status(http.StatusForbidden)
			return
		}

		if _, err := os.Stat(fullPath); os.IsNotExist(err) {
			c.Status(http.StatusNotFound)
			return
		}

		c.Header("Cache-Control", "public, max-age=31536000, immutable")
		c.File(fullPath)
	}
}

// serveStaticFile serves a specific static file with caching
func serveStaticFile(filePath string, contentType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			c.Status(http.StatusNotFound)
			return
		}

		c.Header("Cache-Control", "public, max-age=86400, must-revalidate")
		if contentType != "" {
			c.Header("Content-Type", contentType)
		}
		c.File(filePath)
	}
}
