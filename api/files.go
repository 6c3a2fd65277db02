package api

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mholt/archives"

	"github.com/agentdeck/agentdeck/log"
)

var filesLogger = log.GetLogger("api.files")

// maxInlineFileSize caps how much file content is returned inline
const maxInlineFileSize = 2 * 1024 * 1024

// fileEntry describes one directory entry in a workspace tree
type fileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // relative to the workspace root
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// resolveWorkspacePath maps a client-supplied relative path to an absolute
// path under the repos directory, rejecting traversal attempts
func (h *Handlers) resolveWorkspacePath(raw string) (string, error) {
	base := h.server.Repos().BaseDir()
	cleaned := filepath.Clean("/" + raw) // forces the path to be rooted
	full := filepath.Join(base, cleaned)

	if full != base && !strings.HasPrefix(full, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes workspace root", raw)
	}
	return full, nil
}

// BrowseFiles handles GET /api/files/tree?path=
func (h *Handlers) BrowseFiles(c *gin.Context) {
	relPath := c.Query("path")
	fullPath, err := h.resolveWorkspacePath(relPath)
	if err != nil {
		RespondBadRequest(c, "Invalid path")
		return
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			RespondNotFound(c, "Directory not found")
			return
		}
		filesLogger.Error().Err(err).Str("path", fullPath).Msg("failed to read directory")
		RespondInternalError(c, "Failed to read directory")
		return
	}

	result := make([]fileEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		result = append(result, fileEntry{
			Name:  entry.Name(),
			Path:  filepath.Join(relPath, entry.Name()),
			IsDir: entry.IsDir(),
			Size:  info.Size(),
		})
	}

	// Directories first, then by name
	sort.Slice(result, func(i, j int) bool {
		if result[i].IsDir != result[j].IsDir {
			return result[i].IsDir
		}
		return result[i].Name < result[j].Name
	})

	RespondList(c, result)
}

// ReadFile handles GET /api/files/content?path=
func (h *Handlers) ReadFile(c *gin.Context) {
	relPath := c.Query("path")
	if relPath == "" {
		RespondBadRequest(c, "Path is required")
		return
	}

	fullPath, err := h.resolveWorkspacePath(relPath)
	if err != nil {
		RespondBadRequest(c, "Invalid path")
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			RespondNotFound(c, "File not found")
			return
		}
		RespondInternalError(c, "Failed to stat file")
		return
	}
	if info.IsDir() {
		RespondBadRequest(c, "Path is a directory")
		return
	}
	if info.Size() > maxInlineFileSize {
		RespondBadRequest(c, "File too large for inline content")
		return
	}

	c.File(fullPath)
}

// DownloadArchive handles GET /api/files/archive?path=
// Streams the given workspace directory as a zip file.
func (h *Handlers) DownloadArchive(c *gin.Context) {
	relPath := c.Query("path")
	fullPath, err := h.resolveWorkspacePath(relPath)
	if err != nil {
		RespondBadRequest(c, "Invalid path")
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			RespondNotFound(c, "Directory not found")
			return
		}
		RespondInternalError(c, "Failed to stat directory")
		return
	}
	if !info.IsDir() {
		RespondBadRequest(c, "Path is not a directory")
		return
	}

	name := filepath.Base(fullPath)
	if name == "." || name == string(os.PathSeparator) {
		name = "workspace"
	}

	files, err := archives.FilesFromDisk(c.Request.Context(), nil, map[string]string{
		fullPath: name,
	})
	if err != nil {
		filesLogger.Error().Err(err).Str("path", fullPath).Msg("failed to collect files for archive")
		RespondInternalError(c, "Failed to build archive")
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".zip"))

	if err := (archives.Zip{}).Archive(c.Request.Context(), c.Writer, files); err != nil {
		// Headers are already sent; just log
		filesLogger.Error().Err(err).Str("path", fullPath).Msg("archive streaming failed")
	}

	log.Debug().Str("path", fullPath).Msg("archive download complete")
}
