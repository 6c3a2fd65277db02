package api

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/tus/tusd/v2/pkg/filestore"
	tusd "github.com/tus/tusd/v2/pkg/handler"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/utils"
)

// uploadFileResult tracks per-file status in batch upload responses
type uploadFileResult struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

var (
	tusHandler     *tusd.Handler
	tusHandlerOnce sync.Once
	uploadDir      string
)

// InitTUSHandler initializes the TUS upload handler
func InitTUSHandler() (*tusd.Handler, error) {
	var initErr error
	tusHandlerOnce.Do(func() {
		cfg := config.Get()
		uploadDir = filepath.Join(cfg.DataDir, "uploads")

		if err := os.MkdirAll(uploadDir, 0755); err != nil {
			initErr = err
			return
		}

		store := filestore.New(uploadDir)

		composer := tusd.NewStoreComposer()
		store.UseIn(composer)

		handler, err := tusd.NewHandler(tusd.Config{
			BasePath:                "/api/upload/tus/",
			StoreComposer:           composer,
			RespectForwardedHeaders: true,
			MaxSize:                 1 * 1024 * 1024 * 1024, // 1GB
		})
		if err != nil {
			initErr = err
			return
		}

		tusHandler = handler
		log.Info().Str("dir", uploadDir).Msg("TUS handler initialized")
	})
	return tusHandler, initErr
}

// TUSHandler handles all TUS protocol requests
func (h *Handlers) TUSHandler(c *gin.Context) {
	handler, err := InitTUSHandler()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize TUS handler")
		RespondInternalError(c, "Failed to initialize upload handler")
		return
	}

	// Manually strip the /api/upload/tus prefix from the request URL.
	// The TUS handler expects paths without the base path prefix, and
	// http.StripPrefix doesn't work well with Gin's wildcard routes.
	originalPath := c.Request.URL.Path
	c.Request.URL.Path = strings.TrimPrefix(originalPath, "/api/upload/tus")

	handler.ServeHTTP(c.Writer, c.Request)

	c.Request.URL.Path = originalPath
}

// FinalizeUpload handles POST /api/upload/finalize
// Moves completed TUS uploads into a workspace directory.
func (h *Handlers) FinalizeUpload(c *gin.Context) {
	var body struct {
		Uploads []struct {
			UploadID string `json:"uploadId"`
			Filename string `json:"filename"`
		} `json:"uploads"`
		Destination string `json:"destination" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "Invalid request body")
		return
	}

	if len(body.Uploads) == 0 {
		RespondBadRequest(c, "No uploads provided")
		return
	}

	destDir, err := h.resolveWorkspacePath(body.Destination)
	if err != nil {
		RespondBadRequest(c, "Invalid destination")
		return
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		RespondInternalError(c, "Failed to create destination directory")
		return
	}

	var results []uploadFileResult
	for _, upload := range body.Uploads {
		if upload.UploadID == "" || upload.Filename == "" {
			log.Warn().
				Str("uploadId", upload.UploadID).
				Str("filename", upload.Filename).
				Msg("skipping upload with missing uploadId or filename")
			continue
		}

		filename := utils.SanitizeFilename(upload.Filename)
		srcPath := filepath.Join(uploadDir, upload.UploadID)

		if _, err := os.Stat(srcPath); err != nil {
			// TUS filestore may persist data under a .bin suffix
			srcPath = srcPath + ".bin"
			if _, err := os.Stat(srcPath); err != nil {
				log.Error().Str("uploadId", upload.UploadID).Err(err).Msg("upload file not found")
				continue
			}
		}

		// Never overwrite an existing file with the same name
		filename = utils.DeduplicateFilename(destDir, filename)

		destPath := filepath.Join(destDir, filename)
		if err := moveUploadFile(srcPath, destPath); err != nil {
			log.Error().Err(err).Str("path", destPath).Msg("failed to move uploaded file")
			continue
		}

		// Clean up TUS bookkeeping
		os.Remove(srcPath + ".info")

		relPath := filepath.Join(body.Destination, filename)
		log.Info().Str("path", relPath).Msg("upload finalized")
		results = append(results, uploadFileResult{Path: relPath, Status: "created"})
	}

	if len(results) == 0 {
		RespondBadRequest(c, "No valid files to finalize")
		return
	}

	h.server.Notifications().NotifyWorkspaceChanged(destDir)
	RespondList(c, results)
}

// moveUploadFile renames when possible, copying across filesystems
func moveUploadFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return os.Remove(src)
}
