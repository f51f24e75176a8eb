package routes

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"kb-rag-service/internal/queue"
	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func SetupAsyncRoutes(router *gin.Engine, d *Deps) {
	router.POST("/documents/async", d.uploadLimit(), func(c *gin.Context) {
		if d.Enqueuer == nil {
			utils.RespondWithError(c, http.StatusServiceUnavailable, "async_disabled",
				"Async ingestion requires Redis", nil)
			return
		}

		payload := queue.IngestPayload{
			Title: c.PostForm("title"),
			URL:   strings.TrimSpace(c.PostForm("url")),
		}

		file, header, err := c.Request.FormFile("file")
		switch {
		case err == nil:
			defer file.Close()
			if header.Size > d.Config.MaxFileSize {
				utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large",
					"File size exceeds maximum limit", gin.H{"max_size": d.Config.MaxFileSize})
				return
			}
			path, err := saveUpload(d.Config.FileStorageDir, header.Filename, file, d.Config.MaxFileSize)
			if err != nil {
				d.Logger.Error("failed to save upload", "error", err)
				utils.RespondWithInternalError(c, "Failed to save file", nil)
				return
			}
			payload.Filename = header.Filename
			payload.FilePath = path
			payload.URL = ""
		case payload.URL == "":
			utils.RespondWithError(c, http.StatusBadRequest, "validation", "No content provided", nil)
			return
		}

		task, err := queue.NewIngestTask(payload)
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to create task", gin.H{"error": err.Error()})
			return
		}
		info, err := d.Enqueuer.EnqueueContext(c.Request.Context(), task)
		if err != nil {
			if payload.FilePath != "" {
				_ = os.Remove(payload.FilePath)
			}
			d.Logger.Error("failed to enqueue ingest task", "error", err)
			utils.RespondWithError(c, http.StatusServiceUnavailable, "queue_unavailable",
				"Failed to enqueue ingestion", nil)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"task_id": info.ID,
			"queue":   info.Queue,
			"status":  "queued",
		})
	})

	router.GET("/jobs/:id", func(c *gin.Context) {
		if d.Jobs == nil {
			utils.RespondWithError(c, http.StatusServiceUnavailable, "async_disabled",
				"Async ingestion requires Redis", nil)
			return
		}
		status, err := d.Jobs.Status(c.Param("id"))
		if errors.Is(err, queue.ErrJobNotFound) {
			utils.RespondWithNotFound(c, "Job not found")
			return
		}
		if err != nil {
			utils.RespondWithInternalError(c, "Failed to look up job", gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, status)
	})
}

// saveUpload writes r to a fresh file under dir/uploads keeping the
// original extension, which drives source type detection in the worker.
func saveUpload(dir, filename string, r io.Reader, limit int64) (string, error) {
	uploadDir := filepath.Join(dir, queue.UploadsSubdir)
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(uploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(filename)))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, io.LimitReader(r, limit)); err != nil {
		dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, dst.Close()
}
