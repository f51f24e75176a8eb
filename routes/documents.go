package routes

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"kb-rag-service/internal/database"
	"kb-rag-service/models"
	"kb-rag-service/services"
	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
)

type ingestURLRequest struct {
	URL string `form:"url" json:"url"`
}

func SetupDocumentRoutes(router *gin.Engine, d *Deps) {
	router.POST("/documents", d.uploadLimit(), func(c *gin.Context) {
		req := services.IngestRequest{
			Title: c.PostForm("title"),
			Text:  c.PostForm("text"),
		}

		if file, header, err := c.Request.FormFile("file"); err == nil {
			defer file.Close()
			if header.Size > d.Config.MaxFileSize {
				utils.RespondWithError(c, http.StatusRequestEntityTooLarge, "file_too_large",
					"File size exceeds maximum limit", gin.H{"max_size": d.Config.MaxFileSize})
				return
			}
			data, err := io.ReadAll(io.LimitReader(file, d.Config.MaxFileSize))
			if err != nil {
				utils.RespondWithBadRequest(c, "Failed to read uploaded file", gin.H{"error": err.Error()})
				return
			}
			req.Data = data
			req.Filename = header.Filename
			// an uploaded file wins over text
			req.Text = ""
		}

		report, err := d.Ingestion.IngestDocument(c.Request.Context(), req)
		respondIngestion(c, report, err)
	})

	router.POST("/ingest-url", func(c *gin.Context) {
		var body ingestURLRequest
		if err := c.ShouldBind(&body); err != nil {
			utils.RespondWithBadRequest(c, "Invalid request data", gin.H{"error": err.Error()})
			return
		}
		report, err := d.Ingestion.IngestURL(c.Request.Context(), body.URL)
		respondIngestion(c, report, err)
	})

	router.GET("/documents/:id", func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		doc, err := d.Store.GetDocument(ctx, id)
		if err != nil {
			respondStoreError(c, err, id)
			return
		}
		chunks, err := d.Store.ListChunks(ctx, id)
		if err != nil {
			utils.RespondWithPipelineError(c, err, nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"document": doc, "chunks": chunks})
	})

	router.GET("/documents/:id/export", func(c *gin.Context) {
		if d.Exporter == nil {
			utils.RespondWithError(c, http.StatusNotImplemented, "export_disabled", "Export is not enabled", nil)
			return
		}
		export, err := d.Exporter.ExportDocument(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondStoreError(c, err, c.Param("id"))
			return
		}
		c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename))
		c.Data(http.StatusOK, services.XLSXContentType, export.Data)
	})
}

// respondIngestion writes a report. Completed and partial ingestions are 201;
// a failed one is reported through its error kind.
func respondIngestion(c *gin.Context, report *models.IngestionReport, err error) {
	if err != nil {
		extra := gin.H{}
		if report != nil {
			extra["document_id"] = report.DocumentID
			extra["status"] = report.Status
		}
		utils.RespondWithPipelineError(c, err, extra)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func respondStoreError(c *gin.Context, err error, id string) {
	if errors.Is(err, database.ErrNotFound) {
		utils.RespondWithNotFound(c, fmt.Sprintf("Document %s not found", id))
		return
	}
	utils.RespondWithPipelineError(c, err, nil)
}
