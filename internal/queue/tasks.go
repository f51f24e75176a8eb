package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"kb-rag-service/internal/errs"
	"kb-rag-service/models"
	"kb-rag-service/services"

	"github.com/hibiken/asynq"
)

const (
	TaskIngestDocument = "document:ingest"

	// UploadsSubdir is where async uploads wait for the worker under FILE_STORAGE_DIR
	UploadsSubdir = "uploads"

	QueueCritical = "critical"
	QueueDefault  = "default"

	// how long finished tasks and their reports stay inspectable
	resultRetention = 24 * time.Hour
)

// IngestPayload references an upload already written to FILE_STORAGE_DIR, or a URL
type IngestPayload struct {
	Title      string            `json:"title"`
	SourceType models.SourceType `json:"source_type,omitempty"`
	Filename   string            `json:"filename,omitempty"`
	FilePath   string            `json:"file_path,omitempty"`
	URL        string            `json:"url,omitempty"`
}

func NewIngestTask(p IngestPayload) (*asynq.Task, error) {
	if p.FilePath == "" && p.URL == "" {
		return nil, errors.New("ingest task needs a file path or a url")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestDocument,
		payload,
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.Queue(QueueCritical),
		asynq.Retention(resultRetention),
	), nil
}

// Ingester is the part of services.IngestionService the worker needs
type Ingester interface {
	IngestDocument(ctx context.Context, req services.IngestRequest) (*models.IngestionReport, error)
}

type TaskProcessor struct {
	ingester Ingester
	logger   *slog.Logger
}

func NewTaskProcessor(ingester Ingester, logger *slog.Logger) *TaskProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskProcessor{ingester: ingester, logger: logger.With("component", "worker")}
}

// Register installs every handler on mux
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskIngestDocument, p.ProcessIngest)
}

// ProcessIngest runs one ingestion and stores the report as the task result.
// Validation and extraction failures are not retried; the upload is removed
// once no further attempt will read it.
func (p *TaskProcessor) ProcessIngest(ctx context.Context, t *asynq.Task) error {
	var payload IngestPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}

	req := services.IngestRequest{
		Title:      payload.Title,
		SourceType: payload.SourceType,
		Filename:   payload.Filename,
		URL:        payload.URL,
	}
	if payload.FilePath != "" {
		data, err := os.ReadFile(payload.FilePath)
		if err != nil {
			return fmt.Errorf("reading upload %s: %v: %w", payload.FilePath, err, asynq.SkipRetry)
		}
		req.Data = data
	}

	p.logger.Info("processing ingest task", "title", payload.Title, "source_type", payload.SourceType)
	report, err := p.ingester.IngestDocument(ctx, req)
	if report != nil {
		if werr := writeResult(t, report); werr != nil {
			p.logger.Warn("failed to store task result", "error", werr)
		}
	}

	if err != nil && !permanent(err) {
		// retried; keep the upload for the next attempt
		return err
	}
	p.removeUpload(payload.FilePath)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return nil
}

func permanent(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindValidation, errs.KindContentExtraction:
		return true
	}
	return false
}

func writeResult(t *asynq.Task, report *models.IngestionReport) error {
	w := t.ResultWriter()
	if w == nil {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func (p *TaskProcessor) removeUpload(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("failed to remove upload", "path", path, "error", err)
	}
}
