package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"kb-rag-service/internal/ai"
	"kb-rag-service/internal/ai/mock"
	"kb-rag-service/internal/config"
	"kb-rag-service/internal/database"
	"kb-rag-service/internal/queue"
	"kb-rag-service/internal/vectorindex"
	"kb-rag-service/models"
	"kb-rag-service/services"
	"kb-rag-service/utils"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dim = 4

type testServer struct {
	router *gin.Engine
	deps   *Deps
	store  *database.MemoryStore
	synth  *mock.Synthesizer
}

func newTestServer(t *testing.T, mutate ...func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	index, err := vectorindex.NewChromemIndex("", nil)
	require.NoError(t, err)
	require.NoError(t, index.EnsureCollection(context.Background(), "kb_vectors", dim, "cosine"))
	store := database.NewMemoryStore()
	embedder := mock.NewEmbedder(dim)
	synth := &mock.Synthesizer{}

	ingestion, err := services.NewIngestionService(services.NewExtractor(nil, nil), embedder, index, store, "kb_vectors",
		services.WithMaxChunkSize(20))
	require.NoError(t, err)
	t.Cleanup(ingestion.Close)
	retrieval, err := services.NewRetrievalService(embedder, index, "kb_vectors", services.WithSynthesizer(synth))
	require.NoError(t, err)

	d := &Deps{
		Config: &config.Config{
			MaxFileSize:     1 << 20,
			FileStorageDir:  t.TempDir(),
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitReqs:   100,
			RateLimitWindow: 60,
		},
		Ingestion: ingestion,
		Retrieval: retrieval,
		Store:     store,
		Index:     index,
		Exporter:  services.NewExportService(store),
	}
	for _, m := range mutate {
		m(d)
	}
	return &testServer{router: SetupRouter(d), deps: d, store: store, synth: synth}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func multipartRequest(t *testing.T, path string, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, path string, body any) *http.Request {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) ingestText(t *testing.T, title, text string) models.IngestionReport {
	t.Helper()
	form := url.Values{"title": {title}, "text": {text}}
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := s.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.IngestionReport](t, w)
}

func TestUploadFileThenFetchDocument(t *testing.T) {
	s := newTestServer(t)

	w := s.do(multipartRequest(t, "/documents", map[string]string{"title": "Notes"}, "notes.txt",
		[]byte("The quick brown fox jumps over the lazy dog")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	report := decode[models.IngestionReport](t, w)
	assert.Equal(t, models.StateCompleted, report.Status)
	assert.Equal(t, 3, report.ChunkCount)
	assert.Equal(t, "Notes", report.Title)
	assert.Equal(t, models.SourceText, report.SourceType)

	w = s.do(httptest.NewRequest(http.MethodGet, "/documents/"+report.DocumentID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Document models.Document `json:"document"`
		Chunks   []models.Chunk  `json:"chunks"`
	}](t, w)
	assert.Equal(t, "Notes", body.Document.Title)
	require.Len(t, body.Chunks, 3)
	assert.Equal(t, "The quick brown fox ", body.Chunks[0].Text)
	assert.Equal(t, 2, body.Chunks[2].SequenceIndex)
}

func TestUploadWithoutContent(t *testing.T) {
	s := newTestServer(t)

	w := s.do(multipartRequest(t, "/documents", map[string]string{"title": "Empty"}, "", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[utils.ErrorResponse](t, w)
	assert.Equal(t, "validation", resp.ErrorCode)
	assert.Equal(t, "No content provided", resp.Message)
	assert.Zero(t, s.store.DocumentCount())
}

func TestUploadCorruptDocx(t *testing.T) {
	s := newTestServer(t)

	w := s.do(multipartRequest(t, "/documents", nil, "broken.docx", []byte("not a zip")))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	resp := decode[utils.ErrorResponse](t, w)
	assert.Equal(t, "content_extraction", resp.ErrorCode)
	details, ok := resp.Details.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "extracting", details["stage"])
	assert.Equal(t, "failed", details["status"])
}

func TestIngestURLRequiresURL(t *testing.T) {
	s := newTestServer(t)

	w := s.do(jsonRequest(http.MethodPost, "/ingest-url", map[string]string{"url": ""}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decode[utils.ErrorResponse](t, w).ErrorCode)
}

func TestQueryRoutes(t *testing.T) {
	s := newTestServer(t)
	s.ingestText(t, "fox", "The quick brown fox jumps over the lazy dog")

	w := s.do(httptest.NewRequest(http.MethodGet, "/query?message=", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/query?message=fox&top_k=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/query?message=fox&top_k=2", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[models.QueryResult](t, w)
	assert.Equal(t, "fox", result.Query)
	assert.Len(t, result.RetrievedChunks, 2)
	assert.Equal(t, strings.Join(result.RetrievedChunks, "\n\n"), result.Context)
	assert.Equal(t, models.AnswerSkipped, result.AnswerStatus)

	w = s.do(jsonRequest(http.MethodPost, "/query", map[string]any{"message": "fox"}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.QueryResult](t, w).RetrievedChunks, 3)

	w = s.do(jsonRequest(http.MethodPost, "/query", map[string]any{"message": "fox", "top_k": 1000}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, s.synth.Calls())
}

func TestChatRequiresMessage(t *testing.T) {
	s := newTestServer(t)

	w := s.do(jsonRequest(http.MethodPost, "/chat", map[string]string{}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Message required", decode[utils.ErrorResponse](t, w).Message)
}

func TestChatWithoutKnowledgeUsesCannedReply(t *testing.T) {
	s := newTestServer(t)

	w := s.do(jsonRequest(http.MethodPost, "/chat", map[string]string{"message": "hello?"}))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[chatResponse](t, w)
	assert.Equal(t, ai.NoInformationReply, resp.Reply)
	assert.Equal(t, models.AnswerNoContext, resp.AnswerStatus)
	assert.Empty(t, resp.RetrievedChunks)
	assert.Empty(t, s.synth.Calls())
}

func TestChatGeneratesAnswer(t *testing.T) {
	s := newTestServer(t)
	s.ingestText(t, "fox", "The quick brown fox jumps over the lazy dog")

	w := s.do(jsonRequest(http.MethodPost, "/chat", map[string]string{"message": "what jumps?"}))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[chatResponse](t, w)
	assert.Equal(t, "answer to: what jumps?", resp.Reply)
	assert.Equal(t, models.AnswerGenerated, resp.AnswerStatus)
	assert.Len(t, resp.RetrievedChunks, 3)
}

func TestChatSynthesisFailureFallsBack(t *testing.T) {
	s := newTestServer(t)
	s.synth.SynthesizeFunc = func(context.Context, string, string) (string, error) {
		return "", errors.New("upstream 500")
	}
	s.ingestText(t, "fox", "The quick brown fox")

	w := s.do(jsonRequest(http.MethodPost, "/chat", map[string]string{"message": "fox?"}))
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[chatResponse](t, w)
	assert.Equal(t, ai.FailureReply, resp.Reply)
	assert.Equal(t, models.AnswerFailed, resp.AnswerStatus)
	assert.NotEmpty(t, resp.RetrievedChunks)
}

func TestDocumentNotFound(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/documents/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/documents/missing/export", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportRoute(t *testing.T) {
	s := newTestServer(t)
	report := s.ingestText(t, "fox", "The quick brown fox")

	w := s.do(httptest.NewRequest(http.MethodGet, "/documents/"+report.DocumentID+"/export", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, services.XLSXContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.NotEmpty(t, w.Body.Bytes())
}

func TestAsyncDisabledWithoutQueue(t *testing.T) {
	s := newTestServer(t)

	w := s.do(multipartRequest(t, "/documents/async", nil, "a.txt", []byte("x")))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	w = s.do(httptest.NewRequest(http.MethodGet, "/jobs/abc", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task-1", Queue: queue.QueueCritical}, nil
}

type fakeJobs map[string]*queue.JobStatus

func (f fakeJobs) Status(id string) (*queue.JobStatus, error) {
	if s, ok := f[id]; ok {
		return s, nil
	}
	return nil, queue.ErrJobNotFound
}

func TestAsyncUploadAndJobStatus(t *testing.T) {
	enq := &fakeEnqueuer{}
	jobs := fakeJobs{"task-1": {ID: "task-1", State: "completed", Report: &models.IngestionReport{DocumentID: "d1", Status: models.StateCompleted}}}
	s := newTestServer(t, func(d *Deps) {
		d.Enqueuer = enq
		d.Jobs = jobs
	})

	w := s.do(multipartRequest(t, "/documents/async", map[string]string{"title": "Later"}, "later.PDF", []byte("%PDF-1.4")))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "task-1", decode[map[string]string](t, w)["task_id"])

	require.Len(t, enq.tasks, 1)
	var p queue.IngestPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &p))
	assert.Equal(t, "Later", p.Title)
	assert.Equal(t, "later.PDF", p.Filename)
	assert.True(t, strings.HasSuffix(p.FilePath, ".pdf"))
	saved, err := os.ReadFile(p.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(saved))

	w = s.do(multipartRequest(t, "/documents/async", nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/jobs/task-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[queue.JobStatus](t, w)
	require.NotNil(t, status.Report)
	assert.Equal(t, "d1", status.Report.DocumentID)

	w = s.do(httptest.NewRequest(http.MethodGet, "/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)
}
