package models

// IngestionState is a step of the per-request ingestion state machine
type IngestionState string

const (
	StateReceived   IngestionState = "received"
	StateExtracting IngestionState = "extracting"
	StateChunking   IngestionState = "chunking"
	StateEmbedding  IngestionState = "embedding"
	StatePersisting IngestionState = "persisting"
	StateCompleted  IngestionState = "completed"
	StatePartial    IngestionState = "partial" // some chunks failed, nothing rolled back
	StateFailed     IngestionState = "failed"
)

// Terminal reports whether no further transition is possible
func (s IngestionState) Terminal() bool {
	return s == StateCompleted || s == StatePartial || s == StateFailed
}

// ChunkOutcome records what happened to a single chunk
type ChunkOutcome struct {
	ChunkID       string `json:"chunk_id"`
	SequenceIndex int    `json:"sequence_index"`
	Length        int    `json:"length"`
	Succeeded     bool   `json:"succeeded"`
	Stage         string `json:"stage,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Error         string `json:"error,omitempty"`
	Attempts      int    `json:"attempts"`
	OrphanedPoint bool   `json:"orphaned_point,omitempty"`
}

// IngestionReport is returned by every ingestion entry point
type IngestionReport struct {
	DocumentID      string         `json:"document_id"`
	Title           string         `json:"title"`
	SourceType      SourceType     `json:"source_type"`
	Status          IngestionState `json:"status"`
	ChunkCount      int            `json:"chunk_count"`
	SucceededChunks int            `json:"succeeded_chunks"`
	FailedChunks    int            `json:"failed_chunks"`
	Chunks          []ChunkOutcome `json:"chunks,omitempty"`
	Error           string         `json:"error,omitempty"`
}
