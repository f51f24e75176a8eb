package models

// AnswerStatus explains whether QueryResult.Answer was produced
type AnswerStatus string

const (
	AnswerGenerated   AnswerStatus = "generated"
	AnswerNoContext   AnswerStatus = "no_context"  // nothing retrieved, canned reply used
	AnswerUnavailable AnswerStatus = "unavailable" // no synthesizer configured
	AnswerFailed      AnswerStatus = "failed"      // synthesizer error, chunks only
	AnswerSkipped     AnswerStatus = "skipped"     // caller did not ask for synthesis
)

// RetrievedChunk is one ranked search hit
type RetrievedChunk struct {
	ChunkID       string  `json:"chunk_id"`
	DocumentID    string  `json:"document_id"`
	Text          string  `json:"text"`
	SequenceIndex int     `json:"sequence_index"`
	Score         float32 `json:"score"`
}

// QueryResult is returned by the retrieval pipeline
type QueryResult struct {
	Query           string           `json:"query"`
	RetrievedChunks []string         `json:"retrieved_chunks"`
	Matches         []RetrievedChunk `json:"matches"`
	Context         string           `json:"context"`
	Answer          string           `json:"answer,omitempty"`
	AnswerStatus    AnswerStatus     `json:"answer_status"`
	SynthesisError  string           `json:"synthesis_error,omitempty"`
}
