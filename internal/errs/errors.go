// Package errs defines the error taxonomy shared by the ingestion and
// retrieval pipelines. Every error that leaves a pipeline entry point is an
// *Error carrying the failing stage, so callers never see an opaque failure.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure by the collaborator that produced it.
type Kind string

const (
	KindUnknown           Kind = "internal"
	KindContentExtraction Kind = "content_extraction"
	KindEmbedding         Kind = "embedding"
	KindIndex             Kind = "index"
	KindStore             Kind = "store"
	KindValidation        Kind = "validation"
)

// Stage names the pipeline step that was running when the error happened.
type Stage string

const (
	StageUnknown    Stage = ""
	StageValidating Stage = "validating"
	StageExtracting Stage = "extracting"
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StagePersisting Stage = "persisting"
	StageSearching  Stage = "searching"
	StageSynthesis  Stage = "synthesizing"
	StageSetup      Stage = "setup"
)

// Error is the structured pipeline error.
type Error struct {
	Kind  Kind
	Stage Stage
	Op    string
	Err   error
}

// Sentinels for errors.Is matching by kind.
var (
	ErrContentExtraction = &Error{Kind: KindContentExtraction}
	ErrEmbedding         = &Error{Kind: KindEmbedding}
	ErrIndex             = &Error{Kind: KindIndex}
	ErrStore             = &Error{Kind: KindStore}
	ErrValidation        = &Error{Kind: KindValidation}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != StageUnknown {
		b.WriteString(" error during ")
		b.WriteString(string(e.Stage))
	} else {
		b.WriteString(" error")
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare kind sentinel matching e.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Err == nil && t.Op == "" && t.Kind == e.Kind
}

// New wraps err with a kind and an operation description.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation builds a validation error from a message.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Stage: StageValidating, Err: fmt.Errorf(format, args...)}
}

func ContentExtraction(op string, err error) *Error { return New(KindContentExtraction, op, err) }
func Embedding(op string, err error) *Error         { return New(KindEmbedding, op, err) }
func Index(op string, err error) *Error             { return New(KindIndex, op, err) }
func Store(op string, err error) *Error             { return New(KindStore, op, err) }

// At attaches a stage to err. If err is already an *Error its kind is kept
// and the stage is only set when missing; otherwise err is wrapped with the
// fallback kind.
func At(stage Stage, fallback Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Stage != StageUnknown {
			return err
		}
		cp := *e
		cp.Stage = stage
		return &cp
	}
	return &Error{Kind: fallback, Stage: stage, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StageOf returns the stage of the first *Error in err's chain.
func StageOf(err error) Stage {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return StageUnknown
}
