package generation

import (
	"context"
	"errors"
)

// Request is a single text generation call.
type Request struct {
	ReportType   string
	SystemPrompt string
	Prompt       string
	MaxTokens    int
}

// Backend produces unstructured text for a prompt. Implementations keep no
// state between calls and are never retried by the pipeline.
type Backend interface {
	Generate(ctx context.Context, req Request) (string, error)
	Name() string
}

var ErrEmptyCompletion = errors.New("generation backend returned no content")
