package rag

import "errors"

var (
	// ErrRetrieverRequired is returned when no retriever is provided.
	ErrRetrieverRequired = errors.New("retriever required")

	// ErrGeneratorRequired is returned when no generator is provided.
	ErrGeneratorRequired = errors.New("generator required")

	// ErrEmptyAnswer is reported when the model returns only whitespace.
	ErrEmptyAnswer = errors.New("model returned an empty answer")
)
