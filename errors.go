package portfoliopro

import "errors"

var (
	// ErrEmbeddingUnavailable is returned when the embedding provider is
	// unreachable or returns an unusable vector.
	ErrEmbeddingUnavailable = errors.New("portfoliopro: embedding provider unavailable")

	// ErrLLMUnavailable is returned when the chat provider is unreachable.
	ErrLLMUnavailable = errors.New("portfoliopro: LLM provider unavailable")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("portfoliopro: invalid configuration")
)
