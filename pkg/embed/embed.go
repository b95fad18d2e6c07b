// Package embed defines the embedding provider contract consumed by the
// refresh pipeline and the search service.
//
// The engine never implements an embedding model itself; providers live
// behind the Embedder interface. Provider failures are classified into the
// two transient cases the pipeline retries (rate limits and model failures)
// and everything else, which is surfaced as-is.
package embed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Provider failure taxonomy. Both are transient: the pipeline records the
// failure and retries with backoff on subsequent scheduler ticks.
var (
	// ErrRateLimited indicates the provider rejected the call due to rate
	// limiting or quota exhaustion.
	ErrRateLimited = errors.New("embedding provider rate limited")

	// ErrModelFailure indicates the model failed to produce a vector
	// (timeout, overload, malformed response).
	ErrModelFailure = errors.New("embedding model failure")
)

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrModelFailure)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the embedding for text. Implementations must return a
	// vector of exactly Dimensions() elements or an error.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the fixed output dimension.
	Dimensions() int

	// Model returns the provider's model identifier, recorded on refresh
	// events for audit.
	Model() string
}

// HashEmbedder is a deterministic, dependency-free Embedder for tests and
// local development. It derives a pseudo-embedding from the BLAKE3 digest of
// the input text: identical text always yields an identical vector, and
// different texts diverge. It has no semantic meaning.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder returns a HashEmbedder with the given dimension.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{Dims: dims}
}

// Embed derives a deterministic vector from text.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	hasher := blake3.New()
	_, _ = hasher.Write([]byte(text))
	digest := hasher.Digest()

	// Pull 4 bytes per dimension from the XOF and map into [-1, 1).
	buf := make([]byte, h.Dims*4)
	if _, err := digest.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFailure, err)
	}
	vec := make([]float32, h.Dims)
	for i := 0; i < h.Dims; i++ {
		u := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		vec[i] = float32(u)/float32(1<<31) - 1
	}
	return vec, nil
}

// Dimensions returns the configured dimension.
func (h *HashEmbedder) Dimensions() int { return h.Dims }

// Model identifies the hash embedder.
func (h *HashEmbedder) Model() string { return "blake3-hash" }
