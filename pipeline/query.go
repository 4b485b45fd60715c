package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Stages a QueryError can originate from. StageInput means the request
// itself was malformed; the HTTP layer maps it to a client error instead of
// an upstream failure.
const (
	StageInput = "input"
	StageEmbed = "embed"
	StageStore = "store"
)

// QueryError distinguishes "search failed" from "no matches". An empty result
// set is never an error.
type QueryError struct {
	Stage string
	Err   error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query: %s: %v", e.Stage, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// QueryHandler answers free-text searches against the vector store.
type QueryHandler struct {
	embedder  Embedder
	store     VectorStore
	namespace string
	log       *slog.Logger
}

func NewQueryHandler(embedder Embedder, store VectorStore, namespace string, logger *slog.Logger) *QueryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryHandler{
		embedder:  embedder,
		store:     store,
		namespace: namespace,
		log:       logger,
	}
}

// Search embeds the phrase, queries the store, and returns up to k image
// paths in the store's descending-similarity order.
func (h *QueryHandler) Search(ctx context.Context, text string, k int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, &QueryError{Stage: StageInput, Err: fmt.Errorf("empty search phrase")}
	}
	if k <= 0 {
		return nil, &QueryError{Stage: StageInput, Err: fmt.Errorf("k must be positive, got %d", k)}
	}

	vector, err := h.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, &QueryError{Stage: StageEmbed, Err: err}
	}

	matches, err := h.store.Query(ctx, vector, k, h.namespace)
	if err != nil {
		return nil, &QueryError{Stage: StageStore, Err: err}
	}

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, match.ImagePath)
	}
	h.log.Info("search complete", "phrase", text, "matches", len(paths))
	return paths, nil
}
