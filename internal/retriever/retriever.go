package retriever

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// GeneralConditionsPackageID tags documents that apply to every user
// regardless of entitlements.
const GeneralConditionsPackageID = 0

// Filter restricts retrieval to documents tagged with one of the given
// package IDs. The zero value matches nothing.
type Filter struct {
	packages []int32
}

// FilterForPackages builds a membership filter over the entitled package IDs.
func FilterForPackages(ids []int32) Filter {
	return Filter{packages: ids}
}

// Empty reports whether the filter matches no documents at all.
func (f Filter) Empty() bool {
	return len(f.packages) == 0
}

// PackageIDs returns the IDs the filter admits.
func (f Filter) PackageIDs() []int32 {
	return f.packages
}

// EmbeddingRequest defines the structure for calling the embedding service.
type EmbeddingRequest struct {
	Text string `json:"text"`
}

// EmbeddingResponse defines the structure for the embedding service's response.
type EmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Retriever answers similarity queries over the policy document index.
// It is constructed once at process start against a healthy pool.
type Retriever struct {
	pool                *pgxpool.Pool
	httpClient          *http.Client
	embeddingServiceURL string
	logger              *slog.Logger
}

// New creates a Retriever. It verifies the document index is reachable so a
// missing table is a startup failure rather than a per-request surprise.
func New(ctx context.Context, pool *pgxpool.Pool, embeddingServiceURL string, logger *slog.Logger) (*Retriever, error) {
	r := &Retriever{
		pool:                pool,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
		embeddingServiceURL: embeddingServiceURL,
		logger:              logger.With("component", "retriever"),
	}
	if pool != nil {
		var count int64
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
			return nil, fmt.Errorf("document index unavailable: %w", err)
		}
		r.logger.Info("Document index ready", "documents", count)
	}
	return r, nil
}

// RetrievePackageInfo embeds the question and returns the topK most similar
// documents admitted by the filter, joined by newlines, plus their IDs for
// audit. An empty filter yields no package-specific text without touching the
// index.
func (r *Retriever) RetrievePackageInfo(ctx context.Context, question string, filter Filter, topK int) (string, []int64, error) {
	if filter.Empty() {
		return "", nil, nil
	}

	embedding, err := r.Embed(ctx, question)
	if err != nil {
		return "", nil, fmt.Errorf("failed to embed question: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, content FROM documents
		 WHERE mapping_package = ANY($2)
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(embedding), filter.PackageIDs(), topK,
	)
	if err != nil {
		return "", nil, fmt.Errorf("similarity query failed: %w", err)
	}
	defer rows.Close()

	var (
		texts []string
		ids   []int64
	)
	for rows.Next() {
		var (
			id      int64
			content string
		)
		if err := rows.Scan(&id, &content); err != nil {
			return "", nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("similarity query failed: %w", err)
	}
	return strings.Join(texts, "\n"), ids, nil
}

// RetrieveGeneralConditions fetches every document tagged with the sentinel
// package ID, joined by newlines. No ranking; callers must not depend on order.
func (r *Retriever) RetrieveGeneralConditions(ctx context.Context) (string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT content FROM documents WHERE mapping_package = $1`,
		GeneralConditionsPackageID,
	)
	if err != nil {
		return "", fmt.Errorf("general conditions query failed: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return "", fmt.Errorf("failed to scan document row: %w", err)
		}
		texts = append(texts, content)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("general conditions query failed: %w", err)
	}
	return strings.Join(texts, "\n"), nil
}

// Embed calls the embedding sidecar for a single text.
func (r *Retriever) Embed(ctx context.Context, textToEmbed string) ([]float32, error) {
	reqBody, err := json.Marshal(EmbeddingRequest{Text: textToEmbed})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.embeddingServiceURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embedding service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding service returned non-OK status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	var embeddingResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return embeddingResp.Embedding, nil
}
