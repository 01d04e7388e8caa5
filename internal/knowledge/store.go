// Package knowledge implements the knowledge-store collaborator on an
// embedded chromem-go vector database.
package knowledge

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const (
	defaultCollection = "stagehand_knowledge"

	// vectorSize is the dimension of the local hashing embedder.
	vectorSize = 256
)

// Snippet is one ranked search result.
type Snippet struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Page is one knowledge entry to append or update.
type Page struct {
	ID      string            `json:"id,omitempty"`
	Title   string            `json:"title"`
	Content string            `json:"content"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Service is the knowledge-store collaborator consumed by the orchestrator
// when composing stage context.
type Service interface {
	Search(ctx context.Context, query string, k int) ([]Snippet, error)
	Append(ctx context.Context, page Page) (string, error)
	Summarize(ctx context.Context) (string, error)
}

// Store implements Service using chromem-go.
//
// chromem-go is an embeddable vector database with zero third-party
// dependencies: pure Go, no external database service, persistence to disk.
// Embeddings come from a deterministic local hashing embedder so searches
// never leave the process.
type Store struct {
	db     *chromem.DB
	logger *zap.Logger

	mu     sync.Mutex
	titles map[string]string // id -> title, for Summarize
}

// NewStore creates a persistent knowledge store under dir.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating knowledge directory %s: %w", dir, err)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		titles: make(map[string]string),
	}

	// Rehydrate titles from the persisted collection.
	if col := db.GetCollection(defaultCollection, s.embed); col != nil {
		// Count-only warm start; titles refill lazily on Append.
		s.logger.Debug("knowledge collection loaded", zap.Int("documents", col.Count()))
	}

	return s, nil
}

// Search returns the k snippets most similar to the query, ranked by score.
func (s *Store) Search(ctx context.Context, query string, k int) ([]Snippet, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if k <= 0 {
		k = 3
	}

	col, err := s.collection()
	if err != nil {
		return nil, err
	}
	if col.Count() == 0 {
		return nil, nil
	}
	if k > col.Count() {
		k = col.Count()
	}

	results, err := col.Query(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge query failed: %w", err)
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:      r.ID,
			Title:   r.Metadata["title"],
			Content: r.Content,
			Score:   float64(r.Similarity),
		})
	}
	sort.Slice(snippets, func(i, j int) bool { return snippets[i].Score > snippets[j].Score })
	return snippets, nil
}

// Append adds or updates a page and returns its id.
func (s *Store) Append(ctx context.Context, page Page) (string, error) {
	if strings.TrimSpace(page.Content) == "" {
		return "", fmt.Errorf("page content cannot be empty")
	}

	id := page.ID
	if id == "" {
		id = uuid.New().String()
	}

	col, err := s.collection()
	if err != nil {
		return "", err
	}

	metadata := map[string]string{
		"title":      page.Title,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range page.Tags {
		metadata[k] = v
	}

	if err := col.AddDocuments(ctx, []chromem.Document{{
		ID:       id,
		Content:  page.Content,
		Metadata: metadata,
	}}, 1); err != nil {
		return "", fmt.Errorf("failed to store knowledge page: %w", err)
	}

	s.mu.Lock()
	s.titles[id] = page.Title
	s.mu.Unlock()

	s.logger.Debug("knowledge page stored",
		zap.String("page_id", id),
		zap.String("title", page.Title))
	return id, nil
}

// Summarize returns a short inventory of the store.
func (s *Store) Summarize(ctx context.Context) (string, error) {
	col, err := s.collection()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	titles := make([]string, 0, len(s.titles))
	for _, t := range s.titles {
		if t != "" {
			titles = append(titles, t)
		}
	}
	s.mu.Unlock()
	sort.Strings(titles)

	var b strings.Builder
	fmt.Fprintf(&b, "%d knowledge pages", col.Count())
	if len(titles) > 0 {
		b.WriteString(": ")
		if len(titles) > 10 {
			titles = titles[:10]
		}
		b.WriteString(strings.Join(titles, "; "))
	}
	return b.String(), nil
}

func (s *Store) collection() (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(defaultCollection, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge collection: %w", err)
	}
	return col, nil
}

// embed is a deterministic hashing embedder: tokens are hashed into a fixed
// number of buckets and the vector is L2-normalized. Good enough for local
// keyword-weighted similarity without any network dependency.
func (s *Store) embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, vectorSize)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?()[]{}\"'`")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[h.Sum32()%vectorSize]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// chromem rejects zero vectors; give empty text a fixed direction.
		vec[0] = 1
		return vec, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}
