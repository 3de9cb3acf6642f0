// Package ingest turns files, URLs, and raw text into retrievable
// contexts. A source is fetched, reduced to plain text (PDF and HTML
// get real extraction, Markdown and plain text pass through), split
// into overlapping paragraph chunks, and written through the context
// manager so both halves of the dual store stay aligned.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mkallin/ctxd/internal/storage"
)

// ErrInvalid wraps request validation failures so transport layers can
// map them to a client error.
var ErrInvalid = errors.New("invalid ingest request")

// maxFetchBytes caps how much of a remote document is read.
const maxFetchBytes = 8 << 20

const defaultFetchTimeout = 30 * time.Second

// ContextCreator is the slice of the context manager ingestion needs.
type ContextCreator interface {
	CreateBatch(ctx context.Context, cs []storage.Context) ([]string, error)
}

// Request describes one ingestion source. Exactly one of Path, URL, or
// Content must be set.
type Request struct {
	WorkspaceID string
	Path        string
	URL         string
	Content     string

	// Source labels where the content came from; defaults to the path
	// or URL, or "inline" for raw content.
	Source string
	// Tier defaults to workspace, Type to documentation.
	Tier string
	Type string
}

// Report summarizes one ingestion. ContextIDs lists the chunks that
// were actually stored, which can be fewer than Chunks on partial
// failure.
type Report struct {
	Source     string
	Kind       string
	Chunks     int
	ContextIDs []string
}

// Options tunes chunking. Zero values select the defaults; a negative
// ChunkOverlap disables overlap entirely.
type Options struct {
	MaxChunkSize int
	ChunkOverlap int
}

// Ingestor converts raw sources into stored contexts.
type Ingestor struct {
	creator ContextCreator
	client  *http.Client
	opts    Options
}

func New(creator ContextCreator, opts Options) *Ingestor {
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = defaultMaxChunkSize
	}
	if opts.ChunkOverlap == 0 {
		opts.ChunkOverlap = defaultChunkOverlap
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.MaxChunkSize {
		opts.ChunkOverlap = 0
	}
	return &Ingestor{
		creator: creator,
		client:  &http.Client{Timeout: defaultFetchTimeout},
		opts:    opts,
	}
}

// Ingest runs one source through extraction, chunking, and storage. On
// partial storage failure the report still lists the chunks that made
// it, alongside the joined error.
func (ing *Ingestor) Ingest(ctx context.Context, req Request) (*Report, error) {
	if req.WorkspaceID == "" {
		return nil, fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if n := countSources(req); n != 1 {
		return nil, fmt.Errorf("%w: exactly one of path, url, or content must be set, got %d", ErrInvalid, n)
	}
	tier := req.Tier
	if tier == "" {
		tier = storage.TierWorkspace
	}
	if !storage.ValidTier(tier) {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalid, req.Tier)
	}
	typ := req.Type
	if typ == "" {
		typ = storage.TypeDocumentation
	}
	if !storage.ValidContextType(typ) {
		return nil, fmt.Errorf("%w: unknown context type %q", ErrInvalid, req.Type)
	}

	data, hint, source, err := ing.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Source != "" {
		source = req.Source
	}

	kind := sniffKind(source, hint, data)
	text, err := extractText(kind, data)
	if err != nil {
		return nil, fmt.Errorf("extracting %s text from %s: %w", kind, source, err)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text extracted from %s", source)
	}

	chunks := chunkText(text, ing.opts.MaxChunkSize, ing.opts.ChunkOverlap)
	cs := make([]storage.Context, len(chunks))
	for i, chunk := range chunks {
		cs[i] = storage.Context{
			WorkspaceID: req.WorkspaceID,
			Tier:        tier,
			Type:        typ,
			Content:     chunk,
			Metadata: map[string]any{
				"source":      source,
				"kind":        kind,
				"chunk":       i + 1,
				"chunk_total": len(chunks),
			},
		}
	}

	ids, err := ing.creator.CreateBatch(ctx, cs)
	slog.Debug("ingested source",
		"source", source,
		"kind", kind,
		"chunks", len(chunks),
		"stored", len(ids),
		"workspace", req.WorkspaceID,
	)
	return &Report{Source: source, Kind: kind, Chunks: len(chunks), ContextIDs: ids}, err
}

// load resolves the request to raw bytes plus a content-type hint.
func (ing *Ingestor) load(ctx context.Context, req Request) (data []byte, hint, source string, err error) {
	switch {
	case req.Path != "":
		data, err = os.ReadFile(req.Path)
		if err != nil {
			return nil, "", "", fmt.Errorf("reading %s: %w", req.Path, err)
		}
		return data, "", req.Path, nil
	case req.URL != "":
		data, hint, err = ing.fetch(ctx, req.URL)
		if err != nil {
			return nil, "", "", err
		}
		return data, hint, req.URL, nil
	default:
		return []byte(req.Content), "", "inline", nil
	}
}

func (ing *Ingestor) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("building request for %s: %w", rawURL, err)
	}
	resp, err := ing.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, "", fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func countSources(req Request) int {
	n := 0
	if req.Path != "" {
		n++
	}
	if req.URL != "" {
		n++
	}
	if req.Content != "" {
		n++
	}
	return n
}
