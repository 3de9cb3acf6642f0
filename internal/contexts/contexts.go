// Package contexts implements the context lifecycle across the document
// store and the vector index. The document row is written first and is
// authoritative; index and version writes ride behind it best-effort, so
// a failed index write degrades retrieval quality but never loses data.
package contexts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mkallin/ctxd/internal/storage"
	"github.com/mkallin/ctxd/internal/vectors"
)

// ErrInvalid wraps validation failures so transport layers can map them
// to a client error instead of a server one.
var ErrInvalid = errors.New("invalid context")

// defaultConfidence is assigned to new contexts that do not state one.
const defaultConfidence = 0.7

// Embedder produces embedding vectors for content. *embedding.Gateway
// satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Manager owns context reads and writes. All mutations go through it so
// the document store, vector index and version history stay aligned.
type Manager struct {
	store    *storage.Store
	index    vectors.Index
	embedder Embedder
}

func NewManager(store *storage.Store, index vectors.Index, embedder Embedder) *Manager {
	return &Manager{store: store, index: index, embedder: embedder}
}

// Update describes a partial change to a context. Nil fields are left
// untouched. Metadata is merged shallowly; a nil value deletes the key.
// Tier and type are immutable after creation; changing them means
// deleting and recreating the context.
type Update struct {
	Content    *string
	Metadata   map[string]any
	Confidence *float64
}

// Create stores a new context. The embedding is computed up front and
// its failure fails the call; once the document row is in, the index
// upsert and version snapshot are best-effort.
func (m *Manager) Create(ctx context.Context, c storage.Context) (*storage.Context, error) {
	if err := validate(c); err != nil {
		return nil, err
	}
	fill(&c)

	vec, err := m.embedder.Embed(ctx, c.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}
	if err := m.store.InsertContext(c); err != nil {
		return nil, fmt.Errorf("inserting context: %w", err)
	}
	m.finishWrite(ctx, c, vec)
	return &c, nil
}

// CreateBatch validates every item up front, so a malformed batch fails
// before anything is written. After that items are stored independently:
// the returned ids are the ones that made it, and the error joins the
// per-item failures. Embeddings come from a single batched engine call.
func (m *Manager) CreateBatch(ctx context.Context, cs []storage.Context) ([]string, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	for i := range cs {
		if err := validate(cs[i]); err != nil {
			return nil, fmt.Errorf("context %d: %w", i, err)
		}
	}

	texts := make([]string, len(cs))
	for i := range cs {
		fill(&cs[i])
		texts[i] = cs[i].Content
	}
	vecs, err := m.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding batch: %w", err)
	}

	var ids []string
	var errs []error
	for i := range cs {
		if err := m.store.InsertContext(cs[i]); err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", cs[i].ID, err))
			continue
		}
		m.finishWrite(ctx, cs[i], vecs[i])
		ids = append(ids, cs[i].ID)
	}
	return ids, errors.Join(errs...)
}

// Get returns the context, or (nil, nil) when the id does not exist.
func (m *Manager) Get(ctx context.Context, id string) (*storage.Context, error) {
	c, err := m.store.GetContext(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetBatch fetches the given ids preserving request order and silently
// skipping ids that do not exist.
func (m *Manager) GetBatch(ctx context.Context, ids []string) ([]storage.Context, error) {
	return m.store.GetContexts(ids)
}

// Update applies a partial change. A content change forces re-embedding
// with the same write ordering as Create; other changes reuse the
// existing vector. Every successful update appends a version snapshot.
func (m *Manager) Update(ctx context.Context, id string, upd Update) (*storage.Context, error) {
	c, err := m.store.GetContext(id)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if upd.Content != nil && *upd.Content != c.Content {
		if strings.TrimSpace(*upd.Content) == "" {
			return nil, fmt.Errorf("%w: content cannot be empty", ErrInvalid)
		}
		c.Content = *upd.Content
		contentChanged = true
	}
	c.Metadata = mergeMetadata(c.Metadata, upd.Metadata)
	if upd.Confidence != nil {
		c.Confidence = clamp(*upd.Confidence)
	}
	c.UpdatedAt = time.Now().UTC()

	var vec []float32
	if contentChanged {
		vec, err = m.embedder.Embed(ctx, c.Content)
		if err != nil {
			return nil, fmt.Errorf("embedding content: %w", err)
		}
	}
	if err := m.store.UpdateContext(c); err != nil {
		return nil, fmt.Errorf("updating context: %w", err)
	}
	m.finishWrite(ctx, c, vec)
	return &c, nil
}

// Delete removes the document row, then clears the index entry and the
// version history best-effort. Once the row is gone the call succeeds
// regardless of cleanup failures.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteContext(id); err != nil {
		return err
	}
	if err := m.index.Remove(ctx, id); err != nil {
		slog.Warn("vector index remove failed", "context_id", id, "error", err)
	}
	if err := m.store.DeleteVersions(id); err != nil {
		slog.Warn("version purge failed", "context_id", id, "error", err)
	}
	return nil
}

// DeleteBatch deletes each id independently and joins the failures.
// Missing ids show up in the error but do not stop the batch.
func (m *Manager) DeleteBatch(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := m.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ListByWorkspace returns a workspace's contexts, newest first.
func (m *Manager) ListByWorkspace(ctx context.Context, workspaceID string, opt storage.ListOptions) ([]storage.Context, error) {
	return m.store.ListContexts(workspaceID, opt)
}

func (m *Manager) CountByWorkspace(ctx context.Context, workspaceID string) (int, error) {
	return m.store.CountContexts(workspaceID)
}

// finishWrite performs the best-effort tail of a write: index upsert,
// then version snapshot. The document row is already durable, so
// failures here are logged and swallowed. A nil vec leaves the stored
// embedding in place and refreshes the filter columns only.
func (m *Manager) finishWrite(ctx context.Context, c storage.Context, vec []float32) {
	entry := vectors.Entry{
		ContextID:   c.ID,
		WorkspaceID: c.WorkspaceID,
		Tier:        c.Tier,
		Embedding:   vec,
		UpdatedAt:   c.UpdatedAt,
	}
	if err := m.index.Upsert(ctx, []vectors.Entry{entry}); err != nil {
		slog.Warn("vector index upsert failed", "context_id", c.ID, "error", err)
	}

	v := storage.ContextVersion{
		ID:         uuid.NewString(),
		ContextID:  c.ID,
		Content:    c.Content,
		Metadata:   c.Metadata,
		Confidence: c.Confidence,
		CreatedAt:  c.UpdatedAt,
	}
	if err := m.store.AppendVersion(v); err != nil {
		slog.Warn("version append failed", "context_id", c.ID, "error", err)
	}
}

func validate(c storage.Context) error {
	if c.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace id is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if !storage.ValidTier(c.Tier) {
		return fmt.Errorf("%w: unknown tier %q", ErrInvalid, c.Tier)
	}
	if !storage.ValidContextType(c.Type) {
		return fmt.Errorf("%w: unknown context type %q", ErrInvalid, c.Type)
	}
	return nil
}

// fill assigns identity, defaults and timestamps to a validated context.
func fill(c *storage.Context) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Confidence == 0 {
		c.Confidence = defaultConfidence
	}
	c.Confidence = clamp(c.Confidence)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
}

func mergeMetadata(dst, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
	return dst
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
