package contexts

import (
	"context"
	"fmt"
	"time"

	"github.com/mkallin/ctxd/internal/storage"
)

// GetVersions returns up to limit of a context's snapshots, newest
// first. A non-positive limit returns them all; an unknown id yields an
// empty slice.
func (m *Manager) GetVersions(ctx context.Context, id string, limit int) ([]storage.ContextVersion, error) {
	return m.store.GetVersions(id, limit)
}

// RestoreVersion applies an old snapshot through the regular update
// path: the content is re-embedded unconditionally and the restore is
// itself recorded as a new version. Unknown version returns ErrNotFound.
func (m *Manager) RestoreVersion(ctx context.Context, id string, version int) (*storage.Context, error) {
	v, err := m.store.GetVersion(id, version)
	if err != nil {
		return nil, err
	}
	c, err := m.store.GetContext(id)
	if err != nil {
		return nil, err
	}

	c.Content = v.Content
	c.Metadata = mergeMetadata(c.Metadata, v.Metadata)
	c.Confidence = clamp(v.Confidence)
	c.UpdatedAt = time.Now().UTC()

	vec, err := m.embedder.Embed(ctx, c.Content)
	if err != nil {
		return nil, fmt.Errorf("embedding content: %w", err)
	}
	if err := m.store.UpdateContext(c); err != nil {
		return nil, fmt.Errorf("updating context: %w", err)
	}
	m.finishWrite(ctx, c, vec)
	return &c, nil
}
