package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Context tiers, ordered from most to least specific.
const (
	TierWorkspace = "workspace"
	TierHybrid    = "hybrid"
	TierGlobal    = "global"
)

// ValidTier reports whether s names a known context tier.
func ValidTier(s string) bool {
	switch s {
	case TierWorkspace, TierHybrid, TierGlobal:
		return true
	}
	return false
}

// Context types. Anything else is rejected on write.
const (
	TypeFile          = "file"
	TypeSymbol        = "symbol"
	TypeConversation  = "conversation"
	TypeDocumentation = "documentation"
	TypeError         = "error"
	TypeArchitecture  = "architecture"
)

// ValidContextType reports whether s names a known context type.
func ValidContextType(s string) bool {
	switch s {
	case TypeFile, TypeSymbol, TypeConversation, TypeDocumentation, TypeError, TypeArchitecture:
		return true
	}
	return false
}

// Context is a unit of project knowledge scoped to a workspace.
// The document row is authoritative; the embedding lives in the vector
// index and may be absent here.
type Context struct {
	ID          string
	WorkspaceID string
	Tier        string
	Type        string
	Content     string
	Metadata    map[string]any
	Embedding   []float32
	Confidence  float64
	UsageCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastUsedAt  *time.Time
}

// ContextVersion is an append-only snapshot of a context taken after
// every successful create or update.
type ContextVersion struct {
	ID         string
	ContextID  string
	Version    int
	Content    string
	Metadata   map[string]any
	Confidence float64
	CreatedAt  time.Time
}

// Feedback records a single quality signal against a context. The log
// is append-only and outlives the context it references. Helpful and
// Rating are nil when the caller did not say; Score is the resolved
// feedback score derived from them.
type Feedback struct {
	ID            string
	ContextID     string
	WorkspaceID   string
	Helpful       *bool
	Used          bool
	Rating        *int
	Score         float64
	InteractionID string
	CreatedAt     time.Time
}

// Interaction is a best-effort log row for one pipeline composition.
type Interaction struct {
	ID            string
	WorkspaceID   string
	UserQuery     string
	TaskType      string
	ContextIDs    string // JSON array stored as text
	ContextTokens int
	PromptTokens  int
	Strategy      string
	CreatedAt     time.Time
}

// WorkspaceSettings holds per-workspace overrides. Zero values mean
// "unset, fall back to the global config".
type WorkspaceSettings struct {
	WorkspaceID       string
	InjectionStrategy string
	TotalBudget       int
	ResponseReserve   int
	DecayRate         float64
	LastSweepAt       *time.Time
	UpdatedAt         time.Time
}

// ListOptions filters and pages ListContexts. Zero Limit means no limit.
type ListOptions struct {
	Tier   string
	Type   string
	Limit  int
	Offset int
}

// FeedbackCounts aggregates feedback rows for a workspace.
type FeedbackCounts struct {
	Helpful   int
	Unhelpful int
	Neutral   int
}
