package store

import (
	"context"
	"errors"
	"time"

	"github.com/cardsentry/cardsentry-ai/internal/audit"
	"github.com/cardsentry/cardsentry-ai/internal/models"
)

// Package store persists investigations and their artifacts. One
// implementation serves both SQLite (local/dev, pure-Go driver) and
// PostgreSQL (production); queries are written once and rebound per driver.

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrActiveExists is returned when a second active investigation is
	// created for a transaction that already has one in flight.
	ErrActiveExists = errors.New("store: active investigation already exists for transaction")

	// ErrStaleVersion is returned when a state save loses an optimistic
	// concurrency race.
	ErrStaleVersion = errors.New("store: stale state version")

	// ErrConflict is returned when a guarded status transition finds the
	// row in a different state than expected.
	ErrConflict = errors.New("store: conflicting status transition")
)

// ToolExecution is one append-only record of a tool run within an
// investigation.
type ToolExecution struct {
	ID              string    `json:"id" db:"id"`
	InvestigationID string    `json:"investigation_id" db:"investigation_id"`
	Step            int       `json:"step" db:"step"`
	ToolName        string    `json:"tool_name" db:"tool_name"`
	Status          string    `json:"status" db:"status"` // OK | FALLBACK | ERROR | TIMEOUT
	Summary         string    `json:"summary" db:"summary"`
	Error           string    `json:"error" db:"error"`
	DurationMs      int64     `json:"duration_ms" db:"duration_ms"`
	StartedAt       time.Time `json:"started_at" db:"started_at"`
}

// StateRecord is the versioned investigation state blob.
type StateRecord struct {
	InvestigationID string    `db:"investigation_id"`
	Version         int       `db:"version"`
	SchemaVersion   int       `db:"schema_version"`
	Blob            []byte    `db:"blob"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// EvidenceRecord is the persisted form of one evidence item, attached to an
// insight.
type EvidenceRecord struct {
	ID              string    `db:"id"`
	InsightID       string    `db:"insight_id"`
	InvestigationID string    `db:"investigation_id"`
	Kind            string    `db:"kind"`
	Category        string    `db:"category"`
	Strength        float64   `db:"strength"`
	FreshnessWeight float64   `db:"freshness_weight"`
	Description     string    `db:"description"`
	RelatedTxnIDs   string    `db:"related_txn_ids"` // JSON array
	SupportingData  string    `db:"supporting_data"` // JSON object
	Timestamp       time.Time `db:"timestamp"`
}

// RuleDraftRecord is a persisted rule draft with its export lifecycle.
type RuleDraftRecord struct {
	ID               string     `json:"id" db:"id"`
	RecommendationID string     `json:"recommendation_id" db:"recommendation_id"`
	RuleName         string     `json:"rule_name" db:"rule_name"`
	Draft            string     `json:"draft" db:"draft"` // JSON models.RuleDraft
	Status           string     `json:"status" db:"status"`
	ExportRef        string     `json:"export_ref" db:"export_ref"`
	ExportedAt       *time.Time `json:"exported_at,omitempty" db:"exported_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Rule draft statuses.
const (
	RuleDraftStatusDraft    = "DRAFT"
	RuleDraftStatusExported = "EXPORTED"
)

// EmbeddingRecord is one stored transaction embedding with denormalized
// fields for the heuristic fallback search.
type EmbeddingRecord struct {
	TransactionID string    `db:"transaction_id"`
	Embedding     string    `db:"embedding"` // JSON []float32
	Outcome       string    `db:"outcome"`
	CardID        string    `db:"card_id"`
	MerchantID    string    `db:"merchant_id"`
	Amount        float64   `db:"amount"`
	OccurredAt    time.Time `db:"occurred_at"`
	CreatedAt     time.Time `db:"created_at"`
}

// WorklistFilter selects and pages the analyst worklist of recommendations.
// Pagination is keyset on (created_at DESC, id DESC); Cursor* carry the last
// item of the previous page.
type WorklistFilter struct {
	Status          models.RecommendationStatus // empty selects OPEN, the analyst queue
	MinSeverity     models.Severity             // floor on the owning insight's severity
	Limit           int
	CursorCreatedAt *time.Time
	CursorID        string
}

// WorklistItem is one recommendation in the analyst worklist, carrying
// enough investigation context to act on without a second lookup.
type WorklistItem struct {
	Recommendation  models.Recommendation `json:"recommendation"`
	InvestigationID string                `json:"investigation_id"`
	TransactionID   string                `json:"transaction_id"`
	Severity        models.Severity       `json:"severity"`
	InsightSummary  string                `json:"insight_summary"`
}

// WorklistPage is one page of worklist results with the next-page cursor.
type WorklistPage struct {
	Items           []WorklistItem `json:"items"`
	NextCursorTime  *time.Time     `json:"next_cursor_time,omitempty"`
	NextCursorID    string         `json:"next_cursor_id,omitempty"`
	HasMore         bool           `json:"has_more"`
}

// Store is the persistence contract for the investigation runtime.
type Store interface {
	// Investigations.
	CreateInvestigation(ctx context.Context, inv *models.Investigation) error
	GetInvestigation(ctx context.Context, id string) (*models.Investigation, error)
	GetActiveInvestigation(ctx context.Context, transactionID string) (*models.Investigation, error)
	ListUnfinishedInvestigations(ctx context.Context) ([]models.Investigation, error)
	UpdateInvestigation(ctx context.Context, inv *models.Investigation) error
	ListWorklist(ctx context.Context, filter WorklistFilter) (*WorklistPage, error)

	// Versioned state blob with optimistic concurrency.
	SaveState(ctx context.Context, rec *StateRecord) error
	GetState(ctx context.Context, investigationID string) (*StateRecord, error)

	// Append-only tool execution trail.
	RecordToolExecution(ctx context.Context, exec *ToolExecution) error
	ListToolExecutions(ctx context.Context, investigationID string) ([]ToolExecution, error)

	// Insights and evidence.
	UpsertInsight(ctx context.Context, insight *models.Insight) (*models.Insight, error)
	GetInsight(ctx context.Context, id string) (*models.Insight, error)
	GetInsightByInvestigation(ctx context.Context, investigationID string) (*models.Insight, error)
	ReplaceEvidence(ctx context.Context, insightID string, records []EvidenceRecord) error
	ListEvidence(ctx context.Context, insightID string) ([]EvidenceRecord, error)

	// Recommendations. Upsert is idempotent on the idempotency key;
	// created reports whether a new row was inserted.
	UpsertRecommendation(ctx context.Context, rec *models.Recommendation) (created bool, err error)
	GetRecommendation(ctx context.Context, id string) (*models.Recommendation, error)
	ListRecommendationsByInsight(ctx context.Context, insightID string) ([]models.Recommendation, error)
	CountOpenRecommendations(ctx context.Context, insightID string) (int, error)
	TransitionRecommendation(ctx context.Context, id string, from, to models.RecommendationStatus, actor string) error

	// Rule drafts.
	CreateRuleDraft(ctx context.Context, draft *RuleDraftRecord) error
	GetRuleDraft(ctx context.Context, id string) (*RuleDraftRecord, error)
	GetRuleDraftByRecommendation(ctx context.Context, recommendationID string) (*RuleDraftRecord, error)
	MarkRuleDraftExported(ctx context.Context, id, exportRef string) error

	// Transaction embeddings for similarity retrieval.
	UpsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error
	ListEmbeddings(ctx context.Context, limit int) ([]EmbeddingRecord, error)
	QuerySimilarHeuristic(ctx context.Context, cardID, merchantID string, amount float64, anchor time.Time, window time.Duration, limit int) ([]EmbeddingRecord, error)

	// Durable audit mirror of the append-only log file.
	AppendAuditEvent(ctx context.Context, event *audit.Event) error
	ListAuditEvents(ctx context.Context, correlationID string, limit int) ([]audit.Event, error)

	Close() error
}
