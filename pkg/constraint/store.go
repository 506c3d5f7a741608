package constraint

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors from the taxonomy that the store surfaces directly.
var (
	ErrNotFound           = errors.New("constraint: record not found")
	ErrBackendTimeout     = errors.New("constraint: backend timeout")
	ErrBackendUnavailable = errors.New("constraint: backend unavailable")
)

// TypeSummary is one row of the ranked constraint-type catalog returned by
// QueryTypes.
type TypeSummary struct {
	TypeID    string
	Name      string
	RuleShape string
	Count     int
}

// Filters narrows a QueryConstraints call.
type Filters struct {
	AsOf           time.Time
	Stage          string
	EventTypesAny  []string
	StatusesAny    []Status
	ScopesAny      []Scope
	NecessitiesAny []Necessity
	TextQuery      string
	RequireActive  bool
}

// SortField is one (field, descending) pair in a QueryConstraints sort spec.
type SortField struct {
	Field      string
	Descending bool
}

// QueryOptions bundles the non-filter parameters of QueryConstraints.
type QueryOptions struct {
	TypeIDs []string
	Tags    []string
	Sort    []SortField
	Limit   int
}

// DedupeResult reports what Dedupe did (or, in a dry run, would do).
type DedupeResult struct {
	GroupsExamined int
	Archived       int
	Kept           int
}

// ReflectionPayload is a best-effort durable reflection log entry.
type ReflectionPayload struct {
	SessionKey string
	Stage      string
	Text       string
	Tags       []string
}

// Store is the backend-agnostic Durable Constraint Store facade. One
// concrete implementation is selected at startup by config.StoreConfig.Backend;
// every operation above it is backend-agnostic. All operations are
// idempotent where the table below marks them so.
type Store interface {
	// QueryTypes returns a ranked constraint-type catalog for stage+event
	// types, sorted by descending active constraint count. Idempotent.
	QueryTypes(ctx context.Context, stage string, eventTypes []string) ([]TypeSummary, error)

	// QueryConstraints retrieves constraints matching filters/options.
	// Idempotent.
	QueryConstraints(ctx context.Context, filters Filters, opts QueryOptions) ([]Record, error)

	// GetConstraint fetches a single record by uid. Returns ErrNotFound
	// when absent (not a typed "maybe" — callers use errors.Is).
	GetConstraint(ctx context.Context, uid string) (Record, error)

	// UpsertConstraint creates or updates a record by uid. Idempotent in
	// uid. Topics/tags are additive set unions; every other field
	// overwrites. If record.SupersedesUIDs is non-empty, each named uid is
	// archived (status=declined, end_date = record.StartDate or today).
	UpsertConstraint(ctx context.Context, record Record) (Record, error)

	// UpdateConstraint merges a partial patch into the record named by
	// uid, validating enum fields.
	UpdateConstraint(ctx context.Context, uid string, patch Partial) (Record, error)

	// ArchiveConstraint sets status=declined. Idempotent.
	ArchiveConstraint(ctx context.Context, uid string, reason string) error

	// SupersedeConstraint atomically archives uid and upserts newRecord.
	SupersedeConstraint(ctx context.Context, uid string, newRecord Record) (Record, error)

	// FindEquivalentConstraint returns the existing record with an
	// identical identity tuple to record, if any.
	FindEquivalentConstraint(ctx context.Context, record Record) (Record, bool, error)

	// DedupeConstraints groups rows by identity tuple, keeps one canonical
	// record per group (locked > proposed > declined, tie-break by most
	// recent UpdatedAt), and archives the rest. dryRun leaves the store
	// untouched and only reports what would happen.
	DedupeConstraints(ctx context.Context, limit int, dryRun bool) (DedupeResult, error)

	// AddReflection appends a best-effort durable reflection log entry.
	// Failures are logged by the caller, never propagated as fatal.
	AddReflection(ctx context.Context, payload ReflectionPayload) error
}

// Partial is a partial update document for UpdateConstraint: every field
// left nil is untouched.
type Partial struct {
	Name         *string
	Description  *string
	Necessity    *Necessity
	Status       *Status
	Confidence   *float64
	StartDate    *time.Time
	EndDate      *time.Time
	DaysOfWeek   *[]string
	Topics       *[]string
	ScalarParams map[string]any
}
