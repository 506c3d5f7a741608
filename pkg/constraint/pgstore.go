package constraint

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrate

	"github.com/fateforger/timeboxd/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// PGStore is the Postgres-backed Store implementation, selected by
// config.BackendOther. It is the production backend; MemStore plays the
// same role in tests.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore opens a connection pool against cfg, applies pending embedded
// migrations, and returns a ready Store.
func NewPGStore(ctx context.Context, cfg config.StoreConfig) (*PGStore, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, resolvePassword(cfg), cfg.Database, cfg.SSLMode)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("constraint: parse pool config: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.ConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := runMigrations(dsn, cfg.Database); err != nil {
		pool.Close()
		return nil, fmt.Errorf("constraint: migrate: %w", err)
	}

	return &PGStore{pool: pool}, nil
}

// resolvePassword reads the Postgres password from the environment variable
// named by cfg.Password (the "password_env" config key never carries the
// secret itself).
func resolvePassword(cfg config.StoreConfig) string {
	if cfg.Password == "" {
		return ""
	}
	return os.Getenv(cfg.Password)
}

func runMigrations(dsn, databaseName string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return err
	}
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	defer sourceDriver.Close()

	m, err := migrate.NewWithInstance("iofs", sourceDriver, databaseName, driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

type row struct {
	UID               string
	Name              string
	Description       string
	Necessity         string
	Status            string
	SourceKind        string
	Confidence        float64
	Scope             string
	StartDate         *time.Time
	EndDate           *time.Time
	DaysOfWeek        []byte
	Timezone          string
	Recurrence        string
	TTLDays           *int
	AppliesStages     []byte
	AppliesEventTypes []byte
	Topics            []byte
	RuleKind          string
	ScalarParams      []byte
	Windows           []byte
	SupersedesUIDs    []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (r row) toRecord() (Record, error) {
	rec := Record{
		UID: r.UID, Name: r.Name, Description: r.Description,
		Necessity: Necessity(r.Necessity), Status: Status(r.Status), SourceKind: Source(r.SourceKind),
		Confidence: r.Confidence, Scope: Scope(r.Scope),
		StartDate: r.StartDate, EndDate: r.EndDate,
		Timezone: r.Timezone, Recurrence: r.Recurrence, TTLDays: r.TTLDays,
		RuleKind: r.RuleKind, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{r.DaysOfWeek, &rec.DaysOfWeek},
		{r.AppliesStages, &rec.AppliesStages},
		{r.AppliesEventTypes, &rec.AppliesEventTypes},
		{r.Topics, &rec.Topics},
		{r.ScalarParams, &rec.ScalarParams},
		{r.Windows, &rec.Windows},
		{r.SupersedesUIDs, &rec.SupersedesUIDs},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return Record{}, fmt.Errorf("constraint: decode row: %w", err)
		}
	}
	return rec, nil
}

const selectColumns = `uid, name, description, necessity, status, source_kind, confidence, scope,
	start_date, end_date, days_of_week, timezone, recurrence, ttl_days,
	applies_stages, applies_event_types, topics, rule_kind, scalar_params, windows,
	supersedes_uids, created_at, updated_at`

func scanRow(scanner interface{ Scan(...any) error }) (Record, error) {
	var r row
	err := scanner.Scan(
		&r.UID, &r.Name, &r.Description, &r.Necessity, &r.Status, &r.SourceKind, &r.Confidence, &r.Scope,
		&r.StartDate, &r.EndDate, &r.DaysOfWeek, &r.Timezone, &r.Recurrence, &r.TTLDays,
		&r.AppliesStages, &r.AppliesEventTypes, &r.Topics, &r.RuleKind, &r.ScalarParams, &r.Windows,
		&r.SupersedesUIDs, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	return r.toRecord()
}

func (s *PGStore) GetConstraint(ctx context.Context, uid string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM constraints WHERE uid = $1`, selectColumns)
	rowsResult := s.pool.QueryRow(ctx, query, uid)
	rec, err := scanRow(rowsResult)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return rec, nil
}

func (s *PGStore) QueryTypes(ctx context.Context, stage string, eventTypes []string) ([]TypeSummary, error) {
	query := `
		SELECT rule_kind,
		       CASE WHEN windows <> '[]' THEN 'windows' WHEN scalar_params <> '{}' THEN 'scalar' ELSE 'flag' END AS shape,
		       count(*)
		FROM constraints
		WHERE status <> 'declined'
		  AND ($1 = '' OR applies_stages = '[]' OR applies_stages @> to_jsonb($1::text))
		  AND ($2::text[] IS NULL OR cardinality($2::text[]) = 0 OR applies_event_types ?| $2)
		GROUP BY rule_kind, shape
		ORDER BY count(*) DESC, rule_kind ASC`

	rows, err := s.pool.Query(ctx, query, stage, eventTypes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []TypeSummary
	for rows.Next() {
		var ts TypeSummary
		if err := rows.Scan(&ts.TypeID, &ts.RuleShape, &ts.Count); err != nil {
			return nil, err
		}
		ts.Name = ts.TypeID
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *PGStore) QueryConstraints(ctx context.Context, filters Filters, opts QueryOptions) ([]Record, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.RequireActive && !filters.AsOf.IsZero() {
		where = append(where, fmt.Sprintf("(start_date IS NULL OR start_date <= %s)", arg(filters.AsOf)))
		where = append(where, fmt.Sprintf("(end_date IS NULL OR end_date >= %s)", arg(filters.AsOf)))
	}
	if filters.Stage != "" {
		where = append(where, fmt.Sprintf("(applies_stages = '[]' OR applies_stages @> to_jsonb(%s::text))", arg(filters.Stage)))
	}
	if len(filters.EventTypesAny) > 0 {
		where = append(where, fmt.Sprintf("applies_event_types ?| %s", arg(filters.EventTypesAny)))
	}
	if len(filters.StatusesAny) > 0 {
		statuses := make([]string, len(filters.StatusesAny))
		for i, st := range filters.StatusesAny {
			statuses[i] = string(st)
		}
		where = append(where, fmt.Sprintf("status = ANY(%s)", arg(statuses)))
	}
	if len(filters.ScopesAny) > 0 {
		scopes := make([]string, len(filters.ScopesAny))
		for i, sc := range filters.ScopesAny {
			scopes[i] = string(sc)
		}
		where = append(where, fmt.Sprintf("scope = ANY(%s)", arg(scopes)))
	}
	if len(filters.NecessitiesAny) > 0 {
		necessities := make([]string, len(filters.NecessitiesAny))
		for i, n := range filters.NecessitiesAny {
			necessities[i] = string(n)
		}
		where = append(where, fmt.Sprintf("necessity = ANY(%s)", arg(necessities)))
	}
	if filters.TextQuery != "" {
		where = append(where, fmt.Sprintf("(name ILIKE %s OR description ILIKE %s)", arg("%"+filters.TextQuery+"%"), arg("%"+filters.TextQuery+"%")))
	}
	if len(opts.TypeIDs) > 0 {
		where = append(where, fmt.Sprintf("rule_kind = ANY(%s)", arg(opts.TypeIDs)))
	}
	if len(opts.Tags) > 0 {
		where = append(where, fmt.Sprintf("topics ?| %s", arg(opts.Tags)))
	}

	query := fmt.Sprintf(`SELECT %s FROM constraints`, selectColumns)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += orderByClause(opts.Sort)
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", arg(opts.Limit))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func orderByClause(sortFields []SortField) string {
	if len(sortFields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(sortFields))
	for _, sf := range sortFields {
		col := sf.Field
		switch strings.ToLower(sf.Field) {
		case "status":
			col = "status"
		case "updated_at":
			col = "updated_at"
		default:
			continue
		}
		dir := "ASC"
		if sf.Descending {
			dir = "DESC"
		}
		parts = append(parts, col+" "+dir)
	}
	if len(parts) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

func (s *PGStore) UpsertConstraint(ctx context.Context, record Record) (Record, error) {
	if record.UID == "" {
		record.UID = ComputeUID(record)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback(ctx)

	if existing, err := getConstraintTx(ctx, tx, record.UID); err == nil {
		record.Topics = unionStrings(existing.Topics, record.Topics)
		record.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, err
	}

	rec, err := upsertTx(ctx, tx, record)
	if err != nil {
		return Record{}, err
	}

	for _, supersededUID := range record.SupersedesUIDs {
		endDate := rec.UpdatedAt
		if rec.StartDate != nil {
			endDate = *rec.StartDate
		}
		if _, err := tx.Exec(ctx, `UPDATE constraints SET status = 'declined', end_date = $2, updated_at = $3 WHERE uid = $1`,
			supersededUID, endDate, rec.UpdatedAt); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return rec, nil
}

func getConstraintTx(ctx context.Context, tx pgx.Tx, uid string) (Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM constraints WHERE uid = $1 FOR UPDATE`, selectColumns)
	rec, err := scanRow(tx.QueryRow(ctx, query, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return rec, nil
}

func upsertTx(ctx context.Context, tx pgx.Tx, record Record) (Record, error) {
	now := time.Now().UTC()
	daysJSON, _ := json.Marshal(nonNilStrings(record.DaysOfWeek))
	stagesJSON, _ := json.Marshal(nonNilStrings(record.AppliesStages))
	eventTypesJSON, _ := json.Marshal(nonNilStrings(record.AppliesEventTypes))
	topicsJSON, _ := json.Marshal(nonNilStrings(record.Topics))
	scalarJSON, _ := json.Marshal(nonNilMap(record.ScalarParams))
	windowsJSON, _ := json.Marshal(record.Windows)
	supersedesJSON, _ := json.Marshal(nonNilStrings(record.SupersedesUIDs))

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	record.CreatedAt = createdAt
	record.UpdatedAt = now

	query := fmt.Sprintf(`
		INSERT INTO constraints (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (uid) DO UPDATE SET
			name=$2, description=$3, necessity=$4, status=$5, source_kind=$6, confidence=$7, scope=$8,
			start_date=$9, end_date=$10, days_of_week=$11, timezone=$12, recurrence=$13, ttl_days=$14,
			applies_stages=$15, applies_event_types=$16, topics=$17, rule_kind=$18, scalar_params=$19,
			windows=$20, supersedes_uids=$21, updated_at=$23
		`, selectColumns)

	_, err := tx.Exec(ctx, query,
		record.UID, record.Name, record.Description, string(record.Necessity), string(record.Status), string(record.SourceKind),
		record.Confidence, string(record.Scope), record.StartDate, record.EndDate, daysJSON, record.Timezone, record.Recurrence,
		record.TTLDays, stagesJSON, eventTypesJSON, topicsJSON, record.RuleKind, scalarJSON, windowsJSON, supersedesJSON,
		createdAt, record.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return record, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func (s *PGStore) UpdateConstraint(ctx context.Context, uid string, patch Partial) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer tx.Rollback(ctx)

	r, err := getConstraintTx(ctx, tx, uid)
	if err != nil {
		return Record{}, err
	}

	if patch.Name != nil {
		r.Name = *patch.Name
	}
	if patch.Description != nil {
		r.Description = *patch.Description
	}
	if patch.Necessity != nil {
		if *patch.Necessity != NecessityMust && *patch.Necessity != NecessityShould {
			return Record{}, &EnumError{Field: "necessity", Value: string(*patch.Necessity)}
		}
		r.Necessity = *patch.Necessity
	}
	if patch.Status != nil {
		if *patch.Status != StatusProposed && *patch.Status != StatusLocked && *patch.Status != StatusDeclined {
			return Record{}, &EnumError{Field: "status", Value: string(*patch.Status)}
		}
		r.Status = *patch.Status
	}
	if patch.Confidence != nil {
		r.Confidence = *patch.Confidence
	}
	if patch.StartDate != nil {
		r.StartDate = patch.StartDate
	}
	if patch.EndDate != nil {
		r.EndDate = patch.EndDate
	}
	if patch.DaysOfWeek != nil {
		r.DaysOfWeek = *patch.DaysOfWeek
	}
	if patch.Topics != nil {
		r.Topics = unionStrings(r.Topics, *patch.Topics)
	}
	if patch.ScalarParams != nil {
		r.ScalarParams = patch.ScalarParams
	}

	rec, err := upsertTx(ctx, tx, r)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return rec, nil
}

func (s *PGStore) ArchiveConstraint(ctx context.Context, uid string, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE constraints SET status = 'declined', updated_at = now() WHERE uid = $1`, uid)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SupersedeConstraint(ctx context.Context, uid string, newRecord Record) (Record, error) {
	if newRecord.SupersedesUIDs == nil {
		newRecord.SupersedesUIDs = []string{uid}
	} else {
		newRecord.SupersedesUIDs = append(newRecord.SupersedesUIDs, uid)
	}
	return s.UpsertConstraint(ctx, newRecord)
}

func (s *PGStore) FindEquivalentConstraint(ctx context.Context, record Record) (Record, bool, error) {
	uid := ComputeUID(record)
	rec, err := s.GetConstraint(ctx, uid)
	if errors.Is(err, ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *PGStore) DedupeConstraints(ctx context.Context, limit int, dryRun bool) (DedupeResult, error) {
	query := fmt.Sprintf(`SELECT %s FROM constraints WHERE status <> 'declined'`, selectColumns)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return DedupeResult{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	groups := make(map[string][]Record)
	for rows.Next() {
		rec, err := scanRow(rows)
		if err != nil {
			rows.Close()
			return DedupeResult{}, err
		}
		key := Identity(rec).Key()
		groups[key] = append(groups[key], rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return DedupeResult{}, err
	}

	result := DedupeResult{GroupsExamined: len(groups)}
	for _, group := range groups {
		if len(group) < 2 {
			result.Kept++
			continue
		}
		canonical := pickCanonical(group)
		result.Kept++
		var archived []string
		for _, r := range group {
			if r.UID == canonical.UID {
				continue
			}
			result.Archived++
			if !dryRun {
				if err := s.ArchiveConstraint(ctx, r.UID, "deduped"); err != nil {
					return result, err
				}
				archived = append(archived, r.UID)
			}
		}
		if len(archived) > 0 {
			archivedJSON, _ := json.Marshal(archived)
			if _, err := s.pool.Exec(ctx,
				`UPDATE constraints SET supersedes_uids = supersedes_uids || $2::jsonb, updated_at = now() WHERE uid = $1`,
				canonical.UID, archivedJSON); err != nil {
				return result, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}
	}
	return result, nil
}

func (s *PGStore) AddReflection(ctx context.Context, payload ReflectionPayload) error {
	tagsJSON, _ := json.Marshal(nonNilStrings(payload.Tags))
	_, err := s.pool.Exec(ctx,
		`INSERT INTO constraint_reflections (session_key, stage, text, tags) VALUES ($1,$2,$3,$4)`,
		payload.SessionKey, payload.Stage, payload.Text, tagsJSON)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
