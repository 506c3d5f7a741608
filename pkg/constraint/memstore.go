package constraint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation. It is the reference
// implementation used by unit tests and is also the store cmd/timeboxd
// builds for every backend other than config.BackendOther (notion and mem0
// have no in-process client); PGStore (pgstore.go) is the
// Postgres-backed production implementation selected by
// config.BackendOther.
type MemStore struct {
	mu          sync.RWMutex
	records     map[string]Record
	reflections []ReflectionPayload
	now         func() time.Time
}

// NewMemStore creates an empty MemStore. now defaults to time.Now; tests may
// override it for determinism.
func NewMemStore(now func() time.Time) *MemStore {
	if now == nil {
		now = time.Now
	}
	return &MemStore{records: make(map[string]Record), now: now}
}

func (s *MemStore) QueryTypes(ctx context.Context, stage string, eventTypes []string) ([]TypeSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]*TypeSummary)
	for _, r := range s.records {
		if r.Status == StatusDeclined {
			continue
		}
		if !matchesAny(r.AppliesEventTypes, eventTypes) {
			continue
		}
		if stage != "" && len(r.AppliesStages) > 0 && !contains(r.AppliesStages, stage) {
			continue
		}
		typeID := r.RuleKind
		if ts, ok := counts[typeID]; ok {
			ts.Count++
		} else {
			counts[typeID] = &TypeSummary{TypeID: typeID, Name: typeID, RuleShape: ruleShape(r), Count: 1}
		}
	}

	out := make([]TypeSummary, 0, len(counts))
	for _, ts := range counts {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].TypeID < out[j].TypeID
	})
	return out, nil
}

func ruleShape(r Record) string {
	if len(r.Windows) > 0 {
		return "windows"
	}
	if len(r.ScalarParams) > 0 {
		return "scalar"
	}
	return "flag"
}

func matchesAny(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		if contains(have, w) {
			return true
		}
	}
	return false
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

func (s *MemStore) QueryConstraints(ctx context.Context, filters Filters, opts QueryOptions) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if !filterMatches(r, filters, opts) {
			continue
		}
		out = append(out, r)
	}

	applySort(out, opts.Sort)

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func filterMatches(r Record, filters Filters, opts QueryOptions) bool {
	if filters.RequireActive && !filters.AsOf.IsZero() && !r.IsActive(filters.AsOf) {
		return false
	}
	if filters.Stage != "" && len(r.AppliesStages) > 0 && !contains(r.AppliesStages, filters.Stage) {
		return false
	}
	if !matchesAny(r.AppliesEventTypes, filters.EventTypesAny) {
		return false
	}
	if len(filters.StatusesAny) > 0 {
		ok := false
		for _, st := range filters.StatusesAny {
			if r.Status == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(filters.ScopesAny) > 0 {
		ok := false
		for _, sc := range filters.ScopesAny {
			if r.Scope == sc {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(filters.NecessitiesAny) > 0 {
		ok := false
		for _, n := range filters.NecessitiesAny {
			if r.Necessity == n {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filters.TextQuery != "" {
		q := strings.ToLower(filters.TextQuery)
		if !strings.Contains(strings.ToLower(r.Name), q) && !strings.Contains(strings.ToLower(r.Description), q) {
			return false
		}
	}
	if len(opts.TypeIDs) > 0 && !contains(opts.TypeIDs, r.RuleKind) {
		return false
	}
	if len(opts.Tags) > 0 && !matchesAny(r.Topics, opts.Tags) {
		return false
	}
	return true
}

func applySort(records []Record, sortFields []SortField) {
	if len(sortFields) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, sf := range sortFields {
			var less, greater bool
			switch strings.ToLower(sf.Field) {
			case "status":
				less = statusRank(records[i].Status) < statusRank(records[j].Status)
				greater = statusRank(records[i].Status) > statusRank(records[j].Status)
			case "updated_at":
				less = records[i].UpdatedAt.Before(records[j].UpdatedAt)
				greater = records[i].UpdatedAt.After(records[j].UpdatedAt)
			default:
				continue
			}
			if sf.Descending {
				if greater {
					return true
				}
				if less {
					return false
				}
			} else {
				if less {
					return true
				}
				if greater {
					return false
				}
			}
		}
		return false
	})
}

func statusRank(s Status) int {
	switch s {
	case StatusLocked:
		return 2
	case StatusProposed:
		return 1
	default:
		return 0
	}
}

func (s *MemStore) GetConstraint(ctx context.Context, uid string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[uid]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (s *MemStore) UpsertConstraint(ctx context.Context, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(record)
}

// upsertLocked assumes s.mu is already held for writing.
func (s *MemStore) upsertLocked(record Record) (Record, error) {
	if record.UID == "" {
		record.UID = ComputeUID(record)
	}
	now := s.now()

	if existing, ok := s.records[record.UID]; ok {
		record.Topics = unionStrings(existing.Topics, record.Topics)
		record.CreatedAt = existing.CreatedAt
	} else {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	s.records[record.UID] = record

	for _, supersededUID := range record.SupersedesUIDs {
		if old, ok := s.records[supersededUID]; ok {
			old.Status = StatusDeclined
			endDate := now
			if record.StartDate != nil {
				endDate = *record.StartDate
			}
			old.EndDate = &endDate
			old.UpdatedAt = now
			s.records[supersededUID] = old
		}
	}

	return record, nil
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (s *MemStore) UpdateConstraint(ctx context.Context, uid string, patch Partial) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[uid]
	if !ok {
		return Record{}, ErrNotFound
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
	r.UpdatedAt = s.now()
	s.records[uid] = r
	return r, nil
}

func (s *MemStore) ArchiveConstraint(ctx context.Context, uid string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[uid]
	if !ok {
		return ErrNotFound
	}
	r.Status = StatusDeclined
	r.UpdatedAt = s.now()
	s.records[uid] = r
	return nil
}

func (s *MemStore) SupersedeConstraint(ctx context.Context, uid string, newRecord Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.records[uid]; ok {
		r.Status = StatusDeclined
		now := s.now()
		endDate := now
		if newRecord.StartDate != nil {
			endDate = *newRecord.StartDate
		}
		r.EndDate = &endDate
		r.UpdatedAt = now
		s.records[uid] = r
	}
	if newRecord.SupersedesUIDs == nil {
		newRecord.SupersedesUIDs = []string{uid}
	}
	return s.upsertLocked(newRecord)
}

func (s *MemStore) FindEquivalentConstraint(ctx context.Context, record Record) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target := Identity(record).Key()
	for _, r := range s.records {
		if Identity(r).Key() == target {
			return r, true, nil
		}
	}
	return Record{}, false, nil
}

func (s *MemStore) DedupeConstraints(ctx context.Context, limit int, dryRun bool) (DedupeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string][]Record)
	for _, r := range s.records {
		key := Identity(r).Key()
		groups[key] = append(groups[key], r)
		if limit > 0 && len(groups) > limit {
			break
		}
	}

	result := DedupeResult{GroupsExamined: len(groups)}
	for _, group := range groups {
		if len(group) < 2 {
			result.Kept++
			continue
		}
		canonical := pickCanonical(group)
		result.Kept++
		for _, r := range group {
			if r.UID == canonical.UID {
				continue
			}
			if r.Status == StatusDeclined && contains(canonical.SupersedesUIDs, r.UID) {
				continue // archived by an earlier pass
			}
			result.Archived++
			if !dryRun {
				r.Status = StatusDeclined
				r.UpdatedAt = s.now()
				s.records[r.UID] = r
				if !contains(canonical.SupersedesUIDs, r.UID) {
					canonical.SupersedesUIDs = append(canonical.SupersedesUIDs, r.UID)
				}
			}
		}
		if !dryRun {
			s.records[canonical.UID] = canonical
		}
	}
	return result, nil
}

// pickCanonical implements the tie-break rule: locked > proposed > declined,
// then most recently updated.
func pickCanonical(group []Record) Record {
	best := group[0]
	for _, r := range group[1:] {
		if statusRank(r.Status) > statusRank(best.Status) {
			best = r
			continue
		}
		if statusRank(r.Status) == statusRank(best.Status) && r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	return best
}

func (s *MemStore) AddReflection(ctx context.Context, payload ReflectionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflections = append(s.reflections, payload)
	return nil
}

// EnumError is raised when UpdateConstraint is asked to set an unrecognized
// enum value.
type EnumError struct {
	Field string
	Value string
}

func (e *EnumError) Error() string {
	return "constraint: invalid " + e.Field + " value " + e.Value
}
