package constraint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// IdentityTuple is the canonical subset of a Record used both to compute its
// UID and to find equivalents. Two records with different
// descriptions/wording but identical tuples must hash to the same UID.
type IdentityTuple struct {
	Name       string
	RuleKind   string
	Windows    []Window
	DaysOfWeek []string
	Scope      Scope
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(name))), " ")
}

func normalizeRuleKind(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func normalizeDays(days []string) []string {
	out := make([]string, len(days))
	for i, d := range days {
		out[i] = strings.ToUpper(strings.TrimSpace(d))
	}
	sort.Strings(out)
	return out
}

func normalizeWindows(windows []Window) []Window {
	out := make([]Window, len(windows))
	copy(out, windows)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].End < out[j].End
	})
	return out
}

// Identity derives the canonical identity tuple for a record.
func Identity(r Record) IdentityTuple {
	return IdentityTuple{
		Name:       normalizeName(r.Name),
		RuleKind:   normalizeRuleKind(r.RuleKind),
		Windows:    normalizeWindows(r.Windows),
		DaysOfWeek: normalizeDays(r.DaysOfWeek),
		Scope:      r.Scope,
	}
}

// Key renders the tuple as a stable string, suitable for map keys or hashing.
func (t IdentityTuple) Key() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte('|')
	b.WriteString(t.RuleKind)
	b.WriteByte('|')
	for _, w := range t.Windows {
		fmt.Fprintf(&b, "%s:%s-%s,", w.Kind, w.Start, w.End)
	}
	b.WriteByte('|')
	b.WriteString(strings.Join(t.DaysOfWeek, ","))
	b.WriteByte('|')
	b.WriteString(string(t.Scope))
	return b.String()
}

// ComputeUID hashes the identity tuple to a short content-addressed id.
// Description and user wording never enter the hash.
func ComputeUID(r Record) string {
	sum := sha256.Sum256([]byte(Identity(r).Key()))
	return "c" + hex.EncodeToString(sum[:])[:16]
}
