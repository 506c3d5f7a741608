package constraint

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// PatchOp is one RFC 6902-shaped operation in the document BuildPatch emits.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// patchFields lists the Record JSON fields eligible for diffing; identity
// and timestamp fields are never patched this way.
var patchFields = []string{
	"name", "description", "necessity", "status", "confidence", "scope",
	"start_date", "end_date", "days_of_week", "timezone", "recurrence",
	"ttl_days", "applies_stages", "applies_event_types", "topics",
	"rule_kind", "scalar_params", "windows",
}

// BuildPatch produces the minimal JSON patch document between the current
// and merged wire representations of a record for the update_constraint
// wire format. Fields that are byte-identical after re-encoding are
// omitted; everything else is emitted as a "replace" against "/<field>".
func BuildPatch(current, merged Record) ([]PatchOp, error) {
	currentJSON, err := json.Marshal(current)
	if err != nil {
		return nil, err
	}
	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}

	currentCanon := pretty.Ugly(currentJSON)
	mergedCanon := pretty.Ugly(mergedJSON)

	var ops []PatchOp
	for _, field := range patchFields {
		before := gjson.GetBytes(currentCanon, field)
		after := gjson.GetBytes(mergedCanon, field)
		if before.Raw == after.Raw {
			continue
		}
		if !after.Exists() {
			ops = append(ops, PatchOp{Op: "remove", Path: "/" + field})
			continue
		}
		var value any
		if err := json.Unmarshal([]byte(after.Raw), &value); err != nil {
			return nil, err
		}
		op := "replace"
		if !before.Exists() {
			op = "add"
		}
		ops = append(ops, PatchOp{Op: op, Path: "/" + field, Value: value})
	}
	return ops, nil
}
