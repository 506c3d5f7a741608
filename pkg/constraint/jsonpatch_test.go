package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPatchOnlyEmitsChangedFields(t *testing.T) {
	current := Record{UID: "c1", Name: "gym", RuleKind: "flag", Necessity: NecessityShould, Status: StatusProposed}
	merged := current
	merged.Status = StatusLocked
	merged.Confidence = 0.9

	ops, err := BuildPatch(current, merged)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	paths := map[string]PatchOp{}
	for _, op := range ops {
		paths[op.Path] = op
	}
	assert.Equal(t, "replace", paths["/status"].Op)
	assert.Equal(t, "locked", paths["/status"].Value)
	assert.Equal(t, "replace", paths["/confidence"].Op)
}

func TestBuildPatchNoChangesIsEmpty(t *testing.T) {
	r := Record{UID: "c1", Name: "gym", RuleKind: "flag"}
	ops, err := BuildPatch(r, r)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
