package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storycraft/storysync/pkg/ident"
)

func TestInvertCreateBecomesDelete(t *testing.T) {
	m, _ := newTestModel()
	tx := Transaction{Create("Moment_200_0", map[string]any{"name": "New"})}

	inv := Invert(tx, m)

	require.Len(t, inv, 1)
	assert.Equal(t, KindDelete, inv[0].Kind)
	assert.Equal(t, ident.ID("Moment_200_0"), inv[0].TargetID)
}

func TestInvertUpdateRestoresPreChangeValues(t *testing.T) {
	m, ids := newTestModel()
	tx := Transaction{Update(ids["moment"], map[string]any{
		"name":          "Renamed",
		"photosphereId": ident.ID(""),
	})}

	inv := Invert(tx, m)

	require.Len(t, inv, 1)
	assert.Equal(t, KindUpdate, inv[0].Kind)
	assert.Equal(t, ids["moment"], inv[0].TargetID)
	assert.Equal(t, "Opening", inv[0].Params["name"])
	assert.Equal(t, ids["sphere"], inv[0].Params["photosphereId"])
}

func TestInvertDeleteRecreatesAndRelinks(t *testing.T) {
	m, ids := newTestModel()
	tx := Transaction{Delete(ids["area"])}

	inv := Invert(tx, m)

	// One CREATE for the record itself, one UPDATE for the surface whose
	// area list held it. areaIds is a list reference, destinationId on the
	// area itself is outgoing and travels with the CREATE params.
	require.Len(t, inv, 2)

	assert.Equal(t, KindCreate, inv[0].Kind)
	assert.Equal(t, ids["area"], inv[0].TargetID)
	assert.Equal(t, ids["sphere"], inv[0].Params["photosphereId"])
	assert.Equal(t, ids["moment"], inv[0].Params["destinationId"])

	assert.Equal(t, KindUpdate, inv[1].Kind)
	assert.Equal(t, ids["surface"], inv[1].TargetID)
	assert.Equal(t, []ident.ID{ids["area"], ids["area2"]}, inv[1].Params["areaIds"])
}

func TestInvertProcessesInReverseOrder(t *testing.T) {
	m, ids := newTestModel()
	tx := Transaction{
		Create("Moment_200_0", map[string]any{"name": "A"}),
		Update(ids["asset"], map[string]any{"name": "B"}),
	}

	inv := Invert(tx, m)

	require.Len(t, inv, 2)
	assert.Equal(t, KindUpdate, inv[0].Kind)
	assert.Equal(t, ids["asset"], inv[0].TargetID)
	assert.Equal(t, KindDelete, inv[1].Kind)
}

func TestInvertDropsStaleTargets(t *testing.T) {
	m, ids := newTestModel()
	tx := Transaction{
		Update("Moment_999_0", map[string]any{"name": "gone"}),
		Delete("Asset_999_0"),
		Update(ids["moment"], map[string]any{"name": "kept"}),
	}

	inv := Invert(tx, m)

	require.Len(t, inv, 1)
	assert.Equal(t, ids["moment"], inv[0].TargetID)
}

func TestInvertUpdateIgnoresUndeclaredParams(t *testing.T) {
	m, ids := newTestModel()
	tx := Transaction{Update(ids["asset"], map[string]any{
		"name":     "Renamed",
		"sparkles": true,
	})}

	inv := Invert(tx, m)

	require.Len(t, inv, 1)
	assert.Equal(t, map[string]any{"name": "Lighthouse"}, inv[0].Params)
}
