package plan

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mitmerr "github.com/sliverarmory/dylibmitm/errors"
	"github.com/sliverarmory/dylibmitm/exports"
)

func exportSet(names ...string) []exports.Export {
	out := make([]exports.Export, len(names))
	for i, n := range names {
		out[i] = exports.Export{Name: n, Index: i, Ordinal: uint32(i + 1), RVA: 0x1000 + uint32(i)}
	}
	return out
}

func TestReconcile_RenderOverride(t *testing.T) {
	p, err := Reconcile(exportSet("Init", "Render", "Shutdown"), []string{"Render"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Init", "Shutdown"}, p.Forwarded())
	assert.Equal(t, []string{"Render"}, p.Overridden())
	assert.Equal(t, 3, p.Len())

	e, ok := p.Lookup("Render")
	require.True(t, ok)
	assert.True(t, e.Overridden)
	assert.Equal(t, uint32(2), e.Ordinal)

	_, ok = p.Lookup("Present")
	assert.False(t, ok)
}

func TestReconcile_MissingOverride(t *testing.T) {
	_, err := Reconcile(exportSet("Init", "Render", "Shutdown"), []string{"Present"})
	require.Error(t, err)

	var e *mitmerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, mitmerr.PhaseReconcile, e.Phase)
	assert.Equal(t, mitmerr.KindNotFound, e.Kind)
	assert.Equal(t, "Present", e.Symbol)
}

func TestReconcile_FirstMissingIsReported(t *testing.T) {
	_, err := Reconcile(exportSet("Init", "Render"), []string{"Render", "Present", "Flip"})
	require.Error(t, err)

	var e *mitmerr.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "Present", e.Symbol)
	assert.NotContains(t, err.Error(), "Flip")
}

func TestReconcile_DuplicateOverride(t *testing.T) {
	_, err := Reconcile(exportSet("Init", "Render"), []string{"Render", "Render"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, &mitmerr.Error{Phase: mitmerr.PhaseReconcile, Kind: mitmerr.KindDuplicate}))
}

func TestReconcile_NoOverrides(t *testing.T) {
	p, err := Reconcile(exportSet("Init", "Render"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Init", "Render"}, p.Forwarded())
	assert.Empty(t, p.Overridden())
}

func TestReconcile_PartitionIsComplete(t *testing.T) {
	names := []string{"A", "B", "C", "D", "E", "F"}
	exps := exportSet(names...)

	// Every subset of the export set as an override set.
	for mask := 0; mask < 1<<len(names); mask++ {
		var overrides []string
		for i, n := range names {
			if mask&(1<<i) != 0 {
				overrides = append(overrides, n)
			}
		}

		t.Run(fmt.Sprintf("mask=%02x", mask), func(t *testing.T) {
			p, err := Reconcile(exps, overrides)
			require.NoError(t, err)

			fwd := p.Forwarded()
			ovr := p.Overridden()
			assert.Len(t, ovr, len(overrides))
			assert.Equal(t, len(names), len(fwd)+len(ovr))

			seen := map[string]int{}
			for _, n := range fwd {
				seen[n]++
			}
			for _, n := range ovr {
				seen[n]++
			}
			for _, n := range names {
				assert.Equal(t, 1, seen[n], "export %s must be in exactly one partition", n)
			}
			assert.ElementsMatch(t, overrides, ovr)
		})
	}
}
