package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatorLabelFormatsArenaIndex(t *testing.T) {
	assert.Equal(t, "op#42", OperatorLabel(42))
}

func TestCanonicalFieldsOrdersByKey(t *testing.T) {
	fields := canonicalFields(map[string]any{"b": 2, "a": 1, "c": 3})
	require.Len(t, fields, 3)
	assert.Equal(t, []field{{Key: "a", Value: 1}, {Key: "b", Value: 2}, {Key: "c", Value: 3}}, fields)
}

func TestDumpOnDebugDoesNotPanicWhenDisabled(t *testing.T) {
	t.Setenv("LOG_LEVEL", "info")
	assert.NotPanics(t, func() { DumpOnDebug("test", map[string]any{"x": 1}) })
}
