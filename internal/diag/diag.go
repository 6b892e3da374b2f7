// Package diag holds small, dependency-light helpers shared by the runtime
// packages for describing graph state in logs, following the same
// slog-plus-k0kubun/pp debug-dump pattern used elsewhere in this module.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/k0kubun/pp/v3"

	"github.com/tanstack/db-core/util"
)

// OperatorLabel formats an operator arena index for log fields. It is
// intentionally cheap: a real label registry would need operator names
// threaded through the graph, which is out of scope for the core runtime's
// responsibilities.
func OperatorLabel(id int) string {
	return fmt.Sprintf("op#%d", id)
}

var initLogOnce sync.Once

// debugEnabled applies util.InitSlog's LOG_LEVEL convention to the default
// slog handler the first time any dump is attempted, then asks that handler
// whether debug records are enabled — rather than re-deriving the same
// LOG_LEVEL decision a second, independent way.
func debugEnabled() bool {
	initLogOnce.Do(util.InitSlog)
	return slog.Default().Enabled(context.Background(), slog.LevelDebug)
}

// DumpOnDebug pretty-prints v via pp (to pp's default output, stdout) when
// LOG_LEVEL=debug, prefixed with label. It is a no-op otherwise, so pp's
// reflection walk never runs on the hot path. A map[string]any row is flattened into a canonically key-
// ordered field list first, via util.CanonicalMapIter, so dumps of the same
// logical row are byte-identical across runs regardless of Go's randomized
// map iteration order.
func DumpOnDebug(label string, v any) {
	if !debugEnabled() {
		return
	}
	slog.Debug(label)
	if m, ok := v.(map[string]any); ok {
		pp.Println(canonicalFields(m))
		return
	}
	pp.Println(v)
}

type field struct {
	Key   string
	Value any
}

func canonicalFields(m map[string]any) []field {
	fields := make([]field, 0, len(m))
	for k, v := range util.CanonicalMapIter(m) {
		fields = append(fields, field{Key: k, Value: v})
	}
	return fields
}
