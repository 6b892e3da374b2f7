package core

import "errors"

// ErrorKind classifies a CoreError so callers can branch on "what kind of
// problem is this" without depending on concrete error types, and so logging
// can attach a stable field across every site that raises one.
type ErrorKind string

const (
	KindQueryShape           ErrorKind = "query_shape"
	KindUnsupportedJoin      ErrorKind = "unsupported_join_predicate"
	KindIndexInvariant       ErrorKind = "index_invariant"
	KindGraphFinalized       ErrorKind = "graph_finalized"
	KindNestedSyncSession    ErrorKind = "nested_sync_session"
	KindUnsupportedValueKind ErrorKind = "unsupported_value_kind"
	KindCyclicValue          ErrorKind = "cyclic_value"
	KindGraphIterationLimit  ErrorKind = "graph_iteration_limit"
	KindInvalidKey           ErrorKind = "invalid_key"
)

// CoreError is the common interface every error kind below implements, so
// callers can do:
//
//	var ce core.CoreError
//	if errors.As(err, &ce) { switch ce.Kind() { ... } }
type CoreError interface {
	error
	Kind() ErrorKind
}

type kindError struct {
	kind ErrorKind
	msg  string
	err  error
}

func (e *kindError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *kindError) Kind() ErrorKind { return e.kind }

func (e *kindError) Unwrap() error { return e.err }

// Is lets errors.Is(wrapped, core.ErrQueryShape) succeed for any error of the
// same kind, even after WrapKind has layered a more specific message on top.
func (e *kindError) Is(target error) bool {
	other, ok := target.(*kindError)
	return ok && other.kind == e.kind
}

func newKindError(kind ErrorKind, msg string) *kindError {
	return &kindError{kind: kind, msg: msg}
}

// Sentinel errors usable with errors.Is; each also satisfies CoreError so
// errors.As works for kind-based dispatch, and fmt.Errorf("%w: ...", Err...)
// composition at call sites still preserves both.
var (
	ErrQueryShape           = newKindError(KindQueryShape, "query shape error")
	ErrUnsupportedJoin      = newKindError(KindUnsupportedJoin, "unsupported join predicate")
	ErrIndexInvariant       = newKindError(KindIndexInvariant, "index invariant violated")
	ErrGraphFinalized       = newKindError(KindGraphFinalized, "graph already finalized")
	ErrNestedSyncSession    = newKindError(KindNestedSyncSession, "nested sync session")
	ErrUnsupportedValueKind = newKindError(KindUnsupportedValueKind, "unsupported value kind")
	ErrCyclicValue          = newKindError(KindCyclicValue, "cyclic value")
	ErrGraphIterationLimit  = newKindError(KindGraphIterationLimit, "graph iteration limit reached")
	ErrInvalidKey           = newKindError(KindInvalidKey, "invalid key")
)

// WrapKind wraps err with the given kind and message. errors.Is against the
// matching sentinel above succeeds through kindError's kind-comparing Is
// method; a non-nil err stays reachable via Unwrap.
func WrapKind(kind ErrorKind, msg string, err error) error {
	return &kindError{kind: kind, msg: msg, err: err}
}

// IsKind reports whether the first CoreError in err's chain (err itself or
// anything it wraps) is of kind k.
func IsKind(err error, k ErrorKind) bool {
	var ce CoreError
	if errors.As(err, &ce) {
		return ce.Kind() == k
	}
	return false
}
