package shardkey

import (
	"errors"
)

// Kind classifies a failure at its origin so callers can switch on it
// instead of inspecting concrete error types.
type Kind uint8

const (
	// KindCaller is any failure this module did not classify: it came
	// from the caller's unit of work or the driver underneath it.
	KindCaller Kind = iota
	KindInvalidArgument
	KindAcquisition
	KindBindingConflict
	KindUndeclaredCallback
)

func (k Kind) String() string {
	switch k {
	case KindCaller:
		return "caller failure"
	case KindInvalidArgument:
		return "invalid argument"
	case KindAcquisition:
		return "failed to obtain connection"
	case KindBindingConflict:
		return "cross-shard binding"
	case KindUndeclaredCallback:
		return "undeclared callback failure"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidArgument    = &Error{Kind: KindInvalidArgument}
	ErrAcquisition        = &Error{Kind: KindAcquisition}
	ErrCrossShardBinding  = &Error{Kind: KindBindingConflict}
	ErrUndeclaredCallback = &Error{Kind: KindUndeclaredCallback}

	errNoSubkeys   = errors.New("a key needs at least one subkey")
	errNilSubkey   = errors.New("subkey value is nil")
	errEmptySubkey = errors.New("subkey value is empty")
)

// Error is a classified failure. Err, when set, is the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels (ErrAcquisition etc.) so errors.Is works
// on any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain,
// or KindCaller when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindCaller
}
