package fs_error

import (
	"errors"
	"fmt"
)

// Kind classifies every failure that can leave the engine's public surface.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotInitialized
	KindInvalidParam
	KindNotFound
	KindAlreadyExists
	KindNotADirectory
	KindIsADirectory
	KindNotEmpty
	KindBusy
	KindPermissionDenied
	KindAllocFail
	KindUnserviceable
	KindInternal
)

// Sentinels mapped to POSIX concepts. Match with errors.Is.
var (
	ErrNotInitialized   = errors.New("not initialized")
	ErrInvalidParam     = errors.New("invalid argument")
	ErrNotFound         = errors.New("no such file or directory")
	ErrAlreadyExists    = errors.New("file exists")
	ErrNotADirectory    = errors.New("not a directory")
	ErrIsADirectory     = errors.New("is a directory")
	ErrNotEmpty         = errors.New("directory not empty")
	ErrBusy             = errors.New("device or resource busy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAllocFail        = errors.New("cannot allocate memory")
	ErrUnserviceable    = errors.New("filesystem unserviceable")
	ErrInternal         = errors.New("internal error")
)

var kindSentinels = map[Kind]error{
	KindNotInitialized:   ErrNotInitialized,
	KindInvalidParam:     ErrInvalidParam,
	KindNotFound:         ErrNotFound,
	KindAlreadyExists:    ErrAlreadyExists,
	KindNotADirectory:    ErrNotADirectory,
	KindIsADirectory:     ErrIsADirectory,
	KindNotEmpty:         ErrNotEmpty,
	KindBusy:             ErrBusy,
	KindPermissionDenied: ErrPermissionDenied,
	KindAllocFail:        ErrAllocFail,
	KindUnserviceable:    ErrUnserviceable,
	KindInternal:         ErrInternal,
}

func (k Kind) String() string {
	if err, ok := kindSentinels[k]; ok {
		return err.Error()
	}
	return "unknown error"
}

// Sentinel returns the sentinel error for k, ErrInternal for unknown kinds.
func (k Kind) Sentinel() error {
	if err, ok := kindSentinels[k]; ok {
		return err
	}
	return ErrInternal
}

// Error records the operation and path that failed alongside its kind.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil && !errors.Is(e.Err, e.Kind.Sentinel()) {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.Sentinel()}
	}
	return []error{e.Kind.Sentinel(), e.Err}
}

func New(op, path string, kind Kind) error {
	return &Error{Op: op, Path: path, Kind: kind}
}

// Wrap annotates err with op and path. The kind of err is preserved; errors
// that carry no kind become KindInternal.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Kind: KindOf(err), Err: err}
}

// KindOf reports the kind carried by err, KindUnknown for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// KindFromString is the inverse of Kind.String, KindUnknown when s names no
// kind.
func KindFromString(s string) Kind {
	for kind, sentinel := range kindSentinels {
		if sentinel.Error() == s {
			return kind
		}
	}
	return KindUnknown
}
