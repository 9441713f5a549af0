package server

import (
	"errors"

	"github.com/AnishMulay/sandmem/internal/communication"
	"github.com/AnishMulay/sandmem/internal/fs_error"
)

// KindHeader carries the fs_error kind of a failed response so a client can
// restore the exact sentinel behind a coarser SandCode.
const KindHeader = "kind"

var (
	ErrInvalidPayloadType   = errors.New("invalid payload type for message")
	ErrHandlerNotRegistered = errors.New("no handler registered for message type")
	ErrResponseEncodeFailed = errors.New("failed to encode response")
)

// CodeForKind maps an error kind onto the transport's status codes.
func CodeForKind(kind fs_error.Kind) communication.SandCode {
	switch kind {
	case fs_error.KindNotFound:
		return communication.CodeNotFound
	case fs_error.KindAlreadyExists:
		return communication.CodeAlreadyExists
	case fs_error.KindPermissionDenied:
		return communication.CodePermissionDenied
	case fs_error.KindInvalidParam, fs_error.KindNotADirectory, fs_error.KindIsADirectory:
		return communication.CodeBadRequest
	case fs_error.KindNotEmpty, fs_error.KindBusy:
		return communication.CodeConflict
	case fs_error.KindNotInitialized, fs_error.KindUnserviceable, fs_error.KindAllocFail:
		return communication.CodeUnavailable
	default:
		return communication.CodeInternal
	}
}

// KindForCode is the fallback used when a response carries no kind header.
func KindForCode(code communication.SandCode) fs_error.Kind {
	switch code {
	case communication.CodeOK:
		return fs_error.KindUnknown
	case communication.CodeNotFound:
		return fs_error.KindNotFound
	case communication.CodeAlreadyExists:
		return fs_error.KindAlreadyExists
	case communication.CodePermissionDenied:
		return fs_error.KindPermissionDenied
	case communication.CodeBadRequest:
		return fs_error.KindInvalidParam
	case communication.CodeConflict:
		return fs_error.KindBusy
	case communication.CodeUnavailable:
		return fs_error.KindUnserviceable
	default:
		return fs_error.KindInternal
	}
}
