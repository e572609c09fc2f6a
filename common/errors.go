package common

import "errors"

// ErrorCode identifies the kind of failure a storage operation produced,
// mirroring the distinct error sentinels below so callers that need to
// switch on kind (rather than on a specific error value) can do so.
type ErrorCode int

const (
	ErrCodeNone ErrorCode = iota
	ErrCodeFileNotFound
	ErrCodeFileOpenFailed
	ErrCodeFileReadError
	ErrCodeFileWriteError
	ErrCodeFileSeekError
	ErrCodeCorruptHeader
	ErrCodeSizeMismatch
	ErrCodeBadPageID
	ErrCodeInvalidKey
	ErrCodeKeyTooLarge
	ErrCodeValueTooLarge
	ErrCodeRecordNotFound
	ErrCodeNoSpace
	ErrCodeCacheFull
	ErrCodeTransactionNotFound
	ErrCodeTransactionNotActive
	ErrCodeLockTimeout
	ErrCodeDeadlockDetected
	ErrCodeWalError
	ErrCodeStorageError
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeFileNotFound:
		return "FileNotFound"
	case ErrCodeFileOpenFailed:
		return "FileOpenFailed"
	case ErrCodeFileReadError:
		return "FileReadError"
	case ErrCodeFileWriteError:
		return "FileWriteError"
	case ErrCodeFileSeekError:
		return "FileSeekError"
	case ErrCodeCorruptHeader:
		return "CorruptHeader"
	case ErrCodeSizeMismatch:
		return "SizeMismatch"
	case ErrCodeBadPageID:
		return "BadPageId"
	case ErrCodeInvalidKey:
		return "InvalidKey"
	case ErrCodeKeyTooLarge:
		return "KeyTooLarge"
	case ErrCodeValueTooLarge:
		return "ValueTooLarge"
	case ErrCodeRecordNotFound:
		return "RecordNotFound"
	case ErrCodeNoSpace:
		return "NoSpace"
	case ErrCodeCacheFull:
		return "CacheFull"
	case ErrCodeTransactionNotFound:
		return "TransactionNotFound"
	case ErrCodeTransactionNotActive:
		return "TransactionNotActive"
	case ErrCodeLockTimeout:
		return "LockTimeout"
	case ErrCodeDeadlockDetected:
		return "DeadlockDetected"
	case ErrCodeWalError:
		return "WalError"
	case ErrCodeStorageError:
		return "StorageError"
	default:
		return "None"
	}
}

// StoneError is a typed error carrying an ErrorCode alongside the wrapped
// cause, so callers can both errors.Is against a sentinel and switch on
// the Code field when they need the coarser kind.
type StoneError struct {
	Code ErrorCode
	Err  error
}

func (e *StoneError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *StoneError) Unwrap() error { return e.Err }

// NewError wraps err with code, or constructs a bare sentinel-style error
// from code's string form when err is nil.
func NewError(code ErrorCode, err error) *StoneError {
	return &StoneError{Code: code, Err: err}
}

// Sentinel errors. Each corresponds 1:1 to an ErrorCode above; use
// errors.Is against these for exact-cause checks, or errors.As against
// *StoneError and inspect its Code field for coarser kind-based dispatch.
var (
	ErrFileNotFound         = errors.New("file not found")
	ErrFileOpenFailed       = errors.New("file open failed")
	ErrFileReadError        = errors.New("file read error")
	ErrFileWriteError       = errors.New("file write error")
	ErrFileSeekError        = errors.New("file seek error")
	ErrCorruptHeader        = errors.New("corrupt header")
	ErrSizeMismatch         = errors.New("buffer size mismatch")
	ErrBadPageID            = errors.New("bad page id")
	ErrInvalidKey           = errors.New("invalid key")
	ErrKeyTooLarge          = errors.New("key too large")
	ErrValueTooLarge        = errors.New("value too large")
	ErrRecordNotFound       = errors.New("record not found")
	ErrNoSpace              = errors.New("no space on page")
	ErrCacheFull            = errors.New("page cache full")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrTransactionNotActive = errors.New("transaction not active")
	ErrLockTimeout          = errors.New("lock acquire timed out")
	ErrDeadlockDetected     = errors.New("deadlock detected")
	ErrWalError             = errors.New("wal error")
	ErrStorageError         = errors.New("storage error")

	// Retained from the teacher for the handful of call sites that predate
	// the full kind taxonomy above.
	ErrKeyNotFound = ErrRecordNotFound
	ErrDiskFull    = ErrNoSpace
	ErrClosed      = errors.New("storage engine closed")
	ErrKeyEmpty    = ErrInvalidKey
)
