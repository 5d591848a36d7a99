package namespace

import (
	"errors"
	"fmt"
)

// Error is a domain error raised by namespace operations.
//
// These are business logic errors (path not found, quota exceeded, lease
// held by another client, ...) as opposed to infrastructure errors. Callers
// branch on Code; Message and Path are for humans.
type Error struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Path is the namespace path related to the error (if applicable)
	Path string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Path != "" {
		return e.Message + ": " + e.Path
	}
	return e.Message
}

// ErrorCode represents the category of a namespace error.
type ErrorCode int

const (
	// ErrNotFound indicates the path (or block, or lease) does not exist
	ErrNotFound ErrorCode = iota

	// ErrNotDirectory indicates a path component that must be a directory is not
	ErrNotDirectory

	// ErrIsDirectory indicates a file operation was attempted on a directory
	ErrIsDirectory

	// ErrAlreadyExists indicates the destination name is taken
	ErrAlreadyExists

	// ErrNotEmpty indicates a non-recursive delete of a non-empty directory
	ErrNotEmpty

	// ErrNSQuotaExceeded indicates a namespace (object count) quota violation
	ErrNSQuotaExceeded

	// ErrDSQuotaExceeded indicates a disk space quota violation
	ErrDSQuotaExceeded

	// ErrPermissionDenied indicates a permission check failed
	ErrPermissionDenied

	// ErrInvalidPath indicates a malformed path or component
	ErrInvalidPath

	// ErrInvalidArgument indicates invalid parameters (replication, flags, ...)
	ErrInvalidArgument

	// ErrPathComponentTooLong indicates a name longer than the configured limit
	ErrPathComponentTooLong

	// ErrMaxDirectoryItems indicates a directory reached its child limit
	ErrMaxDirectoryItems

	// ErrFsLimitExceeded indicates the global object ceiling was reached
	ErrFsLimitExceeded

	// ErrLeaseExpired indicates the caller holds no lease on the file
	ErrLeaseExpired

	// ErrLeaseMismatch indicates the file is leased by a different holder
	ErrLeaseMismatch

	// ErrAlreadyBeingCreated indicates the file is open for write elsewhere
	ErrAlreadyBeingCreated

	// ErrRecoveryInProgress indicates lease or block recovery is running
	ErrRecoveryInProgress

	// ErrNotReplicatedYet indicates previous blocks are not minimally replicated
	ErrNotReplicatedYet

	// ErrSafeMode indicates a mutation was rejected because safe mode is on
	ErrSafeMode

	// ErrIO indicates persistence failed (including exhausted retries)
	ErrIO

	// ErrInconsistent indicates an internal consistency violation
	ErrInconsistent

	// ErrUnsupported indicates the operation is disabled or not supported
	ErrUnsupported
)

var codeNames = map[ErrorCode]string{
	ErrNotFound:             "NotFound",
	ErrNotDirectory:         "NotDirectory",
	ErrIsDirectory:          "IsDirectory",
	ErrAlreadyExists:        "AlreadyExists",
	ErrNotEmpty:             "NotEmpty",
	ErrNSQuotaExceeded:      "NSQuotaExceeded",
	ErrDSQuotaExceeded:      "DSQuotaExceeded",
	ErrPermissionDenied:     "PermissionDenied",
	ErrInvalidPath:          "InvalidPath",
	ErrInvalidArgument:      "InvalidArgument",
	ErrPathComponentTooLong: "PathComponentTooLong",
	ErrMaxDirectoryItems:    "MaxDirectoryItems",
	ErrFsLimitExceeded:      "FsLimitExceeded",
	ErrLeaseExpired:         "LeaseExpired",
	ErrLeaseMismatch:        "LeaseMismatch",
	ErrAlreadyBeingCreated:  "AlreadyBeingCreated",
	ErrRecoveryInProgress:   "RecoveryInProgress",
	ErrNotReplicatedYet:     "NotReplicatedYet",
	ErrSafeMode:             "SafeMode",
	ErrIO:                   "IO",
	ErrInconsistent:         "Inconsistent",
	ErrUnsupported:          "Unsupported",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// NewError builds an *Error with a formatted message.
func NewError(code ErrorCode, path string, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// IsCode reports whether err (or anything it wraps) is an *Error with code.
func IsCode(err error, code ErrorCode) bool {
	var nsErr *Error
	if errors.As(err, &nsErr) {
		return nsErr.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrIO when err is not a namespace error.
func CodeOf(err error) ErrorCode {
	var nsErr *Error
	if errors.As(err, &nsErr) {
		return nsErr.Code
	}
	return ErrIO
}

// UnresolvedLinkError signals that path resolution reached a symbolic link
// the namespace does not follow itself. The caller substitutes the target and
// resolves again.
type UnresolvedLinkError struct {
	// Preceding is the path up to and including the link
	Preceding string

	// Target is the link target
	Target string

	// Remainder is the rest of the path after the link (may be empty)
	Remainder string
}

func (e *UnresolvedLinkError) Error() string {
	return fmt.Sprintf("unresolved symlink %s -> %s (remainder %q)", e.Preceding, e.Target, e.Remainder)
}

// ExpandedPath returns the path the caller should resolve next.
//
// Absolute targets replace the preceding path; relative targets are resolved
// against the link's parent directory.
func (e *UnresolvedLinkError) ExpandedPath() string {
	var base string
	if IsAbsolute(e.Target) {
		base = e.Target
	} else {
		base = Join(Parent(e.Preceding), e.Target)
	}
	if e.Remainder == "" {
		return base
	}
	return Join(base, e.Remainder)
}

// QuotaExceededError is returned (wrapped in *Error) on quota violations
// and carries the limits that were hit.
type QuotaExceededError struct {
	Path      string
	Quota     int64
	Consumed  int64
	Delta     int64
	DiskSpace bool
}

func (e *QuotaExceededError) Error() string {
	kind := "namespace"
	if e.DiskSpace {
		kind = "disk space"
	}
	return fmt.Sprintf("%s quota of %s is exceeded: quota=%d consumed=%d delta=%d",
		kind, e.Path, e.Quota, e.Consumed, e.Delta)
}

// NewQuotaError wraps a quota violation in an *Error with the proper code.
func NewQuotaError(q *QuotaExceededError) *Error {
	code := ErrNSQuotaExceeded
	if q.DiskSpace {
		code = ErrDSQuotaExceeded
	}
	return &Error{Code: code, Message: q.Error(), Path: q.Path}
}
