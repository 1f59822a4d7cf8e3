package logstore

import "errors"

var (
	// ErrLogGap is returned by Append when entry.Index != LastIndex()+1.
	ErrLogGap = errors.New("logstore: log gap")

	// ErrOutOfRange is returned by Get for an index outside
	// [firstIndex, lastIndex]. Range clamps its bounds instead.
	ErrOutOfRange = errors.New("logstore: index out of range")

	// ErrLogMismatch is returned by TruncateSuffix when asked to drop
	// an index at or below the caller-supplied commit index.
	ErrLogMismatch = errors.New("logstore: refused truncation at or below commit index")

	// ErrStorageFailure marks a durable write that did not reach disk.
	ErrStorageFailure = errors.New("logstore: storage failure")
)
