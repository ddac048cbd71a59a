package models

import (
	"errors"
	"fmt"
)

// Failure kinds for backup and restore operations. Handlers and the health
// monitor branch on these with errors.Is; the wrapped cause is preserved.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrConnection    = errors.New("store unreachable")
	ErrBackupFailed  = errors.New("backup failure")
	ErrVerifyFailed  = errors.New("verification failure")
	ErrRetention     = errors.New("retention error")
	ErrRestoreFailed = errors.New("restore failure")
)

// WrapFailure attaches a failure kind to a cause so both survive errors.Is.
func WrapFailure(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// ExitCode maps a backup cycle outcome to its process exit code:
// 0 success, 1 backup/verification failure, 2 configuration error.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	default:
		return 1
	}
}
