package pathfs

import (
	"io"
	"os"
)

// AccessStatus classifies whether a path can be read by this process, used
// by the copy resolver to distinguish "gone" from "permission denied" from
// "fine".
type AccessStatus int

const (
	Accessible AccessStatus = iota
	DoesNotExist
	InsufficientPermission
)

func (s AccessStatus) String() string {
	switch s {
	case Accessible:
		return "accessible"
	case DoesNotExist:
		return "does not exist"
	case InsufficientPermission:
		return "insufficient permission"
	default:
		return "unknown"
	}
}

// CheckAccessibility probes p the way the copy resolver needs to: existence
// first, then a best-effort read/list attempt.
func CheckAccessibility(p string) AccessStatus {
	fi, err := os.Lstat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return DoesNotExist
		}
		return InsufficientPermission
	}

	if fi.IsDir() {
		f, err := os.Open(p)
		if err != nil {
			return InsufficientPermission
		}
		defer f.Close()
		if _, err := f.Readdirnames(1); err != nil && err != io.EOF {
			return InsufficientPermission
		}
		return Accessible
	}

	f, err := os.Open(p)
	if err != nil {
		return InsufficientPermission
	}
	f.Close()
	return Accessible
}

// Exists reports whether p exists, following symlinks, swallowing all
// errors as "false" (the spec's existed-before check never fails loudly).
func Exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
