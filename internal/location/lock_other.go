//go:build !unix

package location

import "os"

// Advisory locking is only implemented on unix; elsewhere the lock file is
// created but never contended.
func tryLockFile(*os.File, bool) (bool, error) {
	return true, nil
}

func unlockFile(*os.File) error {
	return nil
}
