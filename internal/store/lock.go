package store

import (
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already holds the store.
var ErrLocked = errors.New("voiceprint store is locked by another process")

// lockPath takes an exclusive, non-blocking lock on path+".lock". Only one
// process may write a file or sqlite store at a time; a second opener fails
// the same way badger does on its directory lock.
func lockPath(path string) (*flock.Flock, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return lock, nil
}
