package engine

import "errors"

// ErrPoolClosed is returned by Submit after the pool was closed.
var ErrPoolClosed = errors.New("engine: worker pool closed")
