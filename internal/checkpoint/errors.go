package checkpoint

import "errors"

// ErrNotFound indicates the requested checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// ErrPersistence indicates a durable write failed. The engine treats this as
// fatal for the in-flight stage; prior checkpoints remain intact because
// writes are transactional.
var ErrPersistence = errors.New("checkpoint persistence failure")

// ErrIntegrity indicates stored state failed its hash verification on load.
var ErrIntegrity = errors.New("checkpoint integrity failure")
