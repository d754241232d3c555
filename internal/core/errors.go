package core

import "errors"

// Caller-observable failure kinds. The control surface maps these onto HTTP
// status codes. Driver errors from Spawn and Write are returned unchanged and
// map to 500; side-effect failures such as metadata persistence are logged,
// never propagated.
var (
	ErrInvalidCwd    = errors.New("cwd does not exist or is not a directory")
	ErrDisallowedArg = errors.New("argument not in allow-list")
	ErrAtCapacity    = errors.New("session ceiling reached")
	ErrNotFound      = errors.New("session not found")
	ErrNotRunning    = errors.New("session not running")
)
