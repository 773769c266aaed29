package player

import "errors"

var (
	// ErrInvalidPath is returned when a path names no streamview or atom.
	ErrInvalidPath = errors.New("player: invalid path")

	// ErrDuplicateKey is returned when creating an entity whose name is
	// already taken among its siblings.
	ErrDuplicateKey = errors.New("player: duplicate key")

	// ErrInvalidCorpus is returned when a decision is requested from a player
	// without a usable corpus or self memory.
	ErrInvalidCorpus = errors.New("player: invalid corpus")
)
