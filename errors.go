package cowbtree

import (
	"github.com/NicolasDP/cowbtree/internal/backtrack"
	"github.com/NicolasDP/cowbtree/internal/node"
	"github.com/NicolasDP/cowbtree/internal/store"
)

// ErrDuplicateKey is returned by InsertOne/InsertMany when the key being
// inserted is already present.
var ErrDuplicateKey = backtrack.ErrDuplicateKey

// ErrCorruptedPage is returned when a page's tag byte is neither
// Internal nor Leaf: the file is either not a cowbtree file or has been
// damaged out of band.
var ErrCorruptedPage = node.ErrCorruptedPage

// ErrInvariantViolation indicates an internal consistency check failed
// during a rebalance that should have been unreachable given a
// well-formed tree; it signals a bug rather than a recoverable condition.
var ErrInvariantViolation = node.ErrInvariantViolation

// ErrPageOutOfBounds is returned when a page id addresses bytes outside
// the current extent of the mapped file, including the reserved null id.
var ErrPageOutOfBounds = store.ErrPageOutOfBounds

// ErrIO is returned when an underlying file, mmap, or sync call fails.
var ErrIO = store.ErrIO
