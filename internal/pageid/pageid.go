// Package pageid defines the 32-bit page identifier shared by every layer
// of the tree: the page store, the page manager, node layout, the
// transaction manager, and the backtrack stacks.
package pageid

// ID addresses a page inside the tree file. Id 0 is reserved as null;
// real pages start at 1, per spec (PageId starting at 1; id 0 is null).
type ID uint32

// Null is the reserved "no page" id.
const Null ID = 0

// RootPage is the well-known id of the very first page ever allocated by
// New; it is not special after that beyond being the initial root.
const RootPage ID = 1

func (id ID) Valid() bool { return id != Null }
