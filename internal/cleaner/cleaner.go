// Package cleaner implements the Cleaner: a single-consumer goroutine
// that deletes table files a compaction has superseded, one Version
// behind the compaction that retired them. A table dropped from the
// live Version by edit N might still be mid-read by a Get that took its
// Version snapshot under edit N-1; deleting on edit N+1 instead of
// immediately gives any such in-flight read time to finish, since the
// Store never holds a Version snapshot across more than one compaction
// cycle in practice. Grounded on the teacher's DeleteSSTables
// (lsm/compaction.go) for the delete-and-log-on-failure behavior,
// restructured around a channel per spec's single-consumer design.
package cleaner

import (
	"go.uber.org/zap"

	"github.com/lsmkv-project/lsmkv/internal/filestore"
	"github.com/lsmkv-project/lsmkv/internal/genid"
	"github.com/lsmkv-project/lsmkv/internal/sstable"
)

// Tag is one unit of work: the gens retired by a single major
// compaction. Level is the level that compaction read from; the
// overlapping tables it consumed from the level below are listed under
// the same Level.
type Tag struct {
	Level int
	Gens  []genid.Gen
}

// Cleaner drains a channel of Tags and deletes each Tag's files one
// generation behind: files named by the tag received call N are deleted
// only once tag call N+1 arrives (or Close is called), not immediately.
type Cleaner struct {
	tags    chan Tag
	done    chan struct{}
	factory *filestore.Factory
	loader  *sstable.Loader
	log     *zap.SugaredLogger
}

// New creates a Cleaner. factory deletes table files by gen; loader is
// told to evict its cached handle for a gen before the file is removed.
func New(factory *filestore.Factory, loader *sstable.Loader, log *zap.SugaredLogger) *Cleaner {
	return &Cleaner{
		tags:    make(chan Tag, 64),
		done:    make(chan struct{}),
		factory: factory,
		loader:  loader,
		log:     log,
	}
}

// Enqueue submits a Tag naming files that are no longer reachable from
// the current Version. Non-blocking relative to the caller's compaction
// loop as long as the channel isn't saturated.
func (c *Cleaner) Enqueue(tag Tag) {
	c.tags <- tag
}

// Run drains tags until the channel is closed, deleting each tag's
// files one generation after they're enqueued. Intended to run in its
// own goroutine for the lifetime of the Store.
func (c *Cleaner) Run() {
	defer close(c.done)
	var pending []Tag
	for tag := range c.tags {
		for _, prev := range pending {
			c.delete(prev)
		}
		pending = []Tag{tag}
	}
	// Channel closed (Store shutting down): delete whatever was still
	// held back, since no further compaction can produce a newer Version
	// to race with.
	for _, prev := range pending {
		c.delete(prev)
	}
}

func (c *Cleaner) delete(tag Tag) {
	for _, gen := range tag.Gens {
		c.loader.Evict(gen)
		if err := c.factory.Remove(gen); err != nil {
			c.log.Warnw("cleaner: failed to remove table file", "gen", gen, "level", tag.Level, "error", err)
		}
	}
}

// Close signals Run to finish its final drain and waits for it to return.
func (c *Cleaner) Close() {
	close(c.tags)
	<-c.done
}
