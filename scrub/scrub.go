// Package scrub implements the background migration policies that move
// chunk bytes out of the primary content-addressed store into a target
// store, while preserving read reachability through the primary store's
// DataContainer forwarding.
package scrub

import (
	"time"

	"github.com/google/uuid"

	"github.com/cdcstore/cdcstore/store"
)

// Measurements reports the outcome of one scrub pass: bytes processed,
// elapsed wall time, and bytes left untouched (for Copy and Rekey, the
// already-scrubbed TargetChunk containers skipped along the way; for
// Dumb, every literal Chunk).
type Measurements struct {
	ProcessedBytes int64
	Elapsed        time.Duration
	UntouchedBytes int64
}

// Scrubber is a migration policy. Scrub visits every (hash,
// DataContainer) pair in primary via IterateMut; for each container
// still holding a literal Chunk, it chooses target keys, inserts the
// bytes into target, and mutates the container in place to a
// TargetChunk — it must never delete the primary entry or change its
// key.
type Scrubber interface {
	Scrub(primary store.IterableDatabase, target store.Database) (Measurements, error)
}

// Copy is the scrubber that mirrors every chunk verbatim into target
// under its own hash: keys = [hash].
type Copy struct{}

// Scrub implements Scrubber.
func (Copy) Scrub(primary store.IterableDatabase, target store.Database) (Measurements, error) {
	start := time.Now()
	var m Measurements

	err := primary.IterateMut(func(hash string, v *store.DataContainer) bool {
		if v.Kind == store.KindTargetChunk {
			m.UntouchedBytes += int64(totalTargetLen(target, v.Keys))
			return true
		}

		bytes := v.Bytes
		if err := target.InsertOverwrite(hash, store.Chunk(bytes)); err != nil {
			return false
		}
		m.ProcessedBytes += int64(len(bytes))
		*v = store.TargetChunk([]string{hash})
		return true
	})
	m.Elapsed = time.Since(start)
	return m, err
}

func totalTargetLen(target store.Database, keys []string) int {
	total := 0
	for _, k := range keys {
		if v, err := target.Get(k); err == nil {
			total += len(v.Bytes)
		}
	}
	return total
}

// Rekey is a Copy variant for target stores that must not reuse the
// primary hash as their own key (e.g. a target namespace shared across
// several primary stores, where hash collisions across stores would
// otherwise be possible): each migrated chunk lands under a freshly
// generated UUID instead of its hash, so target.Keys always carries
// exactly one synthetic key per chunk.
type Rekey struct{}

// Scrub implements Scrubber.
func (Rekey) Scrub(primary store.IterableDatabase, target store.Database) (Measurements, error) {
	start := time.Now()
	var m Measurements

	err := primary.IterateMut(func(hash string, v *store.DataContainer) bool {
		if v.Kind == store.KindTargetChunk {
			m.UntouchedBytes += int64(totalTargetLen(target, v.Keys))
			return true
		}

		bytes := v.Bytes
		key := uuid.NewString()
		if err := target.InsertOverwrite(key, store.Chunk(bytes)); err != nil {
			return false
		}
		m.ProcessedBytes += int64(len(bytes))
		*v = store.TargetChunk([]string{key})
		return true
	})
	m.Elapsed = time.Since(start)
	return m, err
}

// Dumb is the no-op scrubber: every chunk is reported untouched and
// nothing is migrated.
type Dumb struct{}

// Scrub implements Scrubber.
func (Dumb) Scrub(primary store.IterableDatabase, target store.Database) (Measurements, error) {
	start := time.Now()
	var m Measurements
	primary.Iterate(func(_ string, v store.DataContainer) bool {
		if v.Kind == store.KindChunk {
			m.UntouchedBytes += int64(len(v.Bytes))
		}
		return true
	})
	m.Elapsed = time.Since(start)
	return m, nil
}
