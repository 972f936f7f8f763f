package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/cdcstore/cdcstore/internal/blockdev"
	"github.com/cdcstore/cdcstore/internal/varint"
)

// blockLocation is the in-memory index entry for one stored record:
// its starting block and its unpadded (header+payload) length. The
// index itself is never persisted — reopening a Disk starts empty.
type blockLocation struct {
	startBlock    int64
	encodedLength int64
}

// Disk is a block-aligned, append-only key-value store backing either
// a regular file or a raw block device. Every record is framed with
// internal/varint's self-describing length header, gob-encoded, and
// padded out to a whole number of blocks; deleted/overwritten records
// leave their old blocks behind rather than compacting, trading space
// for the simplicity of a pure-append write path.
type Disk struct {
	mu        sync.Mutex
	f         *os.File
	blockSize int64
	nextBlock int64
	maxBlocks int64 // 0 means unbounded
	locations map[string]blockLocation
}

// OpenDisk opens (creating if absent) the file or block device at
// path as a Disk database. maxBlocks caps total space in blocks; 0
// leaves it unbounded.
func OpenDisk(path string, maxBlocks int64) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open disk database: %w", err)
	}

	blockSize, err := blockdev.BlockSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: probe block size: %w", err)
	}

	return &Disk{
		f:         f,
		blockSize: blockSize,
		maxBlocks: maxBlocks,
		locations: make(map[string]blockLocation),
	}, nil
}

// Close releases the underlying file handle.
func (d *Disk) Close() error {
	return d.f.Close()
}

func encodeValue(v DataContainer) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeValue(payload []byte) (DataContainer, error) {
	var v DataContainer
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&v); err != nil {
		return DataContainer{}, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}
	return v, nil
}

func (d *Disk) Insert(key string, v DataContainer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.locations[key]; ok {
		return nil
	}
	return d.writeLocked(key, v)
}

func (d *Disk) InsertOverwrite(key string, v DataContainer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeLocked(key, v)
}

// writeLocked appends v's record at the current write cursor and
// updates the location map. Callers hold d.mu.
func (d *Disk) writeLocked(key string, v DataContainer) error {
	payload, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("store: encode value: %w", err)
	}
	record := varint.Frame(payload)

	blocks := (int64(len(record)) + d.blockSize - 1) / d.blockSize
	if blocks == 0 {
		blocks = 1
	}
	if d.maxBlocks > 0 && d.nextBlock+blocks > d.maxBlocks {
		return ErrOutOfMemory
	}

	padded := make([]byte, blocks*d.blockSize)
	copy(padded, record)

	off := d.nextBlock * d.blockSize
	if _, err := d.f.WriteAt(padded, off); err != nil {
		return fmt.Errorf("store: write record: %w", err)
	}

	d.locations[key] = blockLocation{startBlock: d.nextBlock, encodedLength: int64(len(record))}
	d.nextBlock += blocks
	return nil
}

func (d *Disk) Get(key string) (DataContainer, error) {
	d.mu.Lock()
	loc, ok := d.locations[key]
	f := d.f
	blockSize := d.blockSize
	d.mu.Unlock()
	if !ok {
		return DataContainer{}, ErrNotFound
	}

	raw := make([]byte, loc.encodedLength)
	if _, err := f.ReadAt(raw, loc.startBlock*blockSize); err != nil {
		return DataContainer{}, fmt.Errorf("store: read record: %w", err)
	}

	payload, err := varint.Unframe(raw)
	if err != nil {
		return DataContainer{}, fmt.Errorf("store: %w", ErrInvalidData)
	}
	return decodeValue(payload)
}

func (d *Disk) Contains(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.locations[key]
	return ok
}

func (d *Disk) GetMulti(keys []string) ([]DataContainer, error) {
	out := make([]DataContainer, len(keys))
	for i, k := range keys {
		v, err := d.Get(k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *Disk) Iterate(fn func(key string, v DataContainer) bool) {
	d.mu.Lock()
	keys := make([]string, 0, len(d.locations))
	for k := range d.locations {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		v, err := d.Get(k)
		if err != nil {
			continue
		}
		if !fn(k, v) {
			return
		}
	}
}

// IterateMut visits every stored record, allowing fn to replace it.
// A replacement is appended as a fresh record (its encoded length may
// differ from the original) and the location map is updated; the old
// blocks are left unreclaimed, consistent with Disk's append-only
// design.
func (d *Disk) IterateMut(fn func(key string, v *DataContainer) bool) error {
	d.mu.Lock()
	keys := make([]string, 0, len(d.locations))
	for k := range d.locations {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		v, err := d.Get(k)
		if err != nil {
			return err
		}
		cont := fn(k, &v)
		d.mu.Lock()
		err = d.writeLocked(k, v)
		d.mu.Unlock()
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (d *Disk) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.locations))
	for k := range d.locations {
		out = append(out, k)
	}
	return out
}

func (d *Disk) Values() []DataContainer {
	keys := d.Keys()
	out := make([]DataContainer, 0, len(keys))
	for _, k := range keys {
		if v, err := d.Get(k); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// Clear truncates the backing file and resets the write cursor and
// location map.
func (d *Disk) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.f.Truncate(0)
	d.nextBlock = 0
	d.locations = make(map[string]blockLocation)
}
