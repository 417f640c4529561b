package persistence

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"TickBook/internal/core"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var snapshotPrefix = []byte("snapshot/")

// PebbleSnapshotStore keeps engine snapshots in a local Pebble database,
// for deployments that run without Postgres. Keys sort by covered
// sequence, so the newest snapshot is the last key.
type PebbleSnapshotStore struct {
	db     *pebble.DB
	retain int
}

// OpenPebbleSnapshotStore opens or creates the store at dir. An empty dir
// opens an in-memory store. retain bounds how many snapshots are kept; 0
// keeps all.
func OpenPebbleSnapshotStore(dir string, retain int) (*PebbleSnapshotStore, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble at %q: %w", dir, err)
	}
	return &PebbleSnapshotStore{db: db, retain: retain}, nil
}

func (s *PebbleSnapshotStore) Close() error { return s.db.Close() }

// snapshotKey orders snapshots by covered sequence. The sign bit is flipped
// so the empty snapshot (-1) sorts first.
func snapshotKey(seq int64) []byte {
	key := make([]byte, len(snapshotPrefix)+8)
	copy(key, snapshotPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotPrefix):], uint64(seq)^(1<<63))
	return key
}

func prefixUpperBound() []byte {
	end := append([]byte(nil), snapshotPrefix...)
	end[len(end)-1]++
	return end
}

func (s *PebbleSnapshotStore) SaveSnapshot(_ context.Context, snap *core.SnapshotState) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.db.Set(snapshotKey(coveredSequence(snap)), data, pebble.Sync); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return s.prune()
}

// LoadLatestSnapshot returns the newest snapshot, or nil when none exists.
func (s *PebbleSnapshotStore) LoadLatestSnapshot(_ context.Context) (*core.SnapshotState, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefix,
		UpperBound: prefixUpperBound(),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, iter.Error()
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(iter.Value(), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Count returns how many snapshots are stored.
func (s *PebbleSnapshotStore) Count() (int, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefix,
		UpperBound: prefixUpperBound(),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// prune deletes all but the newest retain snapshots.
func (s *PebbleSnapshotStore) prune() error {
	if s.retain <= 0 {
		return nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: snapshotPrefix,
		UpperBound: prefixUpperBound(),
	})
	if err != nil {
		return err
	}

	kept := 0
	var cutoff []byte
	for iter.Last(); iter.Valid(); iter.Prev() {
		kept++
		if kept > s.retain {
			cutoff = append([]byte(nil), iter.Key()...)
			break
		}
	}
	if err := errors.Join(iter.Error(), iter.Close()); err != nil {
		return err
	}
	if cutoff == nil {
		return nil
	}
	// DeleteRange excludes its end key, so step one past the cutoff.
	end := append(cutoff, 0)
	return s.db.DeleteRange(snapshotPrefix, end, pebble.Sync)
}
