package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Journal keys: a forward entry per composite nonce plus a time-ordered index
// used for replay and pruning.
//
//	n/<apiKey|timestamp|nonce> -> observedAt unix nanos (big endian)
//	t/<nanos %020d>/<apiKey|timestamp|nonce> -> nil
const (
	journalNoncePrefix = "n/"
	journalTimePrefix  = "t/"
)

// Journal is a LevelDB-backed NonceJournal.
type Journal struct {
	db *leveldb.DB
}

// OpenJournal opens (or creates) the nonce journal at path.
func OpenJournal(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("gateway: nonce journal path required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: open nonce journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record stores the nonce observation. It reports true when the composite
// nonce was already present; the stored observation time is never rewritten.
func (j *Journal) Record(ctx context.Context, rec NonceRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	composite := nonceKey(rec.APIKey, rec.Timestamp, rec.Nonce)
	if strings.Count(composite, "|") != 2 || rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
		return false, errors.New("gateway: incomplete nonce record")
	}
	forward := []byte(journalNoncePrefix + composite)
	switch _, err := j.db.Get(forward, nil); {
	case err == nil:
		return true, nil
	case !errors.Is(err, leveldb.ErrNotFound):
		return false, fmt.Errorf("gateway: read nonce journal: %w", err)
	}
	observed := rec.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	nanos := observed.UnixNano()
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(nanos))

	batch := new(leveldb.Batch)
	batch.Put(forward, value)
	batch.Put([]byte(timeKey(nanos, composite)), nil)
	if err := j.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("gateway: write nonce journal: %w", err)
	}
	return false, nil
}

// Replay returns records observed at or after the cutoff, oldest first.
func (j *Journal) Replay(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	start := []byte(timeKey(cutoff.UTC().UnixNano(), ""))
	iter := j.db.NewIterator(util.BytesPrefix([]byte(journalTimePrefix)), nil)
	defer iter.Release()

	var records []NonceRecord
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nanos, composite, ok := splitTimeKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("gateway: iterate nonce journal: %w", err)
	}
	return records, nil
}

// Prune removes records observed before the cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) error {
	boundary := []byte(timeKey(cutoff.UTC().UnixNano(), ""))
	iter := j.db.NewIterator(util.BytesPrefix([]byte(journalTimePrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), boundary) >= 0 {
			break
		}
		_, composite, ok := splitTimeKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(journalNoncePrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("gateway: iterate nonce journal: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := j.db.Write(batch, nil); err != nil {
		return fmt.Errorf("gateway: prune nonce journal: %w", err)
	}
	return nil
}

func timeKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d/%s", journalTimePrefix, nanos, composite)
}

func splitTimeKey(key []byte) (int64, string, bool) {
	raw := strings.TrimPrefix(string(key), journalTimePrefix)
	idx := strings.IndexByte(raw, '/')
	if idx <= 0 {
		return 0, "", false
	}
	nanos, err := strconv.ParseInt(raw[:idx], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nanos, raw[idx+1:], true
}
