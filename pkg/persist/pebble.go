package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// PebbleRepository keeps records in a local pebble database.
//
// Key layout:
//
//	rec:<kind>:<channel>:<created_unix_nano>:<id> -> record JSON
//	id:<id>                                       -> primary key
type PebbleRepository struct {
	db  *pebble.DB
	log *zap.Logger
	now func() time.Time
}

// OpenPebble opens (or creates) a database at path. A nil fs uses the
// operating system.
func OpenPebble(path string, fs vfs.FS, log *zap.Logger) (*PebbleRepository, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	log.Info("opening_pebble_db", zap.String("path", path))
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, errors.Wrapf(err, "open pebble at %s", path)
	}
	return &PebbleRepository{db: db, log: log, now: time.Now}, nil
}

func primaryKey(r Record) []byte {
	return []byte(fmt.Sprintf("rec:%s:%s:%020d:%s", r.Kind, r.ChannelID, r.CreatedAt.UTC().UnixNano(), r.ID))
}

func idKey(id string) []byte {
	return []byte("id:" + id)
}

func (p *PebbleRepository) Create(_ context.Context, rec Record) (Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return Record{}, errors.New("record needs an id and a kind")
	}
	if _, err := p.lookup(rec.ID); err == nil {
		return Record{}, errors.Wrap(ErrExists, rec.ID)
	} else if errors.Cause(err) != ErrNotFound {
		return Record{}, err
	}
	return p.store(rec, nil)
}

// Put stores rec, replacing any record with the same id. A changed
// CreatedAt moves the record, and the old key goes in the same batch.
func (p *PebbleRepository) Put(_ context.Context, rec Record) (Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return Record{}, errors.New("record needs an id and a kind")
	}
	old, err := p.lookup(rec.ID)
	if err != nil && errors.Cause(err) != ErrNotFound {
		return Record{}, err
	}
	return p.store(rec, old)
}

func (p *PebbleRepository) store(rec Record, old []byte) (Record, error) {
	now := p.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, errors.Wrap(err, "marshal record")
	}
	key := primaryKey(rec)
	b := p.db.NewBatch()
	defer b.Close()
	if old != nil && !bytes.Equal(old, key) {
		if err := b.Delete(old, nil); err != nil {
			return Record{}, err
		}
	}
	if err := b.Set(key, data, nil); err != nil {
		return Record{}, err
	}
	if err := b.Set(idKey(rec.ID), key, nil); err != nil {
		return Record{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		p.log.Error("record_write_failed", zap.String("id", rec.ID), zap.Error(err))
		return Record{}, errors.Wrap(err, "commit record")
	}
	return rec, nil
}

// lookup returns the primary key of id.
func (p *PebbleRepository) lookup(id string) ([]byte, error) {
	v, closer, err := p.db.Get(idKey(id))
	if err == pebble.ErrNotFound {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", id)
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (p *PebbleRepository) get(key []byte) (Record, error) {
	v, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return Record{}, errors.WithStack(ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, errors.Wrap(err, "decode stored record")
	}
	return rec, nil
}

func (p *PebbleRepository) Update(_ context.Context, id string, patch map[string]interface{}) error {
	key, err := p.lookup(id)
	if err != nil {
		return err
	}
	rec, err := p.get(key)
	if err != nil {
		return err
	}
	if rec.Data, err = applyPatch(rec.Data, patch); err != nil {
		return err
	}
	rec.UpdatedAt = p.now().UTC()
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "marshal record")
	}
	return errors.Wrap(p.db.Set(key, data, pebble.Sync), "update record")
}

func (p *PebbleRepository) Delete(_ context.Context, id string) error {
	key, err := p.lookup(id)
	if err != nil {
		return err
	}
	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete(key, nil); err != nil {
		return err
	}
	if err := b.Delete(idKey(id), nil); err != nil {
		return err
	}
	return errors.Wrap(b.Commit(pebble.Sync), "delete record")
}

func (p *PebbleRepository) List(ctx context.Context, f Filter) ([]Record, error) {
	prefix := "rec:"
	if f.Kind != "" {
		prefix += string(f.Kind) + ":"
		if f.ChannelID != "" {
			prefix += f.ChannelID + ":"
		}
	}
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: upperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			p.log.Warn("skipping_corrupt_record", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		if !f.match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, iter.Error()
}

func (p *PebbleRepository) Close() error {
	return p.db.Close()
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
