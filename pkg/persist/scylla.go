package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gocql/gocql"
	"github.com/pkg/errors"

	"github.com/mahaj/commlayer/pkg/db"
)

// ScyllaRepository stores records in the records table, partitioned by
// kind and channel, with record_ids as the id index.
type ScyllaRepository struct {
	session *db.Session
	now     func() time.Time
}

func NewScyllaRepository(session *db.Session) *ScyllaRepository {
	return &ScyllaRepository{session: session, now: time.Now}
}

func (r *ScyllaRepository) Create(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return Record{}, errors.New("record needs an id and a kind")
	}
	if _, err := r.lookup(ctx, rec.ID); err == nil {
		return Record{}, errors.Wrap(ErrExists, rec.ID)
	} else if errors.Cause(err) != ErrNotFound {
		return Record{}, err
	}
	return r.store(ctx, rec, nil)
}

// Put stores rec, replacing any record with the same id. When the
// partition or clustering key moved, the old row is deleted in the same
// logged batch.
func (r *ScyllaRepository) Put(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" || rec.Kind == "" {
		return Record{}, errors.New("record needs an id and a kind")
	}
	loc, err := r.lookup(ctx, rec.ID)
	switch {
	case err == nil:
		return r.store(ctx, rec, &loc)
	case errors.Cause(err) == ErrNotFound:
		return r.store(ctx, rec, nil)
	}
	return Record{}, err
}

func (r *ScyllaRepository) store(ctx context.Context, rec Record, old *recordLocation) (Record, error) {
	now := r.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	b := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	if old != nil && (old.kind != string(rec.Kind) || old.channelID != rec.ChannelID || !old.createdAt.Equal(rec.CreatedAt)) {
		b.Query(`DELETE FROM records WHERE kind = ? AND channel_id = ? AND created_at = ? AND id = ?`,
			old.kind, old.channelID, old.createdAt, rec.ID)
	}
	b.Query(`INSERT INTO records (kind, channel_id, created_at, id, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.ChannelID, rec.CreatedAt, rec.ID, string(rec.Data), rec.UpdatedAt)
	b.Query(`INSERT INTO record_ids (id, kind, channel_id, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, string(rec.Kind), rec.ChannelID, rec.CreatedAt)
	if err := r.session.ExecuteBatch(b); err != nil {
		return Record{}, errors.Wrap(err, "write record")
	}
	return rec, nil
}

type recordLocation struct {
	kind      string
	channelID string
	createdAt time.Time
}

func (r *ScyllaRepository) lookup(ctx context.Context, id string) (recordLocation, error) {
	var loc recordLocation
	err := r.session.Query(`SELECT kind, channel_id, created_at FROM record_ids WHERE id = ?`, id).
		WithContext(ctx).Scan(&loc.kind, &loc.channelID, &loc.createdAt)
	if err == gocql.ErrNotFound {
		return loc, errors.Wrap(ErrNotFound, id)
	}
	return loc, errors.Wrapf(err, "lookup %s", id)
}

func (r *ScyllaRepository) Update(ctx context.Context, id string, patch map[string]interface{}) error {
	loc, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}
	var data string
	err = r.session.Query(`SELECT data FROM records WHERE kind = ? AND channel_id = ? AND created_at = ? AND id = ?`,
		loc.kind, loc.channelID, loc.createdAt, id).WithContext(ctx).Scan(&data)
	if err == gocql.ErrNotFound {
		return errors.Wrap(ErrNotFound, id)
	}
	if err != nil {
		return errors.Wrapf(err, "read %s", id)
	}
	patched, err := applyPatch(json.RawMessage(data), patch)
	if err != nil {
		return err
	}
	err = r.session.Query(`UPDATE records SET data = ?, updated_at = ? WHERE kind = ? AND channel_id = ? AND created_at = ? AND id = ?`,
		string(patched), r.now().UTC(), loc.kind, loc.channelID, loc.createdAt, id).WithContext(ctx).Exec()
	return errors.Wrapf(err, "update %s", id)
}

func (r *ScyllaRepository) Delete(ctx context.Context, id string) error {
	loc, err := r.lookup(ctx, id)
	if err != nil {
		return err
	}
	b := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	b.Query(`DELETE FROM records WHERE kind = ? AND channel_id = ? AND created_at = ? AND id = ?`,
		loc.kind, loc.channelID, loc.createdAt, id)
	b.Query(`DELETE FROM record_ids WHERE id = ?`, id)
	return errors.Wrapf(r.session.ExecuteBatch(b), "delete %s", id)
}

func (r *ScyllaRepository) List(ctx context.Context, f Filter) ([]Record, error) {
	var q *gocql.Query
	switch {
	case f.Kind != "" && f.ChannelID != "":
		q = r.session.Query(`SELECT kind, channel_id, created_at, id, data, updated_at FROM records WHERE kind = ? AND channel_id = ?`,
			string(f.Kind), f.ChannelID)
	case f.Kind != "":
		q = r.session.Query(`SELECT kind, channel_id, created_at, id, data, updated_at FROM records WHERE kind = ? ALLOW FILTERING`,
			string(f.Kind))
	default:
		q = r.session.Query(`SELECT kind, channel_id, created_at, id, data, updated_at FROM records`)
	}
	iter := q.WithContext(ctx).Iter()

	var (
		out                 []Record
		kind, channel, id   string
		data                string
		createdAt, updateAt time.Time
	)
	for iter.Scan(&kind, &channel, &createdAt, &id, &data, &updateAt) {
		rec := Record{
			ID:        id,
			Kind:      Kind(kind),
			ChannelID: channel,
			Data:      json.RawMessage(data),
			CreatedAt: createdAt,
			UpdatedAt: updateAt,
		}
		if !f.match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	return out, nil
}

// Close closes the underlying session.
func (r *ScyllaRepository) Close() error {
	r.session.Close()
	return nil
}
