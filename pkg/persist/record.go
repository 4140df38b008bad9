// Package persist is the CRUD boundary behind the communication store.
// Non-ephemeral entities are stored as JSON records; every operation
// returns an error value and never panics across the boundary.
package persist

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Kind is the entity type of a record.
type Kind string

const (
	KindChannel      Kind = "channel"
	KindMessage      Kind = "message"
	KindNotification Kind = "notification"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

type Record struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	ChannelID string          `json:"channelId,omitempty"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Filter selects records for List. Zero fields match everything; a
// non-positive Limit means no limit.
type Filter struct {
	Kind      Kind
	ChannelID string
	Limit     int
}

func (f Filter) match(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.ChannelID != "" && r.ChannelID != f.ChannelID {
		return false
	}
	return true
}

// Repository stores records. List returns records of one channel in
// creation order.
type Repository interface {
	Create(ctx context.Context, rec Record) (Record, error)
	// Put creates rec or replaces the stored record with the same id.
	Put(ctx context.Context, rec Record) (Record, error)
	Update(ctx context.Context, id string, patch map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]Record, error)
	Close() error
}

// NewRecord marshals v as the record body.
func NewRecord(kind Kind, id, channelID string, createdAt time.Time, v interface{}) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, errors.Wrapf(err, "marshal %s %s", kind, id)
	}
	return Record{ID: id, Kind: kind, ChannelID: channelID, Data: data, CreatedAt: createdAt}, nil
}

// Decode unmarshals the record body into v.
func (r Record) Decode(v interface{}) error {
	return errors.Wrapf(json.Unmarshal(r.Data, v), "decode %s %s", r.Kind, r.ID)
}

// Patch returns the top-level fields of v as an update patch.
func Patch(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal patch")
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(raw, &patch); err != nil {
		return nil, errors.Wrap(err, "patch must be an object")
	}
	return patch, nil
}

// applyPatch merges patch into the top level of data. A nil value removes
// the key.
func applyPatch(data json.RawMessage, patch map[string]interface{}) (json.RawMessage, error) {
	fields := make(map[string]json.RawMessage)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, errors.Wrap(err, "record body is not an object")
		}
	}
	for k, v := range patch {
		if v == nil {
			delete(fields, k)
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal patch field %s", k)
		}
		fields[k] = raw
	}
	out, err := json.Marshal(fields)
	return out, errors.Wrap(err, "marshal patched record")
}
