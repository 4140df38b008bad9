package gateway

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Presence records which users are subscribed to which channels.
type Presence interface {
	Join(ctx context.Context, channelID, userID string) error
	Leave(ctx context.Context, channelID, userID string) error
	Members(ctx context.Context, channelID string) ([]string, error)
}

// ChannelUsersKey is the redis set holding the users of a channel.
func ChannelUsersKey(channelID string) string {
	return "channel:" + channelID + ":users"
}

type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func (p *RedisPresence) Join(ctx context.Context, channelID, userID string) error {
	return errors.Wrapf(p.rdb.SAdd(ctx, ChannelUsersKey(channelID), userID).Err(), "join %s", channelID)
}

func (p *RedisPresence) Leave(ctx context.Context, channelID, userID string) error {
	return errors.Wrapf(p.rdb.SRem(ctx, ChannelUsersKey(channelID), userID).Err(), "leave %s", channelID)
}

func (p *RedisPresence) Members(ctx context.Context, channelID string) ([]string, error) {
	users, err := p.rdb.SMembers(ctx, ChannelUsersKey(channelID)).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "members of %s", channelID)
	}
	sort.Strings(users)
	return users, nil
}

// MemoryPresence keeps the sets in process.
type MemoryPresence struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{sets: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Join(_ context.Context, channelID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sets[channelID] == nil {
		p.sets[channelID] = make(map[string]struct{})
	}
	p.sets[channelID][userID] = struct{}{}
	return nil
}

func (p *MemoryPresence) Leave(_ context.Context, channelID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.sets[channelID]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(p.sets, channelID)
		}
	}
	return nil
}

func (p *MemoryPresence) Members(_ context.Context, channelID string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.sets[channelID]))
	for u := range p.sets[channelID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users, nil
}
