package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MarkoPoloResearchLab/consult/internal/session"
	"github.com/go-redis/redis/v8"
)

const (
	defaultKeyPrefix = "consult"

	enqueueScript = `
if redis.call('ZADD', KEYS[1], 'NX', ARGV[1], ARGV[2]) == 1 then
	redis.call('SET', KEYS[2], ARGV[3])
	return 1
end
return 0
`

	dequeueScript = `
local members = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, sessionID in ipairs(members) do
	local entryKey = ARGV[1] .. sessionID
	local payload = redis.call('GET', entryKey)
	if not payload then
		redis.call('ZREM', KEYS[1], sessionID)
	else
		local eligible = #ARGV == 1
		if not eligible then
			local entryType = cjson.decode(payload)['type']
			for index = 2, #ARGV do
				if ARGV[index] == entryType then
					eligible = true
					break
				end
			end
		end
		if eligible then
			redis.call('ZREM', KEYS[1], sessionID)
			redis.call('DEL', entryKey)
			return payload
		end
	end
end
return false
`
)

var _ session.WaitlistStore = (*Waitlist)(nil)

var (
	enqueue = redis.NewScript(enqueueScript)
	dequeue = redis.NewScript(dequeueScript)
)

// Waitlist implements session.WaitlistStore on Redis. Each provider owns a sorted set scored by enqueue
// time in milliseconds, and entries are stored as JSON strings.
type Waitlist struct {
	client redis.UniversalClient
	prefix string
}

// NewWaitlist constructs a Waitlist. An empty prefix uses "consult".
func NewWaitlist(client redis.UniversalClient, prefix string) *Waitlist {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Waitlist{client: client, prefix: prefix}
}

func (waitlist *Waitlist) queueKey(providerID string) string {
	return fmt.Sprintf("%s:waitlist:%s", waitlist.prefix, providerID)
}

func (waitlist *Waitlist) entryPrefix() string {
	return waitlist.prefix + ":waitlist:entry:"
}

func (waitlist *Waitlist) entryKey(sessionID string) string {
	return waitlist.entryPrefix() + sessionID
}

// Enqueue implements session.WaitlistStore. Re-enqueueing a session keeps its original position.
func (waitlist *Waitlist) Enqueue(ctx context.Context, entry session.WaitlistEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode waitlist entry: %w", err)
	}
	score := strconv.FormatInt(entry.EnqueuedAt.UnixMilli(), 10)
	keys := []string{waitlist.queueKey(entry.ProviderID), waitlist.entryKey(entry.SessionID)}
	if err := enqueue.Run(ctx, waitlist.client, keys, score, entry.SessionID, string(payload)).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", entry.SessionID, err)
	}
	return nil
}

// DequeueOldest implements session.WaitlistStore atomically in a single script. Queue members without a
// payload are dropped on the way.
func (waitlist *Waitlist) DequeueOldest(ctx context.Context, providerID string, types ...session.Type) (session.WaitlistEntry, bool, error) {
	args := make([]interface{}, 0, len(types)+1)
	args = append(args, waitlist.entryPrefix())
	for _, sessionType := range types {
		args = append(args, string(sessionType))
	}
	payload, err := dequeue.Run(ctx, waitlist.client, []string{waitlist.queueKey(providerID)}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return session.WaitlistEntry{}, false, nil
	}
	if err != nil {
		return session.WaitlistEntry{}, false, fmt.Errorf("dequeue %s: %w", providerID, err)
	}
	var entry session.WaitlistEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		return session.WaitlistEntry{}, false, fmt.Errorf("decode waitlist entry: %w", err)
	}
	return entry, true, nil
}

// List implements session.WaitlistStore in dispatch order.
func (waitlist *Waitlist) List(ctx context.Context, providerID string) ([]session.WaitlistEntry, error) {
	sessionIDs, err := waitlist.client.ZRange(ctx, waitlist.queueKey(providerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", providerID, err)
	}
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, sessionID := range sessionIDs {
		keys = append(keys, waitlist.entryKey(sessionID))
	}
	payloads, err := waitlist.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s entries: %w", providerID, err)
	}
	entries := make([]session.WaitlistEntry, 0, len(payloads))
	for _, payload := range payloads {
		raw, ok := payload.(string)
		if !ok {
			continue
		}
		var entry session.WaitlistEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode waitlist entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Remove implements session.WaitlistStore.
func (waitlist *Waitlist) Remove(ctx context.Context, providerID string, sessionID string) (bool, error) {
	removed, err := waitlist.client.ZRem(ctx, waitlist.queueKey(providerID), sessionID).Result()
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", sessionID, err)
	}
	if removed == 0 {
		return false, nil
	}
	if err := waitlist.client.Del(ctx, waitlist.entryKey(sessionID)).Err(); err != nil {
		return true, fmt.Errorf("remove %s payload: %w", sessionID, err)
	}
	return true, nil
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, address string, password string, database int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: address, Password: password, DB: database})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
