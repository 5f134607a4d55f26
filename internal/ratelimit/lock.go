package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// replayLockTTL caps how long a replay may hold its event exclusively; a
// crashed replayer frees the slot when the key expires.
const replayLockTTL = 30 * time.Second

// Release only deletes the key when the caller's token still owns it, so a
// lock that expired and was re-acquired by another replay is never stolen
// back.
const replayReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// replayLocker serializes replays of the same stored event across instances.
// Keys are derived from the event record ID, never caller-supplied.
type replayLocker struct {
	client  *redis.Client
	release *redis.Script
}

func newReplayLocker(client *redis.Client) *replayLocker {
	if client == nil {
		return nil
	}
	return &replayLocker{
		client:  client,
		release: redis.NewScript(replayReleaseScript),
	}
}

func replayLockKey(eventRecordID int64) string {
	return fmt.Sprintf("webhook:replay:lock:%d", eventRecordID)
}

func (l *replayLocker) Acquire(ctx context.Context, eventRecordID int64) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("replay lock client not configured")
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, replayLockKey(eventRecordID), token, replayLockTTL).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *replayLocker) Release(ctx context.Context, eventRecordID int64, token string) error {
	if l == nil || l.client == nil || token == "" {
		return nil
	}
	return l.release.Run(ctx, l.client, []string{replayLockKey(eventRecordID)}, token).Err()
}
