package valkeycache

import (
	"context"
	"strconv"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/rentscape/chat-backend/internal/models"
)

const keyPrefix = "chat:unread:"

// UnreadCache is a read-through cache for per-user unread totals backed
// by Valkey. The relay invalidates entries on every send and mark-read,
// so the REST unread endpoint can serve hot counters without a database
// aggregate each time.
type UnreadCache struct {
	client valkey.Client
	ttl    time.Duration
}

func NewUnreadCache(addr string, ttl time.Duration) (*UnreadCache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &UnreadCache{client: client, ttl: ttl}, nil
}

func key(userID string, role models.Role) string {
	return keyPrefix + userID + ":" + string(role)
}

func (c *UnreadCache) Get(ctx context.Context, userID string, role models.Role) (int, bool, error) {
	v, err := c.client.Do(ctx, c.client.B().Get().Key(key(userID, role)).Build()).AsInt64()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return int(v), true, nil
}

func (c *UnreadCache) Set(ctx context.Context, userID string, role models.Role, total int) error {
	cmd := c.client.B().Set().
		Key(key(userID, role)).
		Value(strconv.Itoa(total)).
		Ex(c.ttl).
		Build()
	return c.client.Do(ctx, cmd).Error()
}

func (c *UnreadCache) Invalidate(ctx context.Context, userID string, role models.Role) error {
	return c.client.Do(ctx, c.client.B().Del().Key(key(userID, role)).Build()).Error()
}

func (c *UnreadCache) Close() {
	c.client.Close()
}
