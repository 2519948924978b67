package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/save_run.lua
var saveRunScript string

//go:embed scripts/remove_lines.lua
var removeLinesScript string

//go:embed scripts/compare_del.lua
var compareDelScript string

//go:embed scripts/compare_expire.lua
var compareExpireScript string

type Client struct {
	rdb           *redis.Client
	saveScript    *redis.Script
	removeScript  *redis.Script
	compareDel    *redis.Script
	compareExpire *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		saveScript:    redis.NewScript(saveRunScript),
		removeScript:  redis.NewScript(removeLinesScript),
		compareDel:    redis.NewScript(compareDelScript),
		compareExpire: redis.NewScript(compareExpireScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func runKey(sessionID string) string {
	return fmt.Sprintf("checkout:run:%s", sessionID)
}

func cartKey(customerID string) string {
	return fmt.Sprintf("cart:%s", customerID)
}

// SaveRun stores the run if nobody else saved it since it was loaded.
// Returns models.ErrStaleRun otherwise. On success run.Version is bumped.
func (c *Client) SaveRun(ctx context.Context, run *models.BatchRun, ttl time.Duration) error {
	expected := run.Version
	run.Version = expected + 1

	payload, err := json.Marshal(run)
	if err != nil {
		run.Version = expected
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	result, err := c.saveScript.Run(ctx, c.rdb, []string{runKey(run.SessionID)},
		strconv.FormatInt(expected, 10),
		strconv.FormatInt(run.Version, 10),
		payload,
		ttl.Milliseconds()).Result()
	if err != nil {
		run.Version = expected
		return fmt.Errorf("save run script failed: %w", err)
	}

	saved, ok := result.(int64)
	if !ok {
		run.Version = expected
		return fmt.Errorf("unexpected script result type")
	}
	if saved != 1 {
		run.Version = expected
		return models.ErrStaleRun
	}
	return nil
}

// LoadRun retrieves a run by session id
func (c *Client) LoadRun(ctx context.Context, sessionID string) (*models.BatchRun, error) {
	raw, err := c.rdb.HGet(ctx, runKey(sessionID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	var run models.BatchRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// SetCart replaces the customer's cart. Lines for the same product are merged.
func (c *Client) SetCart(ctx context.Context, customerID string, items []models.CartItem) error {
	merged := make(map[string]models.CartItem)
	for _, item := range items {
		if existing, ok := merged[item.ProductID]; ok {
			existing.Quantity += item.Quantity
			merged[item.ProductID] = existing
			continue
		}
		merged[item.ProductID] = item
	}

	fields := make([]interface{}, 0, len(merged)*2)
	for id, item := range merged {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal cart item: %w", err)
		}
		fields = append(fields, id, raw)
	}

	key := cartKey(customerID)
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetCart retrieves the customer's cart ordered by product id
func (c *Client) GetCart(ctx context.Context, customerID string) ([]models.CartItem, error) {
	result, err := c.rdb.HGetAll(ctx, cartKey(customerID)).Result()
	if err != nil {
		return nil, err
	}

	items := make([]models.CartItem, 0, len(result))
	for productID, raw := range result {
		var item models.CartItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal cart item %s: %w", productID, err)
		}
		items = append(items, item)
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].ProductID < items[j].ProductID
	})
	return items, nil
}

// RemoveLines atomically removes the given products from the cart
func (c *Client) RemoveLines(ctx context.Context, customerID string, productIDs []string) error {
	if len(productIDs) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(productIDs))
	for _, id := range productIDs {
		args = append(args, id)
	}

	if err := c.removeScript.Run(ctx, c.rdb, []string{cartKey(customerID)}, args...).Err(); err != nil {
		return fmt.Errorf("remove lines script failed: %w", err)
	}
	return nil
}

// ClearCart deletes the customer's cart
func (c *Client) ClearCart(ctx context.Context, customerID string) error {
	return c.rdb.Del(ctx, cartKey(customerID)).Err()
}

// ClaimIdempotencyKey binds key to sessionID unless it is already bound.
// Returns the bound session id and whether this call claimed it.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key, sessionID string, ttl time.Duration) (string, bool, error) {
	redisKey := fmt.Sprintf("idempotency:%s", key)

	claimed, err := c.rdb.SetNX(ctx, redisKey, sessionID, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if claimed {
		return sessionID, true, nil
	}

	existing, err := c.rdb.Get(ctx, redisKey).Result()
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdempotencyKey unbinds key, but only while it is still bound to
// sessionID
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key, sessionID string) error {
	return c.compareDel.Run(ctx, c.rdb, []string{fmt.Sprintf("idempotency:%s", key)}, sessionID).Err()
}

func lockRedisKey(lockKey string) string {
	return fmt.Sprintf("lock:%s", lockKey)
}

// AcquireLock acquires a distributed lock. The returned token identifies this
// holder and must be passed to RefreshLock and ReleaseLock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockRedisKey(lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// RefreshLock extends the lock while token still holds it. False means the
// lock expired and may belong to someone else now.
func (c *Client) RefreshLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	n, err := c.compareExpire.Run(ctx, c.rdb, []string{lockRedisKey(lockKey)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock releases the lock if token still holds it. A lock that expired
// and was taken over is left alone.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.compareDel.Run(ctx, c.rdb, []string{lockRedisKey(lockKey)}, token).Err()
}
