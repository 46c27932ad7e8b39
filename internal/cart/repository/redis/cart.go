package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harborline/storefront/internal/cart/domain"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

const keyPrefix = "cart:"

// saveIfVersionScript compares the stored cart's version against the expected
// one and swaps the payload atomically. An expected version of 0 matches a
// missing key so first writes go through the same path.
var saveIfVersionScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local stored = cjson.decode(cur)
	if stored['version'] ~= tonumber(ARGV[1]) then
		return 0
	end
elseif tonumber(ARGV[1]) ~= 0 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// CartRepository implements repository.CartRepository using Redis.
type CartRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCartRepository creates a new Redis-backed cart repository.
func NewCartRepository(client *redis.Client, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves a cart by its owner from Redis.
func (r *CartRepository) Get(ctx context.Context, owner domain.Owner) (*domain.Cart, error) {
	key := keyPrefix + owner.Key()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, apperrors.NotFound("cart", owner.Key())
		}
		return nil, fmt.Errorf("redis get cart: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}

	return &cart, nil
}

// Save persists a cart to Redis with the configured TTL.
func (r *CartRepository) Save(ctx context.Context, cart *domain.Cart) error {
	key := keyPrefix + cart.Owner.Key()

	data, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("marshal cart: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set cart: %w", err)
	}

	return nil
}

// SaveIfVersion persists a cart only if the stored version still matches
// expectedVersion. The version is bumped before the compare-and-swap so the
// stored payload always carries expectedVersion+1.
func (r *CartRepository) SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error) {
	key := keyPrefix + cart.Owner.Key()

	cart.Version = expectedVersion + 1
	data, err := json.Marshal(cart)
	if err != nil {
		return false, fmt.Errorf("marshal cart: %w", err)
	}

	res, err := saveIfVersionScript.Run(ctx, r.client, []string{key},
		expectedVersion, string(data), r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis save cart if version: %w", err)
	}

	return res == 1, nil
}

// Delete removes a cart from Redis.
func (r *CartRepository) Delete(ctx context.Context, owner domain.Owner) error {
	key := keyPrefix + owner.Key()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del cart: %w", err)
	}

	return nil
}
