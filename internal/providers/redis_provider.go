package providers

import "github.com/go-redis/redis/v8"

// NewRedisProvider returns the shared client used by the distributed rate
// limiter and the redis marketplace sandbox.
func NewRedisProvider(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}
