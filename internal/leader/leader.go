// Package leader keeps background jobs single-active across replicas.
//
// Jobs call TryLock at the start of each tick and skip the tick when another
// replica holds the lock. Locks are released at the end of the tick, so a
// replica that dies only delays the next scan by one interval.
package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/arbiter/internal/idgen"
	"github.com/redis/go-redis/v9"
)

// Locker acquires a named, non-blocking lock.
type Locker interface {
	// TryLock returns acquired=false (and a nil unlock) when the lock is
	// held elsewhere. unlock must be called once when acquired is true.
	TryLock(ctx context.Context, key string) (unlock func(), acquired bool, err error)
}

// LocalLocker serializes holders inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}

// PostgresLocker uses session-level advisory locks. The lock lives on a
// dedicated connection that is returned to the pool on unlock.
type PostgresLocker struct {
	db *sql.DB
}

// NewPostgresLocker creates an advisory-lock locker.
func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (p *PostgresLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key,
	).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key)
			_ = conn.Close()
		})
	}, true, nil
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX with a per-holder token. The TTL bounds how
// long a crashed holder can block other replicas.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a Redis locker whose locks expire after ttl.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisLocker{client: client, prefix: "arbiter:lock:", ttl: ttl}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	token := idgen.New()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
		})
	}, true, nil
}
