package db

import (
	"context"
	"fmt"
	"hash/fnv"
)

// TrySyncLock takes the cross-process sync lock for a client via a Postgres
// advisory lock keyed on a hash of the external id. The server and the
// worker run as separate processes against the same database, so an
// in-memory guard alone cannot serialize their passes. ok is false when
// another session holds the lock; the returned release frees it.
func (db *DB) TrySyncLock(ctx context.Context, externalID string) (release func(), ok bool, err error) {
	// Advisory locks are session scoped, so the lock must live on a
	// dedicated connection held for the duration of the pass
	conn, err := db.conn.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain lock connection: %w", err)
	}

	key := syncLockKey(externalID)
	var locked bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&locked); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("failed to take sync lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		// Returning the connection to the pool keeps its session alive, so
		// the lock must be released explicitly first. An unlock failure
		// means the session is gone and the lock with it.
		conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Close()
	}
	return release, true, nil
}

func syncLockKey(externalID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(externalID))
	return int64(h.Sum64())
}
