package redis

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLockHeld is returned by Lock when another owner holds the key.
var ErrLockHeld = errors.New("lock already held")

// Locker is a single-key SETNX lock. Only the owner token that acquired it
// can release it.
type Locker struct {
	client *Client
	key    string
	owner  string
}

func NewLocker(client *Client, key, owner string) *Locker {
	return &Locker{client: client, key: client.Key("lock", key), owner: owner}
}

func (l *Locker) Lock(ctx context.Context, ttl time.Duration) error {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, ttl)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockHeld, l.key)
	}
	return nil
}

func (l *Locker) Unlock(ctx context.Context) error {
	ok, err := l.client.ReleaseIfOwner(ctx, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("unlock failed, lock %s expired or is held by another owner", l.key)
	}
	return nil
}
