// Package redis provides UID and modseq allocators backed by Redis INCR.
//
// A Provider can replace the allocators of any store.Backend, for example to
// share counters between processes that each run an embedded SQLite store.
// Keys use a hash tag on the mailbox ID so both counters of a mailbox land in
// the same cluster slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/rbaliyan/mailstore/store"
	"github.com/redis/go-redis/v9"
)

var (
	_ store.UIDProvider    = (*Provider)(nil)
	_ store.ModSeqProvider = (*Provider)(nil)
)

// raiseScript sets KEYS[1] to ARGV[1] unless it already holds a larger value
// and returns the resulting value.
var raiseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local want = tonumber(ARGV[1])
if want > cur then
	redis.call('SET', KEYS[1], ARGV[1])
	return want
end
return cur
`)

// Provider allocates counters with Redis INCR.
type Provider struct {
	client redis.UniversalClient
	opts   *options
}

// New creates a Provider. Compatible with *redis.Client, *redis.ClusterClient
// and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) *Provider {
	return &Provider{client: client, opts: newOptions(opts...)}
}

func (p *Provider) key(mailbox *store.Mailbox, counter string) (string, error) {
	if mailbox == nil || mailbox.ID == "" {
		return "", store.ErrInvalidID
	}
	return p.opts.keyPrefix + "{" + mailbox.ID + "}:" + counter, nil
}

func (p *Provider) get(ctx context.Context, mailbox *store.Mailbox, counter string) (uint64, error) {
	key, err := p.key(mailbox, counter)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	v, err := p.client.Get(ctx, key).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", counter, err)
	}
	return v, nil
}

func (p *Provider) incr(ctx context.Context, mailbox *store.Mailbox, counter string) (uint64, error) {
	key, err := p.key(mailbox, counter)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	v, err := p.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", counter, err)
	}
	return uint64(v), nil
}

func (p *Provider) LastUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	v, err := p.get(ctx, mailbox, "uid")
	return imap.UID(v), err
}

func (p *Provider) NextUID(ctx context.Context, mailbox *store.Mailbox) (imap.UID, error) {
	v, err := p.incr(ctx, mailbox, "uid")
	if err != nil {
		return 0, err
	}
	if v > uint64(store.MaxUID) {
		return 0, fmt.Errorf("redis incr uid: uid space exhausted for mailbox %s", mailbox.ID)
	}
	return imap.UID(v), nil
}

func (p *Provider) HighestModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	return p.get(ctx, mailbox, "modseq")
}

func (p *Provider) NextModSeq(ctx context.Context, mailbox *store.Mailbox) (uint64, error) {
	return p.incr(ctx, mailbox, "modseq")
}

// Seed raises the counters of a mailbox to at least the given values, e.g.
// from the backend's stored counters when switching a mailbox to Redis
// allocation. Counters never move backwards.
func (p *Provider) Seed(ctx context.Context, mailbox *store.Mailbox, lastUID imap.UID, highestModSeq uint64) error {
	uidKey, err := p.key(mailbox, "uid")
	if err != nil {
		return err
	}
	modSeqKey, _ := p.key(mailbox, "modseq")

	ctx, cancel := context.WithTimeout(ctx, p.opts.timeout)
	defer cancel()

	if err := raiseScript.Run(ctx, p.client, []string{uidKey}, strconv.FormatUint(uint64(lastUID), 10)).Err(); err != nil {
		return fmt.Errorf("redis seed uid: %w", err)
	}
	if err := raiseScript.Run(ctx, p.client, []string{modSeqKey}, strconv.FormatUint(highestModSeq, 10)).Err(); err != nil {
		return fmt.Errorf("redis seed modseq: %w", err)
	}
	return nil
}
