package store

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pixelyodha/miracle/pkg/pushid"
)

const notifyPrefix = "rt:"

// Redis is a Realtime store over a redis instance. Each collection is a
// hash keyed by document id; a pub/sub channel per collection carries change
// notifications, and subscribers re-read the full hash on every notification
// (snapshot-replace). The redis server clock (TIME) resolves server
// timestamps, making redis the ordering authority across writers.
type Redis struct {
	rdb  *redis.Client
	ids  *pushid.Node
	mu   sync.Mutex
	arms map[string]Fields
}

func NewRedis(addr string, node int64) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	ids, err := pushid.NewNode(node)
	if err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, ids: ids, arms: make(map[string]Fields)}, nil
}

func (r *Redis) now(ctx context.Context) (int64, error) {
	t, err := r.rdb.Time(ctx).Result()
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func (r *Redis) Subscribe(collection string, fn SnapshotFunc, errFn ErrorFunc) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := r.rdb.Subscribe(ctx, notifyPrefix+collection)
	// Confirm the subscription before the initial read so no change between
	// the two is missed.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		ps.Close()
		return nil, err
	}
	go func() {
		deliver := func() {
			snap, err := r.read(ctx, collection)
			if err != nil {
				if ctx.Err() == nil && errFn != nil {
					errFn(err)
				}
				return
			}
			fn(snap)
		}
		deliver()
		for range ps.Channel() {
			deliver()
		}
	}()
	return subFunc(func() {
		cancel()
		ps.Close()
	}), nil
}

func (r *Redis) read(ctx context.Context, collection string) (Snapshot, error) {
	vals, err := r.rdb.HGetAll(ctx, collection).Result()
	if err != nil {
		return nil, err
	}
	snap := make(Snapshot, len(vals))
	for id, raw := range vals {
		snap[id] = []byte(raw)
	}
	return snap, nil
}

func (r *Redis) Write(collection, id string, doc any) error {
	ctx := context.Background()
	now, err := r.now(ctx)
	if err != nil {
		return err
	}
	raw, err := normalize(doc, now)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, collection, id, string(raw)).Err(); err != nil {
		return err
	}
	return r.notify(ctx, collection)
}

func (r *Redis) Delete(collection, id string) error {
	ctx := context.Background()
	if err := r.rdb.HDel(ctx, collection, id).Err(); err != nil {
		return err
	}
	return r.notify(ctx, collection)
}

func (r *Redis) Update(patch Patch) error {
	ctx := context.Background()
	now, err := r.now(ctx)
	if err != nil {
		return err
	}
	// Read-merge first, then commit all writes in one transaction so the
	// patch lands atomically.
	type write struct {
		collection, id string
		raw            []byte
	}
	writes := make([]write, 0, len(patch))
	touched := make(map[string]bool)
	for path, fields := range patch {
		collection, id, err := SplitDoc(path)
		if err != nil {
			return err
		}
		existing, err := r.rdb.HGet(ctx, collection, id).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		merged, err := mergeDoc([]byte(existing), resolveFields(fields, now))
		if err != nil {
			return err
		}
		writes = append(writes, write{collection, id, merged})
		touched[collection] = true
	}
	pipe := r.rdb.TxPipeline()
	for _, w := range writes {
		pipe.HSet(ctx, w.collection, w.id, string(w.raw))
	}
	for collection := range touched {
		pipe.Publish(ctx, notifyPrefix+collection, "")
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) Push(collection string, doc any) (string, error) {
	id, _, err := r.PushDoc(collection, doc)
	return id, err
}

// PushDoc appends a document and also returns its committed form, with
// server timestamps resolved. The gateway archives the committed form, not
// the client's placeholder-bearing original.
func (r *Redis) PushDoc(collection string, doc any) (string, json.RawMessage, error) {
	ctx := context.Background()
	now, err := r.now(ctx)
	if err != nil {
		return "", nil, err
	}
	raw, err := normalize(doc, now)
	if err != nil {
		return "", nil, err
	}
	id := r.ids.Generate()
	if err := r.rdb.HSet(ctx, collection, id, string(raw)).Err(); err != nil {
		return "", nil, err
	}
	if err := r.notify(ctx, collection); err != nil {
		return "", nil, err
	}
	return id, raw, nil
}

// OnDisconnectArm registers a patch applied when this store handle closes.
// The gateway scopes arms per websocket connection itself and applies them
// through ApplyPatch when a connection drops uncleanly.
func (r *Redis) OnDisconnectArm(collection, id string, fields Fields) error {
	r.mu.Lock()
	r.arms[DocPath(collection, id)] = fields
	r.mu.Unlock()
	return nil
}

// ApplyPatch applies a field patch on behalf of a dropped connection.
func (r *Redis) ApplyPatch(patch Patch) error {
	return r.Update(patch)
}

// Connectivity reports connected while the redis client is reachable. The
// server-side consumers of this store own their process lifecycle, so the
// signal is a one-shot probe rather than a watcher.
func (r *Redis) Connectivity(fn func(bool)) (Subscription, error) {
	err := r.rdb.Ping(context.Background()).Err()
	go fn(err == nil)
	return subFunc(func() {}), nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	arms := r.arms
	r.arms = make(map[string]Fields)
	r.mu.Unlock()
	if len(arms) > 0 {
		patch := make(Patch, len(arms))
		for path, fields := range arms {
			patch[path] = fields
		}
		r.ApplyPatch(patch)
	}
	return r.rdb.Close()
}

func (r *Redis) notify(ctx context.Context, collection string) error {
	return r.rdb.Publish(ctx, notifyPrefix+collection, "").Err()
}
