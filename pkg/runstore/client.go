package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides namespace-scoped Redis operations for run records.
// The client is safe for concurrent use.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a run store client for namespace.
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// NewClientFromURL parses a redis:// URL and creates a client.
func NewClientFromURL(url, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return NewClient(opts, namespace)
}

// Namespace returns the namespace all keys are scoped to.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SaveRun writes a run record, indexes it under its sweep and publishes it
// on the run events channel. UpdatedAtMs is set to the current time and
// CreatedAtMs is filled in when zero.
//
// SaveRun does not check transitions; use UpdateStatus to change the
// status of a stored run.
func (c *Client) SaveRun(ctx context.Context, r *Run) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	now := time.Now().UnixMilli()
	if r.CreatedAtMs == 0 {
		r.CreatedAtMs = now
	}
	r.UpdatedAtMs = now

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, RunKey(c.namespace, r.RunID), RunToHash(r))
	if r.SweepID != "" {
		pipe.ZAdd(ctx, SweepKey(c.namespace, r.SweepID), redis.Z{Score: float64(r.Index), Member: r.RunID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write run to Redis: %w", err)
	}

	return c.publish(ctx, r)
}

func (c *Client) publish(ctx context.Context, r *Run) error {
	runJSON, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run for event: %w", err)
	}
	if err := c.rdb.Publish(ctx, RunEventsChannel(c.namespace), runJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
// Returns (nil, redis.Nil) if the run doesn't exist; use IsNotFound to check.
func (c *Client) GetRun(ctx context.Context, runID string) (*Run, error) {
	hashData, err := c.rdb.HGetAll(ctx, RunKey(c.namespace, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}

	run, err := HashToRun(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize run: %w", err)
	}
	return run, nil
}

// maxUpdateRetries bounds optimistic retries when a watched run changes
// during an update.
const maxUpdateRetries = 10

// UpdateStatus moves a stored run to status. Leaving a terminal state
// returns an InvalidTransitionError and leaves the record unchanged.
// mutate, when non-nil, may set further fields before the run is saved.
//
// The record is read and written under WATCH, so a concurrent update by
// another process is never overwritten with stale fields.
func (c *Client) UpdateStatus(ctx context.Context, runID string, status Status, detail string, mutate func(*Run)) (*Run, error) {
	key := RunKey(c.namespace, runID)
	var updated *Run

	txf := func(tx *redis.Tx) error {
		run, err := c.readRun(ctx, tx, key)
		if err != nil {
			return err
		}
		if err := run.Transition(status, detail); err != nil {
			return err
		}
		if mutate != nil {
			mutate(run)
		}
		if err := run.Validate(); err != nil {
			return fmt.Errorf("invalid run: %w", err)
		}
		run.UpdatedAtMs = time.Now().UnixMilli()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, RunToHash(run))
			return nil
		})
		if err != nil {
			return err
		}
		updated = run
		return nil
	}

	if err := c.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, c.publish(ctx, updated)
}

// SetExternalID records the scheduler-issued ID of a stored run. Only the
// external_id and updated_at_ms fields are written; status and results
// reported meanwhile by the job itself are kept.
func (c *Client) SetExternalID(ctx context.Context, runID, externalID string) (*Run, error) {
	key := RunKey(c.namespace, runID)
	var updated *Run

	txf := func(tx *redis.Tx) error {
		run, err := c.readRun(ctx, tx, key)
		if err != nil {
			return err
		}
		run.ExternalID = externalID
		run.UpdatedAtMs = time.Now().UnixMilli()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "external_id", externalID, "updated_at_ms", run.UpdatedAtMs)
			return nil
		})
		if err != nil {
			return err
		}
		updated = run
		return nil
	}

	if err := c.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return updated, c.publish(ctx, updated)
}

func (c *Client) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxUpdateRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("run %s changed concurrently %d times", key, maxUpdateRetries)
}

func (c *Client) readRun(ctx context.Context, tx *redis.Tx, key string) (*Run, error) {
	hashData, err := tx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read run from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, redis.Nil
	}
	run, err := HashToRun(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize run: %w", err)
	}
	return run, nil
}

// SavePayload stores the serialized job payload of a run.
func (c *Client) SavePayload(ctx context.Context, runID string, payload []byte) error {
	if err := c.rdb.Set(ctx, PayloadKey(c.namespace, runID), payload, 0).Err(); err != nil {
		return fmt.Errorf("failed to write payload to Redis: %w", err)
	}
	return nil
}

// GetPayload returns the stored payload of a run.
// Returns redis.Nil if none was stored.
func (c *Client) GetPayload(ctx context.Context, runID string) ([]byte, error) {
	data, err := c.rdb.Get(ctx, PayloadKey(c.namespace, runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read payload from Redis: %w", err)
	}
	return data, nil
}

// ListRuns returns every run of the namespace, oldest first. Runs created
// in the same millisecond are ordered by sweep index.
func (c *Client) ListRuns(ctx context.Context) ([]*Run, error) {
	ids, err := c.scanRunIDs(ctx)
	if err != nil {
		return nil, err
	}

	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].CreatedAtMs != runs[j].CreatedAtMs {
			return runs[i].CreatedAtMs < runs[j].CreatedAtMs
		}
		return runs[i].Index < runs[j].Index
	})
	return runs, nil
}

// RunIDs returns the IDs of all stored runs, for short-ID resolution.
func (c *Client) RunIDs(ctx context.Context) ([]string, error) {
	return c.scanRunIDs(ctx)
}

func (c *Client) scanRunIDs(ctx context.Context) ([]string, error) {
	prefix := RunKey(c.namespace, "")
	var ids []string
	iter := c.rdb.Scan(ctx, 0, RunKeyPattern(c.namespace), 100).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	return ids, nil
}

// SweepRuns returns the runs of a sweep in sweep order.
func (c *Client) SweepRuns(ctx context.Context, sweepID string) ([]*Run, error) {
	ids, err := c.rdb.ZRange(ctx, SweepKey(c.namespace, sweepID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read sweep from Redis: %w", err)
	}
	runs := make([]*Run, 0, len(ids))
	for _, id := range ids {
		run, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: run %s: %w", sweepID, id, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Subscription represents an active Pub/Sub subscription to run events.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *Run
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of run updates. It is closed when the
// subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *Run {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeRunEvents subscribes to run updates for this namespace.
// Delivery is at-most-once: a slow subscriber may miss updates.
func (c *Client) SubscribeRunEvents(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, RunEventsChannel(c.namespace))
	// Wait for the subscription to be confirmed so no event published after
	// this call returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to run events: %w", err)
	}

	eventsChan := make(chan *Run, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var run Run
				if err := json.Unmarshal([]byte(msg.Payload), &run); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal run event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &run:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
