package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"kincall/pkg/call"
	"kincall/pkg/log"
)

// Redis is the production Store. The record lives as JSON under one key per
// call id; every committed update is re-published on a per-call channel so
// both endpoints observe the same sequence of snapshots. Optimistic
// concurrency uses WATCH on the record key plus the version counter carried
// inside the record itself.
//
// A per-participant index key points at the participant's current
// non-terminal call and is cleared when the record is finalized
// (see: maintainActiveIndex()).
type Redis struct {
	client *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}

	return &Redis{client: client}, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func recordKey(id string) string {
	return "call:" + id
}

func activeKey(participantID string) string {
	return "call:active:" + participantID
}

func eventChannel(id string) string {
	return "call:events:" + id
}

func (s *Redis) Insert(ctx context.Context, rec *call.Record) (string, error) {
	if len(rec.ID) == 0 {
		return "", errors.New("record id must be assigned before insert")
	}

	rec.Version = 1

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, "marshal record")
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(rec.ID), payload, 0)

		if !rec.Terminal() {
			for _, participant := range rec.Participants() {
				pipe.Set(ctx, activeKey(participant), rec.ID, 0)
			}
		}

		pipe.Publish(ctx, eventChannel(rec.ID), payload)

		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "insert record")
	}

	return rec.ID, nil
}

func (s *Redis) Update(ctx context.Context, id string, patch Patch, expectedVersion int64) (*call.Record, error) {
	var committed *call.Record

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, recordKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}

		if err != nil {
			return errors.Wrap(err, "get record")
		}

		rec := &call.Record{}
		if err := json.Unmarshal(payload, rec); err != nil {
			return errors.Wrap(err, "unmarshal record")
		}

		if expectedVersion > 0 && rec.Version != expectedVersion {
			return ErrVersionConflict
		}

		if err := patch(rec); err != nil {
			return err
		}

		rec.Version++

		next, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal record")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(id), next, 0)
			s.maintainActiveIndex(ctx, pipe, rec)
			pipe.Publish(ctx, eventChannel(id), next)

			return nil
		})
		if err != nil {
			return err
		}

		committed = rec

		return nil
	}, recordKey(id))

	if errors.Is(err, redis.TxFailedErr) {
		// The key moved between GET and EXEC. Same resolution as a stale
		// version: the caller re-reads and reapplies.
		return nil, ErrVersionConflict
	}

	if err != nil {
		return nil, err
	}

	return committed, nil
}

// maintainActiveIndex drops the per-participant pointers once the record is
// terminal, so the busy guard stops seeing the call.
func (s *Redis) maintainActiveIndex(ctx context.Context, pipe redis.Pipeliner, rec *call.Record) {
	if !rec.Terminal() {
		return
	}

	for _, participant := range rec.Participants() {
		pipe.Del(ctx, activeKey(participant))
	}
}

func (s *Redis) Get(ctx context.Context, id string) (*call.Record, error) {
	payload, err := s.client.Get(ctx, recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, errors.Wrap(err, "get record")
	}

	rec := &call.Record{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, errors.Wrap(err, "unmarshal record")
	}

	return rec, nil
}

func (s *Redis) ActiveForParticipant(ctx context.Context, participantID string) (*call.Record, error) {
	id, err := s.client.Get(ctx, activeKey(participantID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, errors.Wrap(err, "get active index")
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// The index can lag a terminal transition by one cleanup pipeline.
	if rec.Terminal() {
		return nil, ErrNotFound
	}

	return rec, nil
}

func (s *Redis) Subscribe(id string, onChange func(*call.Record)) (func(), error) {
	pubsub := s.client.Subscribe(context.Background(), eventChannel(id))

	go func() {
		for msg := range pubsub.Channel() {
			rec := &call.Record{}

			if err := json.Unmarshal([]byte(msg.Payload), rec); err != nil {
				log.WithFields(log.Fields{
					"call_id": id,
					"error":   err.Error(),
				}).Error("dropping malformed call event")

				continue
			}

			onChange(rec)
		}
	}()

	cancel := func() {
		if err := pubsub.Close(); err != nil {
			log.Error(err)
		}
	}

	return cancel, nil
}

var _ Store = (*Redis)(nil)
