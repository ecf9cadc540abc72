package store

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"kincall/pkg/call"
)

// Memory is an in-process Store. It backs tests and the loopback demo mode,
// where both endpoints of a call live in one process.
//
// Each subscriber gets its own delivery goroutine fed by an ordered queue, so
// snapshots for one call id arrive in commit order even when the subscriber's
// callback is slow (see: subscriber.run()).
type Memory struct {
	mu      sync.Mutex
	records map[string]*call.Record
	subs    map[string][]*subscriber
}

type subscriber struct {
	onChange func(*call.Record)

	mu      sync.Mutex
	queue   []*call.Record
	wake    chan struct{}
	stopped bool
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*call.Record),
		subs:    make(map[string][]*subscriber),
	}
}

func (s *Memory) Insert(_ context.Context, rec *call.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(rec.ID) == 0 {
		rec.ID = uuid.New().String()
	}

	rec.Version = 1
	s.records[rec.ID] = rec.Clone()

	s.publishLocked(rec.ID)

	return rec.ID, nil
}

func (s *Memory) Update(_ context.Context, id string, patch Patch, expectedVersion int64) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	if expectedVersion > 0 && rec.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	next := rec.Clone()

	if err := patch(next); err != nil {
		return nil, err
	}

	next.Version = rec.Version + 1
	s.records[id] = next

	s.publishLocked(id)

	return next.Clone(), nil
}

func (s *Memory) Get(_ context.Context, id string) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	return rec.Clone(), nil
}

func (s *Memory) ActiveForParticipant(_ context.Context, participantID string) (*call.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if rec.Terminal() {
			continue
		}

		for _, id := range rec.Participants() {
			if id == participantID {
				return rec.Clone(), nil
			}
		}
	}

	return nil, ErrNotFound
}

func (s *Memory) Subscribe(id string, onChange func(*call.Record)) (func(), error) {
	sub := &subscriber{
		onChange: onChange,
		wake:     make(chan struct{}, 1),
	}

	go sub.run()

	s.mu.Lock()
	s.subs[id] = append(s.subs[id], sub)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()

		subs := s.subs[id]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[id] = append(subs[:i], subs[i+1:]...)

				break
			}
		}

		s.mu.Unlock()

		sub.stop()
	}

	return cancel, nil
}

func (s *Memory) publishLocked(id string) {
	rec, ok := s.records[id]
	if !ok {
		return
	}

	for _, sub := range s.subs[id] {
		sub.enqueue(rec.Clone())
	}
}

func (sub *subscriber) enqueue(rec *call.Record) {
	sub.mu.Lock()

	if sub.stopped {
		sub.mu.Unlock()

		return
	}

	sub.queue = append(sub.queue, rec)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) stop() {
	sub.mu.Lock()
	sub.stopped = true
	sub.queue = nil
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscriber) run() {
	for range sub.wake {
		for {
			sub.mu.Lock()

			if sub.stopped {
				sub.mu.Unlock()

				return
			}

			if len(sub.queue) == 0 {
				sub.mu.Unlock()

				break
			}

			rec := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()

			sub.onChange(rec)
		}
	}
}

var _ Store = (*Memory)(nil)
