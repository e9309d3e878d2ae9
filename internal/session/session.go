// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package session maintains the peer messaging session: durable
// store-and-forward publishing through the outbox queue and managed
// topic subscriptions that survive broker reconnects.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mveld/trailmesh/internal/logging"
	"github.com/mveld/trailmesh/internal/metrics"
	"github.com/mveld/trailmesh/internal/outbox"
	"github.com/mveld/trailmesh/internal/wire"
)

// Broker abstracts the message transport. The production implementation
// is NATSBroker; tests substitute an in-process fake.
type Broker interface {
	// Publish sends one payload to a topic, blocking until the broker
	// acknowledges or rejects it.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a message channel for a topic. The channel
	// closes when ctx is canceled or the broker shuts down.
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)

	// Connected reports current transport health.
	Connected() bool

	// Reconnects delivers a signal after every re-established
	// connection.
	Reconnects() <-chan struct{}

	Close() error
}

// Handler consumes one inbound payload from a subscribed topic.
type Handler func(ctx context.Context, topic string, payload []byte)

// FailureHandler is invoked when an outbound entry exhausts its
// retries. The entry stays in the queue in failed state until requeued
// or purged.
type FailureHandler func(entry *outbox.Entry)

type topicSub struct {
	handler Handler
	cancel  context.CancelFunc
}

// Session ties the outbox queue to a broker. Every publish is persisted
// before any transport attempt, so messages composed offline drain in
// order once connectivity returns. Delivery is strictly FIFO: a
// retryable head entry blocks everything behind it until it is sent or
// exhausts its retries.
type Session struct {
	broker   Broker
	queue    *outbox.Queue
	onFailed FailureHandler

	kick chan struct{}

	mu      sync.Mutex
	subs    map[string]*topicSub
	subCtx  context.Context
	running bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates a session over the given broker and durable queue.
// onFailed may be nil.
func New(broker Broker, queue *outbox.Queue, onFailed FailureHandler) *Session {
	return &Session{
		broker:   broker,
		queue:    queue,
		onFailed: onFailed,
		kick:     make(chan struct{}, 1),
		subs:     make(map[string]*topicSub),
	}
}

// Publish durably enqueues an encoded message and nudges the drain
// loop. It succeeds even when the broker is unreachable; delivery
// happens whenever the transport allows.
func (s *Session) Publish(ctx context.Context, topic string, msg wire.Message) error {
	payload, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, topic, payload, 1, false); err != nil {
		return err
	}
	s.nudge()
	return nil
}

// Subscribe registers a handler for a topic and starts consuming. A
// second Subscribe for the same topic replaces the handler.
func (s *Session) Subscribe(topic string, h Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.subs[topic]; ok {
		existing.cancel()
	}

	sub := &topicSub{handler: h}
	s.subs[topic] = sub
	if s.running {
		if err := s.startSubLocked(topic, sub); err != nil {
			delete(s.subs, topic)
			return err
		}
	}
	metrics.SessionSubscriptions.Set(float64(len(s.subs)))
	return nil
}

// Unsubscribe stops consuming a topic.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[topic]
	if !ok {
		return
	}
	if sub.cancel != nil {
		sub.cancel()
	}
	delete(s.subs, topic)
	metrics.SessionSubscriptions.Set(float64(len(s.subs)))
}

// Topics returns the currently subscribed topics.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.subs))
	for t := range s.subs {
		topics = append(topics, t)
	}
	return topics
}

// Serve runs the session until ctx is canceled: it drains the outbox
// toward the broker and keeps subscriptions alive across reconnects.
// Implements suture.Service.
func (s *Session) Serve(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.running = true
	s.subCtx = runCtx
	s.cancel = cancel
	s.done = make(chan struct{})
	for topic, sub := range s.subs {
		if err := s.startSubLocked(topic, sub); err != nil {
			logging.Error().Err(err).Str("topic", topic).Msg("initial subscribe failed")
		}
	}
	s.mu.Unlock()

	defer func() {
		cancel()
		s.mu.Lock()
		s.running = false
		close(s.done)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-s.broker.Reconnects():
			metrics.SessionConnects.Inc()
			logging.Info().Msg("broker reconnected, restoring subscriptions")
			s.resubscribeAll(runCtx)
			s.nudge()
		case <-s.kick:
			s.drain(runCtx)
		case <-ticker.C:
			s.drain(runCtx)
		}
	}
}

// drain walks the pending queue in enqueue order. The head entry gates
// progress: while its backoff has not elapsed, nothing behind it moves.
func (s *Session) drain(ctx context.Context) {
	if !s.broker.Connected() {
		return
	}

	entries, err := s.queue.Pending(ctx)
	if err != nil {
		logging.Error().Err(err).Msg("outbox scan failed")
		return
	}

	now := time.Now()
	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !s.queue.ReadyForRetry(entry, now) {
			return
		}
		if !s.deliver(ctx, entry) {
			return
		}
	}
}

// deliver attempts one entry. It returns false when the drain pass
// should stop: transport failure with retries remaining, or a queue
// error.
func (s *Session) deliver(ctx context.Context, entry *outbox.Entry) bool {
	if err := s.queue.MarkSending(ctx, entry.ID); err != nil {
		logging.Error().Err(err).Str("entry", entry.ID).Msg("mark sending failed")
		return false
	}

	err := s.broker.Publish(ctx, entry.Topic, entry.Payload)
	metrics.RecordPublish(err)
	if err == nil {
		if err := s.queue.MarkSent(ctx, entry.ID); err != nil {
			logging.Error().Err(err).Str("entry", entry.ID).Msg("mark sent failed")
		}
		return true
	}

	failedNow, qErr := s.queue.RecordAttempt(ctx, entry.ID, err.Error())
	if qErr != nil {
		logging.Error().Err(qErr).Str("entry", entry.ID).Msg("record attempt failed")
		return false
	}
	if failedNow {
		logging.Warn().
			Str("entry", entry.ID).
			Str("topic", entry.Topic).
			Int("retries", entry.RetryCount+1).
			Str("error", err.Error()).
			Msg("outbound message exhausted retries")
		if s.onFailed != nil {
			entry.Status = outbox.StatusFailed
			s.onFailed(entry)
		}
		// A permanently failed entry no longer blocks the queue.
		return true
	}

	logging.Debug().
		Str("entry", entry.ID).
		Str("topic", entry.Topic).
		Err(err).
		Msg("publish failed, will retry")
	return false
}

func (s *Session) resubscribeAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, sub := range s.subs {
		if sub.cancel != nil {
			sub.cancel()
		}
		if err := s.startSubLocked(topic, sub); err != nil {
			logging.Error().Err(err).Str("topic", topic).Msg("resubscribe failed")
		}
	}
}

func (s *Session) startSubLocked(topic string, sub *topicSub) error {
	subCtx, cancel := context.WithCancel(s.subCtx)
	msgs, err := s.broker.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return err
	}
	sub.cancel = cancel

	go func() {
		for msg := range msgs {
			sub.handler(subCtx, topic, msg.Payload)
			msg.Ack()
		}
	}()
	return nil
}

func (s *Session) nudge() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
