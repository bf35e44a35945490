// Package bus implements the typed in-process publish/subscribe hub that
// every other component uses to talk to every other component: consensus
// events, data-availability events, outbound/inbound network messages, and
// synchronous "Query" round trips such as Consensus asking Mempool for a Cut.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// defaultSubscriberBuffer bounds how far a subscriber may lag the publisher
// before messages addressed to it are dropped. It does not bound the bus
// itself: other subscribers of the same message are unaffected.
const defaultSubscriberBuffer = 64

type subscriber struct {
	send func(msg any) bool
}

// Bus routes published messages to every subscriber registered for that
// message's concrete type. A Bus has no behavior of its own; components
// hold a *Bus handle passed in at construction rather than reaching for a
// global singleton.
type Bus struct {
	mu   sync.Mutex
	subs map[reflect.Type][]subscriber
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[reflect.Type][]subscriber)}
}

// Subscribe registers a new listener for messages of exact type T and
// returns the channel they will arrive on. Delivery to each subscriber is
// FIFO; per the bus's ordering guarantee this holds per (publisher,
// subscriber, type) pair, never across types. A subscriber whose buffer is
// full when a message is published simply misses that message — Publish
// never blocks on a slow consumer.
func Subscribe[T any](b *Bus) <-chan T {
	ch := make(chan T, defaultSubscriberBuffer)
	t := reflect.TypeOf((*T)(nil)).Elem()
	sub := subscriber{send: func(msg any) bool {
		typed, ok := msg.(T)
		if !ok {
			return false
		}
		select {
		case ch <- typed:
			return true
		default:
			return false
		}
	}}
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()
	return ch
}

// Publish fans msg out to every subscriber registered for T.
func Publish[T any](b *Bus, msg T) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	b.mu.Lock()
	subs := append([]subscriber(nil), b.subs[t]...)
	b.mu.Unlock()
	for _, s := range subs {
		s.send(msg)
	}
}

// Query is the envelope for a synchronous request/reply round trip over the
// bus — e.g. Consensus's QueryNewCut to Mempool. Req is carried as the
// Query's own payload so a handler subscribes with Subscribe[*Query[Req,
// Resp]](bus) and answers with Reply.
type Query[Req, Resp any] struct {
	Request Req

	reply chan Resp
}

// Reply answers the query exactly once. The reply channel is buffered so a
// handler is never blocked waiting for a caller that has already given up;
// replying to an abandoned query is a no-op.
func (q *Query[Req, Resp]) Reply(resp Resp) {
	select {
	case q.reply <- resp:
	default:
	}
}

// Ask publishes a Query[Req, Resp] carrying req and blocks for its reply, or
// until ctx is done. On cancellation the query's reply channel is left for
// the handler to write into harmlessly; the handler is not told that the
// caller gave up, and its reply is discarded.
func Ask[Req, Resp any](ctx context.Context, b *Bus, req Req) (Resp, error) {
	q := &Query[Req, Resp]{Request: req, reply: make(chan Resp, 1)}
	Publish(b, q)
	var zero Resp
	select {
	case resp := <-q.reply:
		return resp, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("bus: query %T: %w", req, ctx.Err())
	}
}
