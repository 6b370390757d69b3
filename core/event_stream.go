package core

import (
	"context"
	"fmt"
	"sync"

	"escrowd/core/types"
	"escrowd/observability"
)

const eventBacklogLimit = 2048

// publishEvent persists the event and delivers the sequenced copy to every
// live subscriber. Appending and fanning out happen under one lock so
// subscribers never miss a sequence between their backlog read and their
// first delivery. Slow subscribers are skipped; they resynchronize from the
// log using the sequence cursor.
func (n *Node) publishEvent(evt *types.Event) {
	if n == nil || evt == nil {
		return
	}
	n.eventMu.Lock()
	sequenced, err := n.state.AppendEscrowEvent(evt)
	if err != nil {
		n.eventMu.Unlock()
		return
	}
	subscribers := make([]chan types.Event, 0, len(n.eventSubs))
	for _, ch := range n.eventSubs {
		subscribers = append(subscribers, ch)
	}
	n.eventMu.Unlock()

	observability.Events().RecordPublished(sequenced.Type, sequenced.Sequence)
	stream := observability.StreamMetrics()
	for _, ch := range subscribers {
		select {
		case ch <- *sequenced.Copy():
			stream.RecordDelivery()
		default:
			stream.RecordDrop()
		}
	}
}

// EventsSubscribe registers a subscriber for escrow events with sequence
// numbers strictly greater than the supplied cursor. The returned backlog
// holds the already persisted tail; subsequent events arrive on the channel.
// The cancel function releases the subscription and is safe to call more
// than once.
func (n *Node) EventsSubscribe(ctx context.Context, after uint64) (<-chan types.Event, func(), []types.Event, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan types.Event, 32)

	n.eventMu.Lock()
	if n.eventSubs == nil {
		n.eventSubs = make(map[uint64]chan types.Event)
	}
	id := n.eventNextID
	n.eventNextID++
	n.eventSubs[id] = updates
	backlog, err := n.state.EscrowEvents(after, eventBacklogLimit)
	if err != nil {
		delete(n.eventSubs, id)
		n.eventMu.Unlock()
		return nil, nil, nil, err
	}
	n.eventMu.Unlock()
	observability.StreamMetrics().SubscriberOpened()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.eventMu.Lock()
			sub, ok := n.eventSubs[id]
			if ok {
				delete(n.eventSubs, id)
				close(sub)
			}
			n.eventMu.Unlock()
			observability.StreamMetrics().SubscriberClosed()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
