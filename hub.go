package ridecore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// how long a delivery may block on a subscriber before the subscriber
// is judged stalled and dropped (variable for tests)
var hubSendTimeout = time.Second

const subscriberBuffer = 8

// Notification is what subscribers receive on every state change:
// the snapshot plus its liveness classification at delivery time.
type Notification struct {
	State    UserLiveState
	Liveness LivenessStatus
}

// Hub fans state changes out to any number of subscribers. Each
// subscription owns a coalescing mailbox and a delivery goroutine, so
// publishing never blocks on a slow consumer: a subscriber that stalls
// past the send timeout is unsubscribed instead of stalling producers.
// Intermediate states may be coalesced; a subscriber always eventually
// observes the latest state of every watched user, in timestamp order
// per user.
type Hub struct {
	// OnDrop, when set before use, is called with the subscription id
	// whenever the backpressure policy removes a subscriber.
	OnDrop func(id string)

	mu      sync.Mutex
	subs    map[string]*subscription
	dropped atomic.Int64
}

type subscription struct {
	id      string
	watched map[string]bool
	out     chan Notification

	mu      sync.Mutex
	pending map[string]UserLiveState
	order   []string

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]*subscription),
	}
}

// Subscribe registers interest in the given user ids and returns the
// subscription id together with the delivery channel. The channel is
// closed when the subscription ends, whether by Unsubscribe or by the
// backpressure policy.
func (h *Hub) Subscribe(userIDs ...string) (string, <-chan Notification) {
	sub := &subscription{
		id:      uuid.NewString(),
		watched: make(map[string]bool, len(userIDs)),
		out:     make(chan Notification, subscriberBuffer),
		pending: make(map[string]UserLiveState),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, id := range userIDs {
		sub.watched[id] = true
	}
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	go sub.run(h)
	return sub.id, sub.out
}

// Unsubscribe ends the subscription and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers a state change to every subscription watching the
// user. The call only takes per-subscription mailbox locks briefly and
// never waits on consumer channels.
func (h *Hub) Publish(state UserLiveState) {
	h.mu.Lock()
	var targets []*subscription
	for _, sub := range h.subs {
		if sub.watched[state.UserID] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range targets {
		sub.offer(state)
	}
}

// DroppedSubscribers reports how many subscribers were removed by the
// backpressure policy.
func (h *Hub) DroppedSubscribers() int64 {
	return h.dropped.Load()
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*subscription)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (sub *subscription) close() {
	sub.closeOnce.Do(func() {
		close(sub.done)
	})
}

// offer coalesces the state into the mailbox: at most one pending
// snapshot per user, replaced in place so a slow consumer skips
// intermediate states rather than queueing them.
func (sub *subscription) offer(state UserLiveState) {
	sub.mu.Lock()
	if _, queued := sub.pending[state.UserID]; !queued {
		sub.order = append(sub.order, state.UserID)
	}
	sub.pending[state.UserID] = state
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *subscription) next() (UserLiveState, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.order) == 0 {
		return UserLiveState{}, false
	}
	id := sub.order[0]
	sub.order = sub.order[1:]
	state := sub.pending[id]
	delete(sub.pending, id)
	return state, true
}

// run drains the mailbox into the subscriber channel. The out channel
// is closed here and only here, after delivery has stopped for good.
func (sub *subscription) run(h *Hub) {
	defer close(sub.out)
	timer := time.NewTimer(hubSendTimeout)
	defer timer.Stop()
	for {
		select {
		case <-sub.done:
			return
		case <-sub.wake:
		}
		for {
			state, ok := sub.next()
			if !ok {
				break
			}
			n := Notification{
				State:    state,
				Liveness: state.Liveness(time.Now()),
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(hubSendTimeout)
			select {
			case sub.out <- n:
			case <-sub.done:
				return
			case <-timer.C:
				log.WithField("subscription", sub.id).
					Warn("dropping stalled subscriber")
				h.dropped.Add(1)
				h.mu.Lock()
				delete(h.subs, sub.id)
				h.mu.Unlock()
				sub.close()
				if h.OnDrop != nil {
					h.OnDrop(sub.id)
				}
				return
			}
		}
	}
}
