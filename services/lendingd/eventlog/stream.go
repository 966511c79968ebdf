package eventlog

import (
	"encoding/json"
	"sync"

	"vaultlend/core/events"
)

const subscriberBuffer = 64

// Message is the wire form of an event pushed to stream subscribers.
type Message struct {
	Height     uint64            `json:"height"`
	Type       string            `json:"type"`
	Market     string            `json:"market,omitempty"`
	Account    string            `json:"account,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// MessageFromRecord converts an archived record into its stream form.
func MessageFromRecord(rec Record) Message {
	msg := Message{Height: rec.Height, Type: rec.Type, Market: rec.Market, Account: rec.Account}
	if rec.Attributes != "" {
		_ = json.Unmarshal([]byte(rec.Attributes), &msg.Attributes)
	}
	return msg
}

// Matches reports whether msg passes the type, market and account filters.
// FromHeight and Limit only apply to archive queries.
func (f Filter) Matches(msg Message) bool {
	if f.Type != "" && f.Type != msg.Type {
		return false
	}
	if f.Market != "" && f.Market != msg.Market {
		return false
	}
	if f.Account != "" && f.Account != msg.Account {
		return false
	}
	return true
}

type subscriber struct {
	filter Filter
	ch     chan Message
}

// Broker fans committed events out to live subscribers. Delivery never blocks
// the emitter: a subscriber whose buffer is full is dropped and its channel
// closed.
type Broker struct {
	height func() uint64

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber
}

// NewBroker returns a broker stamping messages with the height reported by
// height. A nil height func stamps zero.
func NewBroker(height func() uint64) *Broker {
	return &Broker{height: height, subs: make(map[uint64]*subscriber)}
}

// Subscribe registers a subscriber for messages matching f. The returned
// cancel func is idempotent.
func (b *Broker) Subscribe(f Filter) (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{filter: f, ch: make(chan Message, subscriberBuffer)}
	b.subs[id] = sub
	return sub.ch, func() { b.remove(id) }
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Emit implements events.Emitter.
func (b *Broker) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	var height uint64
	if b.height != nil {
		height = b.height()
	}
	market, account, attrs := describe(evt)
	msg := Message{Height: height, Type: evt.EventType(), Market: market, Account: account, Attributes: attrs}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.filter.Matches(msg) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			delete(b.subs, id)
			close(sub.ch)
		}
	}
}
