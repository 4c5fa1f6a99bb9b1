package events

import "sync"

// Bus fans events out to subscribers. Each subscriber has its own unbounded
// queue, so Publish never blocks and every subscriber sees events in publish order.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*subscription]struct{})}
}

type subscription struct {
	mu     sync.Mutex
	queue  []Event
	filter string
	signal chan struct{}
	out    chan Event
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns a channel of events, limited to docID when it is non-empty,
// and a cancel function that closes the channel.
func (b *Bus) Subscribe(docID string) (<-chan Event, func()) {
	s := &subscription{
		filter: docID,
		signal: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	go s.pump()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.once.Do(func() { close(s.done) })
	}
	return s.out, cancel
}

// Publish queues e for every matching subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.filter != "" && s.filter != e.DocumentID {
			continue
		}
		s.mu.Lock()
		s.queue = append(s.queue, e)
		s.mu.Unlock()
		select {
		case s.signal <- struct{}{}:
		default:
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
