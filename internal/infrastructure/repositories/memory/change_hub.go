package memory

import (
	"sync"

	"fleetdesk/internal/core/domain"
	"fleetdesk/internal/core/ports"
)

const subscriptionBuffer = 256

// changeHub fans committed row changes out to matching subscriptions.
type changeHub struct {
	mu   sync.RWMutex
	next int
	subs map[int]*subscription
}

func newChangeHub() *changeHub {
	return &changeHub{subs: make(map[int]*subscription)}
}

type subscription struct {
	id     int
	hub    *changeHub
	filter domain.ChangeFilter
	ch     chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Events() <-chan domain.ChangeEvent { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.hub.mu.Lock()
		delete(s.hub.subs, s.id)
		close(s.ch)
		s.hub.mu.Unlock()
	})
	return nil
}

func (h *changeHub) subscribe(filter domain.ChangeFilter) ports.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	s := &subscription{
		id:     h.next,
		hub:    h,
		filter: filter,
		ch:     make(chan domain.ChangeEvent, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	h.subs[s.id] = s
	return s
}

// publish delivers ev to every matching subscriber, blocking on a full
// buffer until the subscriber reads or closes.
func (h *changeHub) publish(ev domain.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.filter.Matches(ev) {
			continue
		}
		select {
		case s.ch <- ev:
		case <-s.done:
		}
	}
}

func (h *changeHub) closeAll() {
	h.mu.RLock()
	subs := make([]*subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}
