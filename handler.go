package candle

import (
	"sync"
	"sync/atomic"
)

// handler takes care of faning out published events to any subs
type handler struct {
	all        map[*Subscriber]struct{}
	submap     map[uint32]map[*Subscriber]struct{}
	globalSubs []*Subscriber
	dropped    atomic.Uint64
	onDrop     func(*Subscriber, Event)

	mu sync.RWMutex
}

func newHandler() *handler {
	return &handler{
		all:        make(map[*Subscriber]struct{}),
		submap:     make(map[uint32]map[*Subscriber]struct{}),
		globalSubs: make([]*Subscriber, 0, 8),
	}
}

func (h *handler) registerSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[sub] = struct{}{}
	if sub.filterCount == 0 {
		h.globalSubs = append(h.globalSubs, sub)
		return
	}
	for id := range sub.identifiers {
		if _, ok := h.submap[id]; !ok {
			h.submap[id] = make(map[*Subscriber]struct{})
		}
		h.submap[id][sub] = struct{}{}
	}
}

func (h *handler) unregisterSubscriber(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *handler) removeLocked(sub *Subscriber) {
	if _, ok := h.all[sub]; !ok {
		return
	}
	delete(h.all, sub)
	if sub.filterCount == 0 {
		for i, s := range h.globalSubs {
			if s == sub {
				h.globalSubs = append(h.globalSubs[:i], h.globalSubs[i+1:]...)
				break
			}
		}
	} else {
		for id := range sub.identifiers {
			if subs, ok := h.submap[id]; ok {
				delete(subs, sub)
				if len(subs) == 0 {
					delete(h.submap, id)
				}
			}
		}
	}
	close(sub.responseChan)
}

// closeAll unregisters every subscriber and closes their channels.
func (h *handler) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.all {
		h.removeLocked(sub)
	}
}

// deliver never blocks. Frames go to global subscribers and to the ones
// filtering on the frame identifier, faults go to everyone.
// We send while holding RLock on h.mu so a concurrent unregister cannot
// close a channel mid-send.
func (h *handler) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.Type != EventTypeFrame {
		for sub := range h.all {
			h.send(sub, ev)
		}
		return
	}
	for _, sub := range h.globalSubs {
		h.send(sub, ev)
	}
	if subs, ok := h.submap[ev.Frame.Identifier]; ok {
		for sub := range subs {
			h.send(sub, ev)
		}
	}
}

func (h *handler) send(sub *Subscriber, ev Event) {
	select {
	case sub.responseChan <- ev:
	default:
		h.dropped.Add(1)
		if h.onDrop != nil {
			h.onDrop(sub, ev)
		}
	}
}
