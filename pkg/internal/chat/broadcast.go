package chat

import "sync"

// Broadcast fans events out to whatever transports are attached upstream.
// Emission is fire-and-forget; the core never consumes a return value.
type Broadcast interface {
	Emit(channelId uint, event string, payload any)
}

// LocalBus is the in-process Broadcast used by tests and by deployments
// embedding the core directly. Subscribers are read at emit time, so a
// listener attached between two events sees exactly the second one.
type LocalBus struct {
	mu   sync.Mutex
	subs map[uint][]*subscription
}

type subscription struct {
	fn func(event string, payload any)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[uint][]*subscription)}
}

// Subscribe attaches a listener to one channel's event stream and returns
// the detach function.
func (v *LocalBus) Subscribe(channelId uint, fn func(event string, payload any)) func() {
	sub := &subscription{fn: fn}
	v.mu.Lock()
	v.subs[channelId] = append(v.subs[channelId], sub)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		list := v.subs[channelId]
		for idx, item := range list {
			if item == sub {
				v.subs[channelId] = append(list[:idx], list[idx+1:]...)
				return
			}
		}
	}
}

func (v *LocalBus) Emit(channelId uint, event string, payload any) {
	v.mu.Lock()
	list := make([]*subscription, len(v.subs[channelId]))
	copy(list, v.subs[channelId])
	v.mu.Unlock()

	for _, item := range list {
		item.fn(event, payload)
	}
}
