// Package presence tracks which sessions are attached to a channel and the
// derived online/typing state. It is the fan-out point for broadcasts: the
// recipient set is always read from the registry at emit time, never from a
// snapshot taken earlier.
//
// Serialized by the channel worker like the other per-channel state.
package presence

import (
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/scheduler"
	"github.com/samber/lo"
)

// TypingTimeout is how long a typing entry survives without a refresh.
const TypingTimeout = 60 * time.Second

type typingState struct {
	entry models.TypingEntry
	task  *scheduler.Task
	// gen guards against an expiry callback that was already queued when the
	// entry got refreshed; a stale callback finds a newer generation and
	// leaves it alone.
	gen uint64
}

type Registry struct {
	channelId uint
	sessions  map[string]*models.PresenceEntry
	order     []string
	typing    map[string]*typingState
	submit    scheduler.SubmitFunc
	// onTypingExpire lets the channel broadcast the silent disappearance of
	// a typing entry; explicit StopTyping does not go through it.
	onTypingExpire func(name string)

	typingTimeout time.Duration
}

func NewRegistry(channelId uint, submit scheduler.SubmitFunc, onTypingExpire func(string)) *Registry {
	return &Registry{
		channelId:      channelId,
		sessions:       make(map[string]*models.PresenceEntry),
		typing:         make(map[string]*typingState),
		submit:         submit,
		onTypingExpire: onTypingExpire,
		typingTimeout:  TypingTimeout,
	}
}

// Attach registers a live session. Re-attaching the same session id just
// refreshes its entry.
func (v *Registry) Attach(entry models.PresenceEntry) {
	entry.ChannelID = v.channelId
	if _, ok := v.sessions[entry.SessionID]; !ok {
		v.order = append(v.order, entry.SessionID)
	}
	v.sessions[entry.SessionID] = &entry
}

// Detach drops the session and clears its user's typing entry; other users'
// typing timers are untouched. Detaching an unknown session is a no-op.
func (v *Registry) Detach(sessionId string) {
	entry, ok := v.sessions[sessionId]
	if !ok {
		return
	}
	delete(v.sessions, sessionId)
	v.order = lo.Without(v.order, sessionId)
	v.StopTyping(entry.Name)
}

// SetState updates a session's online state, for active/idle transitions.
func (v *Registry) SetState(sessionId string, state models.OnlineState) bool {
	entry, ok := v.sessions[sessionId]
	if ok {
		entry.State = state
	}
	return ok
}

// Sessions returns the attached entries in attach order.
func (v *Registry) Sessions() []models.PresenceEntry {
	return lo.Map(v.order, func(id string, _ int) models.PresenceEntry {
		return *v.sessions[id]
	})
}

// OnlineList splits the channel's members into online, offline and invited
// against the current registry state. Online users are deduplicated by
// account id with the entry attached last winning, so a user's freshest
// display snapshot is the one shown.
func (v *Registry) OnlineList(members []models.UserRef, invited []models.UserRef) (online, offline, pending []models.UserRef) {
	attached := make(map[uint]models.UserRef)
	var attachOrder []uint
	for _, id := range v.order {
		entry := v.sessions[id]
		if _, ok := attached[entry.UserID]; !ok {
			attachOrder = append(attachOrder, entry.UserID)
		}
		attached[entry.UserID] = models.UserRef{ID: entry.UserID, Name: entry.Name}
	}

	online = lo.Map(attachOrder, func(id uint, _ int) models.UserRef {
		return attached[id]
	})
	offline = lo.Filter(members, func(item models.UserRef, _ int) bool {
		_, ok := attached[item.ID]
		return !ok
	})
	pending = invited

	return
}

// StartTyping adds or refreshes the user's typing entry and reports whether
// it is new, so callers can pick between "X is typing" and appending to an
// existing list.
func (v *Registry) StartTyping(name string) bool {
	st, exists := v.typing[name]
	if exists {
		st.task.Cancel()
	} else {
		st = &typingState{}
		v.typing[name] = st
	}
	st.entry = models.TypingEntry{Name: name, ExpiresAt: time.Now().Add(v.typingTimeout)}
	st.gen++
	gen := st.gen
	st.task = scheduler.After(v.typingTimeout, v.submit, func() {
		current, ok := v.typing[name]
		if !ok || current.gen != gen {
			return
		}
		delete(v.typing, name)
		if v.onTypingExpire != nil {
			v.onTypingExpire(name)
		}
	})
	return !exists
}

// StopTyping removes the entry immediately and cancels its expiry.
func (v *Registry) StopTyping(name string) {
	st, ok := v.typing[name]
	if !ok {
		return
	}
	st.task.Cancel()
	delete(v.typing, name)
}

// Typing lists the users currently typing.
func (v *Registry) Typing() []models.TypingEntry {
	return lo.MapToSlice(v.typing, func(_ string, st *typingState) models.TypingEntry {
		return st.entry
	})
}
