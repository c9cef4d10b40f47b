// Package polls manages the timed lifecycle of polls attached to archive
// messages. A watcher stays in its channel's registry from creation until
// expiry or abort; a finished or aborted poll never comes back.
//
// The registry performs no locking; its channel worker serializes access,
// and expiry timers re-enter through the same worker queue.
package polls

import (
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// EndListener receives the outcome of one poll exactly once.
type EndListener func(winner string, votes int, voters []uint)

// ResultFunc is how the registry hands a finished poll back to the channel
// layer, which turns it into a result message replying to the origin.
type ResultFunc func(result models.PollResult, poll *models.Poll)

type Watcher struct {
	poll      *models.Poll
	task      *scheduler.Task
	listeners []EndListener
}

// OnEnd registers a one-shot listener for the poll's outcome. Listeners on
// an aborted poll are never called.
func (v *Watcher) OnEnd(fn EndListener) {
	v.listeners = append(v.listeners, fn)
}

func (v *Watcher) Poll() *models.Poll {
	return v.poll
}

type Registry struct {
	channelId uint
	watchers  map[int]*Watcher
	submit    scheduler.SubmitFunc
	onResult  ResultFunc
}

func NewRegistry(channelId uint, submit scheduler.SubmitFunc, onResult ResultFunc) *Registry {
	return &Registry{
		channelId: channelId,
		watchers:  make(map[int]*Watcher),
		submit:    submit,
		onResult:  onResult,
	}
}

// Create starts watching the poll and schedules its expiry; a deadline in
// the past fires immediately. The poll's id must already be the id of its
// hosting message.
func (v *Registry) Create(poll *models.Poll) *Watcher {
	watcher := &Watcher{poll: poll}
	watcher.task = scheduler.At(poll.ExpiresAt, v.submit, func() {
		v.expire(poll.ID)
	})
	v.watchers[poll.ID] = watcher
	log.Debug().Uint("channel", v.channelId).Int("poll", poll.ID).
		Time("expires_at", poll.ExpiresAt).Msg("Poll watcher created.")
	return watcher
}

// Get returns the active watcher, nil once the poll finished or aborted.
func (v *Registry) Get(pollId int) *Watcher {
	return v.watchers[pollId]
}

// Vote applies the user's choice. A vote for a different option first takes
// the prior vote back; voting the same option again changes nothing. Votes
// on finished or unknown polls are rejected silently.
func (v *Registry) Vote(pollId int, userId uint, option string) bool {
	watcher, ok := v.watchers[pollId]
	if !ok || watcher.poll.Finished {
		return false
	}
	target := watcher.poll.Option(option)
	if target == nil {
		return false
	}
	if lo.Contains(target.Voters, userId) {
		return true
	}

	for _, item := range watcher.poll.Options {
		if lo.Contains(item.Voters, userId) {
			item.Votes--
			item.Voters = lo.Without(item.Voters, userId)
		}
	}
	target.Votes++
	target.Voters = append(target.Voters, userId)

	return true
}

// Abort drops the poll without announcing a result, for when the hosting
// context goes away. Aborting an unknown poll is a no-op.
func (v *Registry) Abort(pollId int) {
	watcher, ok := v.watchers[pollId]
	if !ok {
		return
	}
	watcher.task.Cancel()
	delete(v.watchers, pollId)
}

// AbortAll tears down every active watcher, used when the channel itself is
// being destroyed.
func (v *Registry) AbortAll() {
	for id := range v.watchers {
		v.Abort(id)
	}
}

// Active reports how many polls are still being watched.
func (v *Registry) Active() int {
	return len(v.watchers)
}

func (v *Registry) expire(pollId int) {
	watcher, ok := v.watchers[pollId]
	if !ok {
		// Aborted after the timer fired but before the callback ran.
		return
	}
	delete(v.watchers, pollId)

	poll := watcher.poll
	poll.Finished = true

	winner := resolveWinner(poll.Options)
	if winner == nil {
		return
	}

	for _, fn := range watcher.listeners {
		fn(winner.Label, winner.Votes, winner.Voters)
	}
	watcher.listeners = nil

	if v.onResult != nil {
		v.onResult(models.PollResult{Winner: winner.Label, OriginID: poll.ID}, poll)
	}
}

// resolveWinner picks the option with the strictly greatest vote count.
// Ties go to the option listed first: the fold only replaces the leader on
// a strict improvement.
func resolveWinner(options []*models.PollOption) *models.PollOption {
	var winner *models.PollOption
	for _, item := range options {
		if winner == nil || item.Votes > winner.Votes {
			winner = item
		}
	}
	return winner
}

// RemainingTime reports how long the poll has left, zero when unknown.
func (v *Registry) RemainingTime(pollId int) time.Duration {
	watcher, ok := v.watchers[pollId]
	if !ok {
		return 0
	}
	if d := time.Until(watcher.poll.ExpiresAt); d > 0 {
		return d
	}
	return 0
}
