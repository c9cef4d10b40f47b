// Package chat composes the archive, automod, poll and presence cores into
// channels, applies membership and permission rules on top of them, and
// fans results out through the Broadcast interface. One worker goroutine
// per channel serializes every mutation, timer callbacks included.
package chat

import (
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/archive"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/automod"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/polls"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/presence"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrValidation       = errors.New("malformed request")
	ErrPermissionDenied = errors.New("not allowed in this channel")
	// ErrVetoed reports that a bot filter refused the message, or that no
	// hook accepted a bot's output.
	ErrVetoed = errors.New("rejected by channel bots")
)

// RejectedError carries the automod verdict that stopped a message.
type RejectedError struct {
	Verdict automod.Verdict
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("message rejected: %s", e.Verdict)
}

// Members with this power level or above may remove other users' messages.
const PowerLevelModerator = 50

// UserDirectory is the external account and membership lookup the core
// consumes; package directory carries the gorm-backed implementation.
type UserDirectory interface {
	Get(id uint) (models.UserRef, bool)
	Members(channelId uint) []models.UserRef
	Invited(channelId uint) []models.UserRef
	IsMember(channelId, userId uint) bool
	PowerLevel(channelId, userId uint) int
}

type Channel struct {
	id        uint
	worker    *worker
	archive   *archive.Archive
	automod   *automod.AutoMod
	polls     *polls.Registry
	presence  *presence.Registry
	bots      *BotHookRegistry
	directory UserDirectory
	broadcast Broadcast
	cfg       Config
}

func newChannel(id uint, dir UserDirectory, store storage.SegmentStore, bus Broadcast, cfg Config) (*Channel, error) {
	out := &Channel{
		id:        id,
		worker:    newWorker(cfg.QueueDepth),
		directory: dir,
		broadcast: bus,
		cfg:       cfg,
	}

	arc, err := archive.New(id, store)
	if err != nil {
		out.worker.close()
		return nil, err
	}
	out.archive = arc

	submit := func(fn func()) { out.worker.submit(fn) }
	out.automod = automod.New(id, cfg.AutoMod, submit, func(userId uint, muted bool) {
		event := models.EventModUnmuted
		if muted {
			event = models.EventModMuted
		}
		bus.Emit(id, event, models.ModStateBody{ChannelID: id, UserID: userId, Muted: muted})
	})
	out.polls = polls.NewRegistry(id, submit, out.finishPoll)
	out.presence = presence.NewRegistry(id, submit, func(name string) {
		bus.Emit(id, models.EventTypingStatus, models.TypingStatusBody{ChannelID: id, Name: name, Active: false})
	})
	out.bots = newBotHookRegistry(id)

	// Polls that were still running when the previous process stopped get
	// their watchers back; ones that expired while we were down resolve at
	// once through the clamped timer.
	iter := arc.Messages(archive.Forward)
	for msg, ok := iter.Next(); ok; msg, ok = iter.Next() {
		if msg.Poll != nil && !msg.Poll.Finished {
			out.polls.Create(msg.Poll)
		}
	}

	return out, nil
}

func (v *Channel) ID() uint { return v.id }

// SendRequest is the boundary payload for posting a message.
type SendRequest struct {
	SenderID  uint         `json:"sender_id" validate:"required"`
	Text      string       `json:"text" validate:"required_without=Media"`
	Media     []string     `json:"media" validate:"max=16"`
	ReplyTo   *int         `json:"reply_to"`
	Ephemeral bool         `json:"ephemeral"`
	Poll      *PollRequest `json:"poll"`
}

type PollRequest struct {
	Question string        `json:"question" validate:"required,max=256"`
	Options  []string      `json:"options" validate:"min=2,max=12,dive,required,max=64"`
	Duration time.Duration `json:"duration" validate:"required"`
}

// SendMessage runs the full intake pipeline: validation, membership, bot
// filters, the automod verdict, then append and fan-out. A Kick verdict
// additionally mutes the sender for the configured duration.
func (v *Channel) SendMessage(req SendRequest) (*models.Message, error) {
	if err := validate.Struct(req); err != nil {
		log.Warn().Err(err).Uint("channel", v.id).Msg("Dropping malformed send request...")
		return nil, ErrValidation
	}

	var msg *models.Message
	var outErr error
	if err := v.worker.do(func() {
		msg, outErr = v.sendLocked(req)
	}); err != nil {
		return nil, err
	}
	return msg, outErr
}

func (v *Channel) sendLocked(req SendRequest) (*models.Message, error) {
	if !v.directory.IsMember(v.id, req.SenderID) {
		return nil, ErrPermissionDenied
	}
	author, ok := v.directory.Get(req.SenderID)
	if !ok {
		return nil, ErrPermissionDenied
	}

	msg := &models.Message{
		Author:   author,
		Text:     req.Text,
		Media:    req.Media,
		NotSaved: req.Ephemeral,
	}
	if req.ReplyTo != nil {
		if target := v.archive.Get(*req.ReplyTo); target != nil {
			msg.ReplyTo = target.Snapshot()
		}
	}

	if v.bots.Veto(msg) {
		return nil, ErrVetoed
	}

	switch verdict := v.automod.Check(msg); verdict {
	case automod.VerdictPass:
	case automod.VerdictKick:
		v.automod.Mute(req.SenderID, v.cfg.KickDuration)
		return nil, RejectedError{Verdict: verdict}
	default:
		return nil, RejectedError{Verdict: verdict}
	}

	id := v.archive.Append(msg)
	if req.Poll != nil {
		msg.Poll = &models.Poll{
			ID:       id,
			Question: req.Poll.Question,
			Options: lo.Map(req.Poll.Options, func(label string, _ int) *models.PollOption {
				return &models.PollOption{Label: label}
			}),
			ExpiresAt: time.Now().Add(req.Poll.Duration),
			Creator:   author,
		}
		v.polls.Create(msg.Poll)
	}

	v.broadcast.Emit(v.id, models.EventMessageNew, msg)
	return msg, nil
}

// GetMessage addresses one message; nil when out of range.
func (v *Channel) GetMessage(id int) *models.Message {
	var msg *models.Message
	v.worker.do(func() { msg = v.archive.Get(id) })
	return msg
}

// EditMessage replaces the text of the requester's own message.
func (v *Channel) EditMessage(requesterId uint, id int, text string) error {
	var outErr error
	v.worker.do(func() {
		msg := v.archive.Get(id)
		if msg == nil {
			outErr = archive.ErrNotFound
			return
		}
		if msg.Author.ID != requesterId {
			outErr = ErrPermissionDenied
			return
		}
		if outErr = v.archive.Edit(id, text); outErr == nil {
			v.broadcast.Emit(v.id, models.EventMessageEdit, msg)
		}
	})
	return outErr
}

// DeleteMessage redacts a message. Authors may remove their own; anyone at
// or above the moderator power level may remove others'. A still-running
// poll hosted by the message is aborted without a result.
func (v *Channel) DeleteMessage(requesterId uint, id int) error {
	var outErr error
	v.worker.do(func() {
		msg := v.archive.Get(id)
		if msg == nil {
			outErr = archive.ErrNotFound
			return
		}
		if msg.Author.ID != requesterId && v.directory.PowerLevel(v.id, requesterId) < PowerLevelModerator {
			outErr = ErrPermissionDenied
			return
		}
		if msg.Poll != nil && !msg.Poll.Finished {
			v.polls.Abort(msg.Poll.ID)
		}
		if outErr = v.archive.Delete(id); outErr == nil {
			v.broadcast.Emit(v.id, models.EventMessageDelete, msg)
		}
	})
	return outErr
}

// ToggleReaction flips the member's reaction and reports whether it is
// present afterwards.
func (v *Channel) ToggleReaction(userId uint, id int, emoji string) (bool, error) {
	var present bool
	var outErr error
	v.worker.do(func() {
		if !v.directory.IsMember(v.id, userId) {
			outErr = ErrPermissionDenied
			return
		}
		user, ok := v.directory.Get(userId)
		if !ok {
			outErr = ErrPermissionDenied
			return
		}
		present, outErr = v.archive.ToggleReaction(id, emoji, user)
		if outErr == nil {
			v.broadcast.Emit(v.id, models.EventMessageReact, map[string]any{
				"id":      id,
				"emoji":   emoji,
				"user":    user,
				"present": present,
			})
		}
	})
	return present, outErr
}

// MarkRead advances the member's read anchor and returns the ids whose read
// icons changed.
func (v *Channel) MarkRead(userId uint, id int) ([]int, error) {
	var updated []int
	var outErr error
	v.worker.do(func() {
		user, ok := v.directory.Get(userId)
		if !ok {
			outErr = ErrPermissionDenied
			return
		}
		updated, outErr = v.archive.MarkRead(user, id)
		if outErr == nil {
			v.broadcast.Emit(v.id, models.EventMessageRead, map[string]any{
				"user":    user,
				"updated": updated,
			})
		}
	})
	return updated, outErr
}

func (v *Channel) UnreadInfo(userId uint) models.UnreadInfo {
	var out models.UnreadInfo
	v.worker.do(func() { out = v.archive.UnreadInfo(userId) })
	return out
}

// History collects up to limit messages walking the archive in the given
// direction; limit <= 0 collects everything.
func (v *Channel) History(dir archive.Direction, limit int, startSegment ...int) []*models.Message {
	var out []*models.Message
	v.worker.do(func() {
		out = v.archive.Messages(dir, startSegment...).Collect(limit)
	})
	return out
}

// Vote applies a member's poll choice; rejected votes report false.
func (v *Channel) Vote(userId uint, pollId int, option string) bool {
	var ok bool
	v.worker.do(func() {
		if !v.directory.IsMember(v.id, userId) {
			return
		}
		if ok = v.polls.Vote(pollId, userId, option); ok {
			// The vote mutated the poll on its hosting message in place.
			v.archive.Touch(pollId)
			v.broadcast.Emit(v.id, models.EventPollVote, map[string]any{
				"poll":   pollId,
				"user":   userId,
				"option": option,
			})
		}
	})
	return ok
}

// AbortPoll cancels a running poll without announcing a winner.
func (v *Channel) AbortPoll(pollId int) {
	v.worker.do(func() { v.polls.Abort(pollId) })
}

// OnPollEnd registers a one-shot outcome listener; false when the poll is
// not active.
func (v *Channel) OnPollEnd(pollId int, fn polls.EndListener) bool {
	var ok bool
	v.worker.do(func() {
		if watcher := v.polls.Get(pollId); watcher != nil {
			watcher.OnEnd(fn)
			ok = true
		}
	})
	return ok
}

// finishPoll turns a resolved poll into a result message replying to the
// origin. Runs on the worker; the registry routes expiry through it.
func (v *Channel) finishPoll(result models.PollResult, poll *models.Poll) {
	// The registry flipped Finished on the origin message; its segment has
	// to be rewritten even when it was flushed clean before the deadline.
	v.archive.Touch(poll.ID)

	msg := &models.Message{
		Author: poll.Creator,
		Text:   fmt.Sprintf("The poll \"%s\" has finished, %s wins.", poll.Question, result.Winner),
		Tags:   []string{models.MessageTagBot},
	}
	if origin := v.archive.Get(poll.ID); origin != nil {
		msg.ReplyTo = origin.Snapshot()
	}
	v.archive.Append(msg)

	payload := map[string]any{"message": msg}
	models.FitStruct(result, &payload)
	v.broadcast.Emit(v.id, models.EventPollFinish, payload)
}

// Attach registers a live session for the user and returns its session id.
func (v *Channel) Attach(userId uint) (string, error) {
	var sessionId string
	var outErr error
	v.worker.do(func() {
		if !v.directory.IsMember(v.id, userId) {
			outErr = ErrPermissionDenied
			return
		}
		user, _ := v.directory.Get(userId)
		sessionId = uuid.NewString()
		v.presence.Attach(models.PresenceEntry{
			SessionID: sessionId,
			UserID:    userId,
			Name:      user.Name,
			State:     models.OnlineStateOnline,
		})
		v.emitOnlineList()
	})
	return sessionId, outErr
}

// Detach drops the session; unknown ids are ignored.
func (v *Channel) Detach(sessionId string) {
	v.worker.do(func() {
		v.presence.Detach(sessionId)
		v.emitOnlineList()
	})
}

// OnlineList splits the membership into online, offline and invited against
// the live registry.
func (v *Channel) OnlineList() (online, offline, invited []models.UserRef) {
	v.worker.do(func() {
		online, offline, invited = v.presence.OnlineList(
			v.directory.Members(v.id), v.directory.Invited(v.id))
	})
	return
}

func (v *Channel) emitOnlineList() {
	online, offline, invited := v.presence.OnlineList(
		v.directory.Members(v.id), v.directory.Invited(v.id))
	v.broadcast.Emit(v.id, models.EventSystemChanges, map[string]any{
		"online":  online,
		"offline": offline,
		"invited": invited,
	})
}

// StartTyping adds or refreshes the member's typing entry.
func (v *Channel) StartTyping(userId uint) {
	v.worker.do(func() {
		user, ok := v.directory.Get(userId)
		if !ok {
			return
		}
		fresh := v.presence.StartTyping(user.Name)
		if fresh {
			v.broadcast.Emit(v.id, models.EventTypingStatus, models.TypingStatusBody{
				ChannelID: v.id, Name: user.Name, Active: true,
			})
		}
	})
}

func (v *Channel) StopTyping(userId uint) {
	v.worker.do(func() {
		user, ok := v.directory.Get(userId)
		if !ok {
			return
		}
		v.presence.StopTyping(user.Name)
		v.broadcast.Emit(v.id, models.EventTypingStatus, models.TypingStatusBody{
			ChannelID: v.id, Name: user.Name, Active: false,
		})
	})
}

// Typing lists who is typing right now.
func (v *Channel) Typing() []models.TypingEntry {
	var out []models.TypingEntry
	v.worker.do(func() { out = v.presence.Typing() })
	return out
}

// AddBot registers a bot's capabilities with the channel.
func (v *Channel) AddBot(bot Bot) {
	v.worker.do(func() { v.bots.AddBot(bot) })
}

// AddHook registers an output hook.
func (v *Channel) AddHook(fn Hook) {
	v.worker.do(func() { v.bots.AddHook(fn) })
}

// InvokeBot addresses a command to a named bot with pre-tokenized args and
// pushes whatever it produced through the output pipeline.
func (v *Channel) InvokeBot(name string, args []string) (*models.Message, error) {
	var msg *models.Message
	var outErr error
	v.worker.do(func() {
		output, ok := v.bots.Invoke(name, args)
		if !ok {
			outErr = ErrPermissionDenied
			return
		}
		msg, outErr = v.pushBotOutputLocked(BotOutput{Bot: name, Text: output})
	})
	return msg, outErr
}

// PushBotOutput offers bot output to the registered hooks; accepted output
// passes the same automod check as user messages before it is archived with
// a BOT tag.
func (v *Channel) PushBotOutput(output BotOutput) (*models.Message, error) {
	var msg *models.Message
	var outErr error
	v.worker.do(func() {
		msg, outErr = v.pushBotOutputLocked(output)
	})
	return msg, outErr
}

func (v *Channel) pushBotOutputLocked(output BotOutput) (*models.Message, error) {
	if !v.bots.Dispatch(output) {
		return nil, ErrVetoed
	}

	msg := &models.Message{
		Author: models.UserRef{Name: output.Bot},
		Text:   output.Text,
		Tags:   []string{models.MessageTagBot},
	}
	switch verdict := v.automod.Check(msg); verdict {
	case automod.VerdictPass:
	case automod.VerdictKick:
		v.automod.Mute(msg.Author.ID, v.cfg.KickDuration)
		return nil, RejectedError{Verdict: verdict}
	default:
		return nil, RejectedError{Verdict: verdict}
	}

	v.archive.Append(msg)
	v.broadcast.Emit(v.id, models.EventMessageNew, msg)
	return msg, nil
}

// Mute silences a member for the duration; the automatic unmute is
// scheduled through the channel queue.
func (v *Channel) Mute(requesterId, userId uint, duration time.Duration) error {
	var outErr error
	v.worker.do(func() {
		if v.directory.PowerLevel(v.id, requesterId) < PowerLevelModerator {
			outErr = ErrPermissionDenied
			return
		}
		v.automod.Mute(userId, duration)
	})
	return outErr
}

func (v *Channel) Unmute(requesterId, userId uint) error {
	var outErr error
	v.worker.do(func() {
		if v.directory.PowerLevel(v.id, requesterId) < PowerLevelModerator {
			outErr = ErrPermissionDenied
			return
		}
		v.automod.Unmute(userId)
	})
	return outErr
}

func (v *Channel) IsMuted(userId uint) bool {
	var muted bool
	v.worker.do(func() { muted = v.automod.IsMuted(userId) })
	return muted
}

// Stats reports the archive's shape for the channel.
func (v *Channel) Stats() (length int, bytes int64, segments int) {
	v.worker.do(func() {
		length = v.archive.Len()
		bytes = v.archive.ByteSize()
		segments = v.archive.SegmentCount()
	})
	return
}

// Flush persists dirty segments.
func (v *Channel) Flush() error {
	var outErr error
	v.worker.do(func() { outErr = v.archive.Flush() })
	return outErr
}
