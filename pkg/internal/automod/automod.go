// Package automod holds the per-channel anti-spam state machine. Each sender
// gets an independent history; the machine consumes a candidate message and
// returns a verdict, leaving the actual consequence (dropping the message,
// muting the sender) to the caller.
//
// Like the archive, an AutoMod instance is owned by its channel worker and
// performs no locking of its own.
package automod

import (
	"strconv"
	"strings"
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/scheduler"
	"github.com/rs/zerolog/log"
)

type Verdict int8

const (
	VerdictPass Verdict = iota
	VerdictSame
	VerdictSpam
	VerdictSlowSpam
	VerdictKick
	VerdictMuted
	VerdictTooLong
	VerdictTooShort
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictSame:
		return "same"
	case VerdictSpam:
		return "spam"
	case VerdictSlowSpam:
		return "slow-spam"
	case VerdictKick:
		return "kick"
	case VerdictMuted:
		return "muted"
	case VerdictTooLong:
		return "too-long"
	case VerdictTooShort:
		return "too-short"
	}
	return "unknown"
}

type Config struct {
	// Strictness scales both the minimum wait between messages
	// (strictness * 50ms) and the reactive tolerance window
	// (strictness * 2ms).
	Strictness    int `mapstructure:"strictness" validate:"min=0"`
	WarningsLevel int `mapstructure:"warnings_level" validate:"min=1"`
	MinLength     int `mapstructure:"min_length"`
	MaxLength     int `mapstructure:"max_length"`
}

func DefaultConfig() Config {
	return Config{
		Strictness:    3,
		WarningsLevel: 3,
		MinLength:     1,
		MaxLength:     4096,
	}
}

type senderState struct {
	previous   string
	previousAt time.Time
	warnings   int
	// baseline is the rolling inter-message interval the reactive detector
	// compares against; armed flips between detections so every other
	// in-tolerance interval fires.
	baseline time.Duration
	armed    bool
}

// senderKey separates the histories the machine tracks. Bot output arrives
// with a zero author id, so those senders are keyed by bot name; one bot's
// pacing must not flag another's.
func senderKey(msg *models.Message) string {
	if msg.Author.ID == 0 && msg.HasTag(models.MessageTagBot) {
		return "bot:" + msg.Author.Name
	}
	return userKey(msg.Author.ID)
}

func userKey(id uint) string {
	return "user:" + strconv.FormatUint(uint64(id), 10)
}

type AutoMod struct {
	channelId uint
	cfg       Config
	states    map[string]*senderState
	muted     map[uint]*scheduler.Task
	submit    scheduler.SubmitFunc
	onChange  func(userId uint, muted bool)

	now func() time.Time
}

// New builds the moderator for one channel. Timer callbacks (the scheduled
// unmutes) are routed through submit; onChange fires on every mute state
// transition and may be nil.
func New(channelId uint, cfg Config, submit scheduler.SubmitFunc, onChange func(uint, bool)) *AutoMod {
	return &AutoMod{
		channelId: channelId,
		cfg:       cfg,
		states:    make(map[string]*senderState),
		muted:     make(map[uint]*scheduler.Task),
		submit:    submit,
		onChange:  onChange,
		now:       time.Now,
	}
}

// Check runs the candidate message through the verdict pipeline. Flagged
// messages do not advance the sender's previous-message record; only a clean
// pass does.
func (v *AutoMod) Check(msg *models.Message) Verdict {
	sender := msg.Author.ID
	if v.IsMuted(sender) {
		return VerdictMuted
	}

	trimmed := strings.TrimSpace(msg.Text)
	if len(msg.Media) == 0 {
		if length := len([]rune(trimmed)); length < v.cfg.MinLength {
			return VerdictTooShort
		} else if v.cfg.MaxLength > 0 && length > v.cfg.MaxLength {
			return VerdictTooLong
		}
	}

	now := v.now()
	key := senderKey(msg)
	st, ok := v.states[key]
	if !ok {
		v.states[key] = &senderState{previous: trimmed, previousAt: now}
		return VerdictPass
	}

	if trimmed == st.previous {
		return VerdictSame
	}

	elapsed := now.Sub(st.previousAt)
	reactive := v.reactiveCheck(st, elapsed)
	st.baseline = elapsed

	verdict := VerdictPass
	minWait := time.Duration(v.cfg.Strictness) * 50 * time.Millisecond
	if elapsed < minWait {
		verdict = VerdictSpam
	} else if reactive {
		verdict = VerdictSlowSpam
	}

	if verdict != VerdictPass {
		st.warnings++
		if st.warnings >= v.cfg.WarningsLevel {
			st.warnings = 0
			return VerdictKick
		}
		return verdict
	}

	st.previous = trimmed
	st.previousAt = now
	return VerdictPass
}

// reactiveCheck catches senders pacing themselves just past the minimum
// wait: when the interval since their last recorded message lands within
// tolerance of the previous interval twice in a row, the second match fires.
// The armed flag toggles on each fire, so a sender on a steady metronome is
// flagged on every other message.
func (v *AutoMod) reactiveCheck(st *senderState, elapsed time.Duration) bool {
	if st.baseline <= 0 {
		return false
	}
	tolerance := time.Duration(v.cfg.Strictness) * 2 * time.Millisecond
	delta := elapsed - st.baseline
	if delta < 0 {
		delta = -delta
	}
	if delta > tolerance {
		st.armed = false
		return false
	}
	if st.armed {
		st.armed = false
		return true
	}
	st.armed = true
	return false
}

// Warnings exposes the sender's current warning counter.
func (v *AutoMod) Warnings(userId uint) int {
	if st, ok := v.states[userKey(userId)]; ok {
		return st.warnings
	}
	return 0
}

// Mute silences the user and schedules the automatic unmute. Muting again
// replaces the pending deadline.
func (v *AutoMod) Mute(userId uint, duration time.Duration) {
	if task, ok := v.muted[userId]; ok {
		task.Cancel()
	}
	v.muted[userId] = scheduler.After(duration, v.submit, func() {
		v.Unmute(userId)
	})
	log.Debug().Uint("channel", v.channelId).Uint("user", userId).
		Dur("duration", duration).Msg("User has been muted.")
	if v.onChange != nil {
		v.onChange(userId, true)
	}
}

// Unmute lifts the mute ahead of its deadline. Unmuting a user who is not
// muted (for instance from a timer that lost a race with an explicit unmute)
// is a no-op.
func (v *AutoMod) Unmute(userId uint) {
	task, ok := v.muted[userId]
	if !ok {
		return
	}
	task.Cancel()
	delete(v.muted, userId)
	if v.onChange != nil {
		v.onChange(userId, false)
	}
}

func (v *AutoMod) IsMuted(userId uint) bool {
	_, ok := v.muted[userId]
	return ok
}
