// Package archive implements the segmented, append-only message log of one
// channel. An Archive owns every mutation of its messages (edit, delete,
// react, read tracking) and knows nothing about rooms, bots, or transports.
//
// An Archive is not safe for concurrent use. The channel worker owns it and
// serializes every call, including timer callbacks (see package chat).
package archive

import (
	"errors"
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/storage"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var (
	ErrNotFound  = errors.New("message does not exist")
	ErrStaleRead = errors.New("read anchor cannot move backwards")
)

type Archive struct {
	channelId uint
	store     storage.SegmentStore

	segments [][]*models.Message
	byteSize int64
	lastRead map[uint]int
	dirty    map[int]struct{}
}

// New loads the channel's persisted segments from the store and resumes
// appending after them. A nil store gives a purely volatile archive.
func New(channelId uint, store storage.SegmentStore) (*Archive, error) {
	out := &Archive{
		channelId: channelId,
		store:     store,
		lastRead:  make(map[uint]int),
		dirty:     make(map[int]struct{}),
	}
	if store == nil {
		return out, nil
	}

	meta, err := store.ReadMeta(channelId)
	if err != nil {
		return nil, err
	}
	if meta.LastRead != nil {
		out.lastRead = meta.LastRead
	}
	for idx := 0; idx < meta.Segments; idx++ {
		segment, err := store.ReadSegment(channelId, idx)
		if err != nil {
			if errors.Is(err, storage.ErrSegmentMissing) {
				break
			}
			return nil, err
		}
		for off, msg := range segment {
			if msg == nil {
				// Slot of an ephemeral message that was never persisted.
				segment[off] = redactedStub(idx*models.SegmentSize + off)
			}
		}
		out.segments = append(out.segments, segment)
		out.byteSize += encodedSize(segment)
	}

	return out, nil
}

func redactedStub(id int) *models.Message {
	msg := &models.Message{
		ID:      id,
		Author:  models.UserRef{Name: models.DeletedMessageAuthor},
		Text:    models.DeletedMessageText,
		Deleted: true,
	}
	msg.StampTag(models.MessageTagDeleted)
	return msg
}

func encodedSize(v any) int64 {
	raw, _ := jsoniter.Marshal(v)
	return int64(len(raw))
}

// Append assigns the next id and places the message at its slot, opening a
// fresh segment first when the last one is full. A message arriving with an
// id already set is accepted but flagged; the archive's own id wins.
func (v *Archive) Append(msg *models.Message) int {
	if msg.ID != 0 {
		log.Warn().Int("id", msg.ID).Uint("channel", v.channelId).
			Msg("A message arrived with a preset id; it will be reassigned.")
	}
	msg.ID = v.Len()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if len(msg.Uuid) == 0 {
		msg.Uuid = uuid.NewString()
	}

	last := len(v.segments) - 1
	if last < 0 || len(v.segments[last]) >= models.SegmentSize {
		v.segments = append(v.segments, make([]*models.Message, 0, models.SegmentSize))
		last++
	}
	v.segments[last] = append(v.segments[last], msg)
	v.byteSize += encodedSize(msg)
	v.dirty[last] = struct{}{}

	return msg.ID
}

// Get addresses a message in O(1) via segment math. Out-of-range ids give
// nil, never an error.
func (v *Archive) Get(id int) *models.Message {
	if id < 0 || id >= v.Len() {
		return nil
	}
	return v.segments[models.SegmentIndex(id)][models.SegmentOffset(id)]
}

// Delete redacts the message in place. The id and original timestamp are
// preserved; content and author are replaced with fixed placeholders and
// exactly one DELETED tag is stamped.
func (v *Archive) Delete(id int) error {
	msg := v.Get(id)
	if msg == nil {
		return ErrNotFound
	}
	msg.Text = models.DeletedMessageText
	msg.Author = models.UserRef{Name: models.DeletedMessageAuthor}
	msg.Media = nil
	msg.Reactions = nil
	msg.ReplyTo = nil
	msg.Deleted = true
	msg.StampTag(models.MessageTagDeleted)
	v.touch(id)
	return nil
}

// Edit replaces the text and stamps EDITED at most once, however many times
// the message is edited afterwards.
func (v *Archive) Edit(id int, text string) error {
	msg := v.Get(id)
	if msg == nil {
		return ErrNotFound
	}
	msg.Text = text
	msg.StampTag(models.MessageTagEdited)
	v.touch(id)
	return nil
}

// ToggleReaction flips the user's reaction with the given emoji: present
// reactions are withdrawn, absent ones added. The returned bool reports
// whether the reaction is present afterwards.
func (v *Archive) ToggleReaction(id int, emoji string, user models.UserRef) (bool, error) {
	msg := v.Get(id)
	if msg == nil {
		return false, ErrNotFound
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]models.UserRef)
	}
	defer v.touch(id)

	reactors := msg.Reactions[emoji]
	if lo.ContainsBy(reactors, func(item models.UserRef) bool { return item.ID == user.ID }) {
		reactors = lo.Filter(reactors, func(item models.UserRef, _ int) bool {
			return item.ID != user.ID
		})
		if len(reactors) == 0 {
			delete(msg.Reactions, emoji)
		} else {
			msg.Reactions[emoji] = reactors
		}
		return false, nil
	}

	msg.Reactions[emoji] = append(reactors, user)
	return true, nil
}

func (v *Archive) touch(id int) {
	v.dirty[models.SegmentIndex(id)] = struct{}{}
}

// Touch marks the segment holding the message dirty so the next Flush
// rewrites it. Callers that mutate a message's payload in place, like the
// poll state living on its hosting message, report the change here; out of
// range ids are ignored.
func (v *Archive) Touch(id int) {
	if id < 0 || id >= v.Len() {
		return
	}
	v.touch(id)
}

// Len is the total number of messages, deleted ones included.
func (v *Archive) Len() int {
	if len(v.segments) == 0 {
		return 0
	}
	return (len(v.segments)-1)*models.SegmentSize + len(v.segments[len(v.segments)-1])
}

// ByteSize is the encoded size of the whole log.
func (v *Archive) ByteSize() int64 {
	return v.byteSize
}

// SegmentCount reports how many segments back the log.
func (v *Archive) SegmentCount() int {
	return len(v.segments)
}

// MostRecentMessageId is the id of the newest message that is not deleted,
// or -1 when the channel has none.
func (v *Archive) MostRecentMessageId() int {
	for id := v.Len() - 1; id >= 0; id-- {
		if msg := v.Get(id); !msg.Deleted {
			return id
		}
	}
	return -1
}

// Flush writes dirty segments and the channel meta back to the store.
// Ephemeral messages are persisted as empty slots so the segment layout
// stays addressable after a reload.
func (v *Archive) Flush() error {
	if v.store == nil {
		return nil
	}
	for idx := range v.dirty {
		segment := v.segments[idx]
		persisted := lo.Map(segment, func(item *models.Message, _ int) *models.Message {
			if item.NotSaved {
				return nil
			}
			return item
		})
		if err := v.store.WriteSegment(v.channelId, idx, persisted); err != nil {
			return err
		}
		delete(v.dirty, idx)
	}
	return v.store.WriteMeta(v.channelId, storage.ChannelMeta{
		SegmentSize: models.SegmentSize,
		Segments:    len(v.segments),
		LastRead:    v.lastRead,
	})
}
