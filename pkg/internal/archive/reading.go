package archive

import (
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"github.com/samber/lo"
)

// MarkRead moves the user's read anchor to the given message. The anchor
// only travels forward: a regression fails with ErrStaleRead and mutates
// nothing. The returned ids are the messages whose read icons changed, so
// callers can push incremental updates instead of the whole log.
func (v *Archive) MarkRead(user models.UserRef, id int) ([]int, error) {
	msg := v.Get(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	previous, anchored := v.lastRead[user.ID]
	if anchored && id < previous {
		return nil, ErrStaleRead
	}

	var updated []int
	if anchored && previous != id {
		if prev := v.Get(previous); prev != nil {
			prev.ReadIcons = lo.Filter(prev.ReadIcons, func(item models.UserRef, _ int) bool {
				return item.ID != user.ID
			})
			v.touch(previous)
			updated = append(updated, previous)
		}
	}

	if !lo.ContainsBy(msg.ReadIcons, func(item models.UserRef) bool { return item.ID == user.ID }) {
		msg.ReadIcons = append(msg.ReadIcons, user)
	}
	v.lastRead[user.ID] = id
	v.touch(id)
	updated = append(updated, id)

	return updated, nil
}

// LastRead exposes the user's current anchor, -1 when they never read.
func (v *Archive) LastRead(userId uint) int {
	if anchor, ok := v.lastRead[userId]; ok {
		return anchor
	}
	return -1
}

// UnreadInfo summarizes the user's backlog. Deleted messages do not count
// toward the unread number.
func (v *Archive) UnreadInfo(userId uint) models.UnreadInfo {
	anchor := v.LastRead(userId)
	out := models.UnreadInfo{LastRead: anchor}

	recent := v.MostRecentMessageId()
	if recent < 0 {
		return out
	}
	if msg := v.Get(recent); msg != nil {
		out.Timestamp = msg.CreatedAt.Unix()
	}
	for id := recent; id > anchor; id-- {
		if msg := v.Get(id); msg != nil && !msg.Deleted {
			out.UnreadCount++
		}
	}
	out.Unread = out.UnreadCount > 0

	return out
}
