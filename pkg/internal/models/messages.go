package models

import (
	"time"
)

// Message tags. A tag is attached at most once per message.
const (
	MessageTagEdited  = "EDITED"
	MessageTagDeleted = "DELETED"
	MessageTagBot     = "BOT"
	MessageTagWebhook = "WEBHOOK"
)

// Placeholder content stamped onto redacted messages.
const (
	DeletedMessageText   = "This message has been deleted."
	DeletedMessageAuthor = "Deleted User"
)

// UserRef is a display snapshot of an account at the time it was taken.
// Bot and webhook senders overlay their own name on top of a real account.
type UserRef struct {
	ID     uint    `json:"id"`
	Name   string  `json:"name"`
	Nick   string  `json:"nick,omitempty"`
	Avatar *string `json:"avatar,omitempty"`
}

// ReplySnapshot is a one-level, immutable copy of a replied-to message.
// Snapshots never nest; replying to a reply copies only the direct target.
type ReplySnapshot struct {
	ID     int     `json:"id"`
	Author UserRef `json:"author"`
	Text   string  `json:"text"`
	Tag    string  `json:"tag,omitempty"`
}

type Message struct {
	ID        int       `json:"id"`
	Uuid      string    `json:"uuid"`
	Author    UserRef   `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`

	Media     []string             `json:"media,omitempty"`
	Reactions map[string][]UserRef `json:"reactions,omitempty"`
	Tags      []string             `json:"tags,omitempty"`
	ReplyTo   *ReplySnapshot       `json:"reply_to,omitempty"`
	Poll      *Poll                `json:"poll,omitempty"`

	Deleted   bool      `json:"deleted"`
	NotSaved  bool      `json:"-"`
	ReadIcons []UserRef `json:"read_icons,omitempty"`
}

// HasTag reports whether the tag is already present.
func (v *Message) HasTag(tag string) bool {
	for _, item := range v.Tags {
		if item == tag {
			return true
		}
	}
	return false
}

// StampTag attaches the tag unless it is already present.
func (v *Message) StampTag(tag string) {
	if !v.HasTag(tag) {
		v.Tags = append(v.Tags, tag)
	}
}

// Snapshot takes the reply copy of this message.
func (v *Message) Snapshot() *ReplySnapshot {
	out := &ReplySnapshot{
		ID:     v.ID,
		Author: v.Author,
		Text:   v.Text,
	}
	if len(v.Tags) > 0 {
		out.Tag = v.Tags[0]
	}
	return out
}
