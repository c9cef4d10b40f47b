package models

import "time"

type OnlineState = int8

const (
	OnlineStateOnline = OnlineState(iota)
	OnlineStateActive
	OnlineStateIdle
	OnlineStateOffline
	OnlineStateInvited
)

// PresenceEntry binds one live session to a channel. A user with several
// clients open holds several entries; online lists deduplicate by user.
type PresenceEntry struct {
	ChannelID uint        `json:"channel_id"`
	SessionID string      `json:"session_id"`
	UserID    uint        `json:"user_id"`
	Name      string      `json:"name"`
	State     OnlineState `json:"state"`
}

// TypingEntry disappears on its own after a minute of silence unless the
// keystroke stream refreshes it.
type TypingEntry struct {
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}
