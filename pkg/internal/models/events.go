package models

// Broadcast event names pushed through the fan-out layer.
const (
	EventMessageNew    = "messages.new"
	EventMessageEdit   = "messages.edit"
	EventMessageDelete = "messages.delete"
	EventMessageReact  = "messages.react"
	EventMessageRead   = "messages.read"
	EventPollVote      = "polls.vote"
	EventPollFinish    = "polls.finish"
	EventTypingStatus  = "status.typing"
	EventModMuted      = "automod.muted"
	EventModUnmuted    = "automod.unmuted"
	EventSystemChanges = "system.changes"
)

// Event payloads

type TypingStatusBody struct {
	ChannelID uint   `json:"channel_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

type ModStateBody struct {
	ChannelID uint `json:"channel_id"`
	UserID    uint `json:"user_id"`
	Muted     bool `json:"muted"`
}
