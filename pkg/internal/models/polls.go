package models

import "time"

// PollOption keeps its voters as a set keyed by account id; a user holds at
// most one active vote across the whole poll.
type PollOption struct {
	Label  string `json:"label"`
	Votes  int    `json:"votes"`
	Voters []uint `json:"voters,omitempty"`
}

// Poll shares its id with the message hosting it. Once Finished flips the
// poll stays on its message read-only; the announced outcome travels as a
// PollResult on a separate message.
type Poll struct {
	ID        int           `json:"id"`
	Question  string        `json:"question"`
	Options   []*PollOption `json:"options"`
	ExpiresAt time.Time     `json:"expires_at"`
	Finished  bool          `json:"finished"`
	Creator   UserRef       `json:"creator"`
}

func (v *Poll) Option(label string) *PollOption {
	for _, item := range v.Options {
		if item.Label == label {
			return item
		}
	}
	return nil
}

type PollResult struct {
	Winner   string `json:"winner"`
	OriginID int    `json:"origin_id"`
}
