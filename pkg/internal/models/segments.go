package models

// SegmentSize is the fixed capacity of one archive segment. It is tunable
// at build time but must stay consistent for the life of a channel's data;
// the segment store records the size it was written with and refuses to
// load a channel under a different one.
const SegmentSize = 1000

// SegmentIndex locates the segment holding the given message id.
func SegmentIndex(id int) int {
	return id / SegmentSize
}

// SegmentOffset locates the message within its segment.
func SegmentOffset(id int) int {
	return id % SegmentSize
}

// UnreadInfo summarizes a member's reading progress within a channel.
type UnreadInfo struct {
	Unread      bool  `json:"unread"`
	LastRead    int   `json:"last_read"`
	UnreadCount int   `json:"unread_count"`
	Timestamp   int64 `json:"timestamp"`
}
