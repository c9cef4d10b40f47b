// Package storage persists archive segments as durable blobs keyed by
// channel id and segment index. The store is shared across channels but its
// key space is partitioned per channel, so callers need no cross-channel
// locking on top of it.
package storage

import (
	"errors"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
)

var (
	// ErrSegmentMissing is returned when no blob exists for the requested
	// channel and index. Callers are expected to treat it as "empty", not
	// as a failure.
	ErrSegmentMissing = errors.New("segment does not exist")
	// ErrSegmentSizeMismatch is returned when a channel's recorded segment
	// size disagrees with the one compiled into this build.
	ErrSegmentSizeMismatch = errors.New("channel was written with a different segment size")
)

// ChannelMeta travels alongside a channel's segments so the layout the data
// was written with can be checked on load.
type ChannelMeta struct {
	SegmentSize int          `json:"segment_size"`
	Segments    int          `json:"segments"`
	LastRead    map[uint]int `json:"last_read,omitempty"`
}

// SegmentStore is the durable blob backend for channel archives.
type SegmentStore interface {
	ReadSegment(channelId uint, index int) ([]*models.Message, error)
	WriteSegment(channelId uint, index int, segment []*models.Message) error
	ReadMeta(channelId uint) (ChannelMeta, error)
	WriteMeta(channelId uint, meta ChannelMeta) error
}
