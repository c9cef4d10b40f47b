package storage

import (
	"sync"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	jsoniter "github.com/json-iterator/go"
)

// Memory is a volatile SegmentStore used in tests and single-run tooling.
// Blobs are round-tripped through the codec so callers never alias the
// stored slices.
type Memory struct {
	mu       sync.Mutex
	segments map[uint]map[int][]byte
	meta     map[uint]ChannelMeta
}

func NewMemory() *Memory {
	return &Memory{
		segments: make(map[uint]map[int][]byte),
		meta:     make(map[uint]ChannelMeta),
	}
}

func (v *Memory) ReadSegment(channelId uint, index int) ([]*models.Message, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, ok := v.segments[channelId][index]
	if !ok {
		return nil, ErrSegmentMissing
	}
	var segment []*models.Message
	if err := jsoniter.Unmarshal(raw, &segment); err != nil {
		return nil, err
	}
	return segment, nil
}

func (v *Memory) WriteSegment(channelId uint, index int, segment []*models.Message) error {
	raw, err := jsoniter.Marshal(segment)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.segments[channelId]; !ok {
		v.segments[channelId] = make(map[int][]byte)
	}
	v.segments[channelId][index] = raw
	return nil
}

func (v *Memory) ReadMeta(channelId uint) (ChannelMeta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if meta, ok := v.meta[channelId]; ok {
		if meta.SegmentSize != models.SegmentSize {
			return meta, ErrSegmentSizeMismatch
		}
		return meta, nil
	}
	return ChannelMeta{SegmentSize: models.SegmentSize}, nil
}

func (v *Memory) WriteMeta(channelId uint, meta ChannelMeta) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.meta[channelId] = meta
	return nil
}
