package storage

import (
	"errors"
	"fmt"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"github.com/cockroachdb/pebble"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

// Pebble keeps segments in a local pebble database. Key layout:
//
//	chan:<id>:seg:<index, zero padded>  -> jsoniter-encoded []*models.Message
//	chan:<id>:meta                      -> jsoniter-encoded ChannelMeta
type Pebble struct {
	db *pebble.DB
}

func OpenPebble(path string) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("unable to open segment store: %w", err)
	}
	log.Info().Str("path", path).Msg("Segment store is opened.")
	return &Pebble{db: db}, nil
}

func (v *Pebble) Close() error {
	return v.db.Close()
}

func segmentKey(channelId uint, index int) []byte {
	return []byte(fmt.Sprintf("chan:%d:seg:%06d", channelId, index))
}

func metaKey(channelId uint) []byte {
	return []byte(fmt.Sprintf("chan:%d:meta", channelId))
}

func (v *Pebble) ReadSegment(channelId uint, index int) ([]*models.Message, error) {
	raw, closer, err := v.db.Get(segmentKey(channelId, index))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSegmentMissing
		}
		return nil, err
	}
	defer closer.Close()

	var segment []*models.Message
	if err := jsoniter.Unmarshal(raw, &segment); err != nil {
		return nil, fmt.Errorf("segment %d of channel %d is corrupted: %w", index, channelId, err)
	}
	return segment, nil
}

func (v *Pebble) WriteSegment(channelId uint, index int, segment []*models.Message) error {
	raw, err := jsoniter.Marshal(segment)
	if err != nil {
		return err
	}
	if err := v.db.Set(segmentKey(channelId, index), raw, pebble.Sync); err != nil {
		log.Error().Err(err).Uint("channel", channelId).Int("index", index).
			Msg("An error occurred when writing segment...")
		return err
	}
	return nil
}

func (v *Pebble) ReadMeta(channelId uint) (ChannelMeta, error) {
	var meta ChannelMeta
	raw, closer, err := v.db.Get(metaKey(channelId))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ChannelMeta{SegmentSize: models.SegmentSize}, nil
		}
		return meta, err
	}
	defer closer.Close()

	if err := jsoniter.Unmarshal(raw, &meta); err != nil {
		return meta, err
	}
	if meta.SegmentSize != models.SegmentSize {
		return meta, ErrSegmentSizeMismatch
	}
	return meta, nil
}

func (v *Pebble) WriteMeta(channelId uint, meta ChannelMeta) error {
	raw, err := jsoniter.Marshal(meta)
	if err != nil {
		return err
	}
	return v.db.Set(metaKey(channelId), raw, pebble.Sync)
}
