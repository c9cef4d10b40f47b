package chat

import (
	"sync"
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/automod"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
)

var validate = validator.New()

type Config struct {
	AutoMod      automod.Config
	KickDuration time.Duration
	QueueDepth   int
}

func DefaultConfig() Config {
	return Config{
		AutoMod:      automod.DefaultConfig(),
		KickDuration: 5 * time.Minute,
		QueueDepth:   256,
	}
}

// Server is the per-process context holding every live channel and the
// collaborators they share. Registries live here instead of package-level
// maps so several independent instances can coexist and tests can tear down
// cleanly.
type Server struct {
	mu        sync.Mutex
	channels  map[uint]*channelSlot
	directory UserDirectory
	store     storage.SegmentStore
	broadcast Broadcast
	cfg       Config
}

// channelSlot guards one channel's lazy construction. The server lock only
// covers the map itself; the cold load (reading every persisted segment)
// runs under the slot's once, so a slow load never stalls lookups of other
// channels.
type channelSlot struct {
	once    sync.Once
	init    func()
	channel *Channel
	err     error
}

func (v *channelSlot) get() (*Channel, error) {
	v.once.Do(v.init)
	return v.channel, v.err
}

func NewServer(dir UserDirectory, store storage.SegmentStore, bus Broadcast, cfg Config) *Server {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultConfig().QueueDepth
	}
	return &Server{
		channels:  make(map[uint]*channelSlot),
		directory: dir,
		store:     store,
		broadcast: bus,
		cfg:       cfg,
	}
}

// Channel returns the live channel, waking it from the segment store on
// first use. Concurrent calls for the same id share one load; a failed load
// is forgotten so a later call can retry.
func (v *Server) Channel(id uint) (*Channel, error) {
	v.mu.Lock()
	slot, ok := v.channels[id]
	if !ok {
		slot = &channelSlot{}
		slot.init = func() {
			slot.channel, slot.err = newChannel(id, v.directory, v.store, v.broadcast, v.cfg)
		}
		v.channels[id] = slot
	}
	v.mu.Unlock()

	channel, err := slot.get()
	if err != nil {
		v.mu.Lock()
		if v.channels[id] == slot {
			delete(v.channels, id)
		}
		v.mu.Unlock()
		return nil, err
	}
	return channel, nil
}

// DropChannel tears a channel down because its hosting room went away:
// running polls are aborted without a result and the archive gets a final
// flush before the worker stops.
func (v *Server) DropChannel(id uint) {
	v.mu.Lock()
	slot, ok := v.channels[id]
	delete(v.channels, id)
	v.mu.Unlock()
	if !ok {
		return
	}
	channel, err := slot.get()
	if err != nil {
		return
	}

	channel.worker.do(func() {
		channel.polls.AbortAll()
		if err := channel.archive.Flush(); err != nil {
			log.Error().Err(err).Uint("channel", id).Msg("An error occurred when flushing dropped channel...")
		}
	})
	channel.worker.close()
}

// FlushAll persists every live channel; wired as a periodic cron task.
func (v *Server) FlushAll() {
	v.mu.Lock()
	slots := make([]*channelSlot, 0, len(v.channels))
	for _, slot := range v.channels {
		slots = append(slots, slot)
	}
	v.mu.Unlock()

	for _, slot := range slots {
		channel, err := slot.get()
		if err != nil {
			continue
		}
		if err := channel.Flush(); err != nil {
			log.Error().Err(err).Uint("channel", channel.id).Msg("An error occurred when flushing channel...")
		}
	}
}

// Close flushes and stops every channel. Polls are left un-aborted so a
// restarted process can reschedule them from their persisted deadlines.
func (v *Server) Close() {
	v.mu.Lock()
	slots := v.channels
	v.channels = make(map[uint]*channelSlot)
	v.mu.Unlock()

	for _, slot := range slots {
		channel, err := slot.get()
		if err != nil {
			continue
		}
		channel.Flush()
		channel.worker.close()
	}
}
