package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/archive"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/automod"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/storage"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory struct {
	users   map[uint]models.UserRef
	members map[uint][]uint
	invited map[uint][]uint
	power   map[uint]int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: map[uint]models.UserRef{
			1: {ID: 1, Name: "alice"},
			2: {ID: 2, Name: "bob"},
			3: {ID: 3, Name: "carol"},
		},
		members: map[uint][]uint{1: {1, 2}},
		invited: map[uint][]uint{1: {3}},
		power:   map[uint]int{1: PowerLevelModerator},
	}
}

func (v *fakeDirectory) Get(id uint) (models.UserRef, bool) {
	user, ok := v.users[id]
	return user, ok
}

func (v *fakeDirectory) Members(channelId uint) []models.UserRef {
	return lo.Map(v.members[channelId], func(id uint, _ int) models.UserRef {
		return v.users[id]
	})
}

func (v *fakeDirectory) Invited(channelId uint) []models.UserRef {
	return lo.Map(v.invited[channelId], func(id uint, _ int) models.UserRef {
		return v.users[id]
	})
}

func (v *fakeDirectory) IsMember(channelId, userId uint) bool {
	return lo.Contains(v.members[channelId], userId)
}

func (v *fakeDirectory) PowerLevel(channelId, userId uint) int {
	return v.power[userId]
}

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (v *eventRecorder) record(event string, _ any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, event)
}

func (v *eventRecorder) names() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.events...)
}

func relaxedConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoMod = automod.Config{Strictness: 0, WarningsLevel: 3, MinLength: 1, MaxLength: 4096}
	return cfg
}

func newTestServer(t *testing.T, cfg Config) (*Server, *LocalBus) {
	t.Helper()
	bus := NewLocalBus()
	srv := NewServer(newFakeDirectory(), storage.NewMemory(), bus, cfg)
	t.Cleanup(srv.Close)
	return srv, bus
}

func TestSendMessageFlow(t *testing.T) {
	srv, bus := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	recorder := &eventRecorder{}
	defer bus.Subscribe(1, recorder.record)()

	first, err := srv.Channel(1)
	require.NoError(t, err)
	assert.Same(t, channel, first, "channels are cached per server")

	msg, err := channel.SendMessage(SendRequest{SenderID: 1, Text: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, 0, msg.ID)
	assert.Equal(t, "alice", msg.Author.Name)
	assert.NotEmpty(t, msg.Uuid)

	msg, err = channel.SendMessage(SendRequest{SenderID: 2, Text: "hi alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, msg.ID)

	assert.Equal(t, []string{models.EventMessageNew, models.EventMessageNew}, recorder.names())
}

func TestSendRejections(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	_, err = channel.SendMessage(SendRequest{SenderID: 0, Text: "hello"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = channel.SendMessage(SendRequest{SenderID: 3, Text: "let me in"})
	assert.ErrorIs(t, err, ErrPermissionDenied, "invitees are not members yet")
}

func TestKickMutesSender(t *testing.T) {
	cfg := relaxedConfig()
	// A gigantic strictness makes any two back-to-back messages spam, and a
	// warnings level of one turns the first flag straight into a kick.
	cfg.AutoMod.Strictness = 1 << 20
	cfg.AutoMod.WarningsLevel = 1
	cfg.KickDuration = time.Hour

	srv, _ := newTestServer(t, cfg)
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	_, err = channel.SendMessage(SendRequest{SenderID: 2, Text: "first"})
	require.NoError(t, err)

	_, err = channel.SendMessage(SendRequest{SenderID: 2, Text: "second"})
	var rejected RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, automod.VerdictKick, rejected.Verdict)
	assert.True(t, channel.IsMuted(2))

	_, err = channel.SendMessage(SendRequest{SenderID: 2, Text: "third"})
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, automod.VerdictMuted, rejected.Verdict)

	// Others keep talking.
	_, err = channel.SendMessage(SendRequest{SenderID: 1, Text: "carry on"})
	assert.NoError(t, err)
}

func TestReplySnapshotsNeverNest(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	origin, err := channel.SendMessage(SendRequest{SenderID: 1, Text: "origin"})
	require.NoError(t, err)

	reply, err := channel.SendMessage(SendRequest{SenderID: 2, Text: "a reply", ReplyTo: &origin.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, origin.ID, reply.ReplyTo.ID)
	assert.Equal(t, "origin", reply.ReplyTo.Text)

	// Editing the origin later must not leak into the snapshot.
	require.NoError(t, channel.EditMessage(1, origin.ID, "edited origin"))
	assert.Equal(t, "origin", reply.ReplyTo.Text)

	nested, err := channel.SendMessage(SendRequest{SenderID: 1, Text: "reply to reply", ReplyTo: &reply.ID})
	require.NoError(t, err)
	require.NotNil(t, nested.ReplyTo)
	assert.Equal(t, reply.ID, nested.ReplyTo.ID)
}

func TestEditAndDeletePermissions(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	msg, err := channel.SendMessage(SendRequest{SenderID: 2, Text: "my words"})
	require.NoError(t, err)

	assert.ErrorIs(t, channel.EditMessage(1, msg.ID, "not yours"), ErrPermissionDenied)
	require.NoError(t, channel.EditMessage(2, msg.ID, "my edited words"))

	// Bob cannot remove Alice's messages, but moderator Alice can remove his.
	other, err := channel.SendMessage(SendRequest{SenderID: 1, Text: "mod message"})
	require.NoError(t, err)
	assert.ErrorIs(t, channel.DeleteMessage(2, other.ID), ErrPermissionDenied)
	require.NoError(t, channel.DeleteMessage(1, msg.ID))

	assert.ErrorIs(t, channel.DeleteMessage(1, 99), archive.ErrNotFound)
}

func TestPollLifecycleThroughChannel(t *testing.T) {
	srv, bus := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	finished := make(chan any, 1)
	defer bus.Subscribe(1, func(event string, payload any) {
		if event == models.EventPollFinish {
			finished <- payload
		}
	})()

	msg, err := channel.SendMessage(SendRequest{
		SenderID: 1,
		Text:     "vote now",
		Poll: &PollRequest{
			Question: "tabs or spaces?",
			Options:  []string{"tabs", "spaces"},
			Duration: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Poll)
	assert.Equal(t, msg.ID, msg.Poll.ID)

	assert.True(t, channel.Vote(2, msg.Poll.ID, "spaces"))
	assert.True(t, channel.Vote(1, msg.Poll.ID, "spaces"))
	assert.False(t, channel.Vote(3, msg.Poll.ID, "tabs"), "non-members cannot vote")

	select {
	case payload := <-finished:
		body, ok := payload.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "spaces", body["winner"])
	case <-time.After(time.Second):
		t.Fatal("poll never finished")
	}

	// The result message replies to the origin.
	history := channel.History(archive.Reverse, 1)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].ReplyTo)
	assert.Equal(t, msg.ID, history[0].ReplyTo.ID)

	assert.False(t, channel.Vote(2, msg.Poll.ID, "tabs"), "late votes are rejected")
}

func TestDeletingPollMessageAbortsIt(t *testing.T) {
	srv, bus := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	finished := make(chan struct{}, 1)
	defer bus.Subscribe(1, func(event string, _ any) {
		if event == models.EventPollFinish {
			finished <- struct{}{}
		}
	})()

	msg, err := channel.SendMessage(SendRequest{
		SenderID: 1,
		Text:     "doomed poll",
		Poll: &PollRequest{
			Question: "q",
			Options:  []string{"a", "b"},
			Duration: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	require.NoError(t, channel.DeleteMessage(1, msg.ID))

	select {
	case <-finished:
		t.Fatal("aborted poll still announced a result")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestReadReceiptsThroughChannel(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	for idx := 0; idx < 5; idx++ {
		_, err := channel.SendMessage(SendRequest{SenderID: 1, Text: fmt.Sprintf("msg %d", idx)})
		require.NoError(t, err)
	}

	updated, err := channel.MarkRead(2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, updated)

	_, err = channel.MarkRead(2, 1)
	assert.ErrorIs(t, err, archive.ErrStaleRead)

	info := channel.UnreadInfo(2)
	assert.Equal(t, 3, info.LastRead)
	assert.Equal(t, 1, info.UnreadCount)
}

func TestPresenceThroughChannel(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	session, err := channel.Attach(1)
	require.NoError(t, err)
	require.NotEmpty(t, session)

	_, err = channel.Attach(3)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	online, offline, invited := channel.OnlineList()
	require.Len(t, online, 1)
	assert.Equal(t, uint(1), online[0].ID)
	require.Len(t, offline, 1)
	assert.Equal(t, uint(2), offline[0].ID)
	require.Len(t, invited, 1)
	assert.Equal(t, uint(3), invited[0].ID)

	channel.Detach(session)
	online, offline, _ = channel.OnlineList()
	assert.Empty(t, online)
	assert.Len(t, offline, 2)
}

func TestTypingEvents(t *testing.T) {
	srv, bus := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	recorder := &eventRecorder{}
	defer bus.Subscribe(1, recorder.record)()

	channel.StartTyping(1)
	channel.StartTyping(1) // refresh, no second event
	channel.StopTyping(1)

	assert.Equal(t, []string{models.EventTypingStatus, models.EventTypingStatus}, recorder.names())
	assert.Empty(t, channel.Typing())
}

func TestBotOutputPipeline(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	channel.AddBot(Bot{
		Name:    "dice",
		Command: func(args []string) string { return "you rolled a 4" },
		Check:   func(text string) bool { return len(text) > 0 },
	})

	// Without a hook nothing accepts the output.
	_, err = channel.InvokeBot("dice", []string{"d6"})
	assert.ErrorIs(t, err, ErrVetoed)

	channel.AddHook(func(output BotOutput) bool { return output.Bot == "dice" })

	msg, err := channel.InvokeBot("dice", []string{"d6"})
	require.NoError(t, err)
	assert.Equal(t, "dice", msg.Author.Name)
	assert.Equal(t, "you rolled a 4", msg.Text)
	assert.Contains(t, msg.Tags, models.MessageTagBot)

	_, err = channel.InvokeBot("nobody", nil)
	assert.Error(t, err)
}

func TestBotFilterVetoesUserMessages(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	channel.AddBot(Bot{
		Name:   "censor",
		Filter: func(msg *models.Message) bool { return msg.Text != "forbidden" },
	})

	_, err = channel.SendMessage(SendRequest{SenderID: 1, Text: "forbidden"})
	assert.ErrorIs(t, err, ErrVetoed)

	_, err = channel.SendMessage(SendRequest{SenderID: 1, Text: "allowed"})
	assert.NoError(t, err)
}

func TestConcurrentSendsStaySequential(t *testing.T) {
	srv, _ := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for idx := 0; idx < perWorker; idx++ {
				_, err := channel.SendMessage(SendRequest{
					SenderID: 1,
					Text:     fmt.Sprintf("w%d-%d", worker, idx),
				})
				assert.NoError(t, err)
			}
		}(worker)
	}
	wg.Wait()

	length, _, segments := channel.Stats()
	assert.Equal(t, workers*perWorker, length)
	assert.Equal(t, 1, segments)

	seen := make(map[int]bool)
	for _, msg := range channel.History(archive.Forward, 0) {
		assert.False(t, seen[msg.ID], "id %d appeared twice", msg.ID)
		seen[msg.ID] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestServerSurvivesRestart(t *testing.T) {
	store := storage.NewMemory()
	dir := newFakeDirectory()

	srv := NewServer(dir, store, NewLocalBus(), relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)
	for idx := 0; idx < 3; idx++ {
		_, err := channel.SendMessage(SendRequest{SenderID: 1, Text: fmt.Sprintf("persisted %d", idx)})
		require.NoError(t, err)
	}
	srv.Close()

	srv = NewServer(dir, store, NewLocalBus(), relaxedConfig())
	defer srv.Close()
	channel, err = srv.Channel(1)
	require.NoError(t, err)

	length, _, _ := channel.Stats()
	assert.Equal(t, 3, length)
	assert.Equal(t, "persisted 0", channel.GetMessage(0).Text)

	msg, err := channel.SendMessage(SendRequest{SenderID: 2, Text: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, 3, msg.ID, "ids keep counting from where they stopped")
}

func TestPollVotesSurviveRestart(t *testing.T) {
	store := storage.NewMemory()
	dir := newFakeDirectory()

	srv := NewServer(dir, store, NewLocalBus(), relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	msg, err := channel.SendMessage(SendRequest{
		SenderID: 1,
		Text:     "long running poll",
		Poll: &PollRequest{
			Question: "tabs or spaces?",
			Options:  []string{"tabs", "spaces"},
			Duration: time.Hour,
		},
	})
	require.NoError(t, err)

	// A periodic flush lands between the append and the vote.
	require.NoError(t, channel.Flush())
	require.True(t, channel.Vote(2, msg.Poll.ID, "spaces"))
	srv.Close()

	srv = NewServer(dir, store, NewLocalBus(), relaxedConfig())
	defer srv.Close()
	channel, err = srv.Channel(1)
	require.NoError(t, err)

	poll := channel.GetMessage(msg.Poll.ID).Poll
	require.NotNil(t, poll)
	assert.Equal(t, 1, poll.Option("spaces").Votes)
	assert.Equal(t, []uint{2}, poll.Option("spaces").Voters)
}

func TestFinishedPollStaysFinishedAfterRestart(t *testing.T) {
	store := storage.NewMemory()
	dir := newFakeDirectory()
	bus := NewLocalBus()

	srv := NewServer(dir, store, bus, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	finished := make(chan struct{}, 1)
	unsubscribe := bus.Subscribe(1, func(event string, _ any) {
		if event == models.EventPollFinish {
			finished <- struct{}{}
		}
	})

	msg, err := channel.SendMessage(SendRequest{
		SenderID: 1,
		Text:     "short poll",
		Poll: &PollRequest{
			Question: "q",
			Options:  []string{"a", "b"},
			Duration: 30 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	// The origin segment goes to the store clean before the deadline.
	require.NoError(t, channel.Flush())

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("poll never finished")
	}
	unsubscribe()
	srv.Close()

	reopened := NewLocalBus()
	srv = NewServer(dir, store, reopened, relaxedConfig())
	defer srv.Close()
	defer reopened.Subscribe(1, func(event string, _ any) {
		if event == models.EventPollFinish {
			finished <- struct{}{}
		}
	})()

	channel, err = srv.Channel(1)
	require.NoError(t, err)
	assert.True(t, channel.GetMessage(msg.Poll.ID).Poll.Finished)

	select {
	case <-finished:
		t.Fatal("finished poll announced a second result after restart")
	case <-time.After(150 * time.Millisecond):
	}
}

type gatedStore struct {
	storage.SegmentStore
	gate    chan struct{}
	gatedId uint
}

func (v *gatedStore) ReadMeta(channelId uint) (storage.ChannelMeta, error) {
	if channelId == v.gatedId {
		<-v.gate
	}
	return v.SegmentStore.ReadMeta(channelId)
}

func TestColdLoadDoesNotBlockOtherChannels(t *testing.T) {
	gate := make(chan struct{})
	release := sync.OnceFunc(func() { close(gate) })

	store := &gatedStore{SegmentStore: storage.NewMemory(), gate: gate, gatedId: 1}
	srv := NewServer(newFakeDirectory(), store, NewLocalBus(), relaxedConfig())
	defer srv.Close()
	// Closing the server waits on pending loads, so the gate must open first.
	defer release()

	loaded := make(chan *Channel, 1)
	go func() {
		channel, err := srv.Channel(1)
		assert.NoError(t, err)
		loaded <- channel
	}()

	done := make(chan struct{})
	go func() {
		_, err := srv.Channel(2)
		assert.NoError(t, err)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("unrelated channel lookup stalled behind a cold load")
	}

	release()
	select {
	case channel := <-loaded:
		again, err := srv.Channel(1)
		require.NoError(t, err)
		assert.Same(t, channel, again)
	case <-time.After(time.Second):
		t.Fatal("gated load never completed")
	}
}

func TestBotsDoNotCrossFlagEachOther(t *testing.T) {
	cfg := relaxedConfig()
	cfg.AutoMod.Strictness = 3

	srv, _ := newTestServer(t, cfg)
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	channel.AddBot(Bot{Name: "dice", Command: func([]string) string { return "you rolled a 4" }})
	channel.AddBot(Bot{Name: "echo", Command: func([]string) string { return "echoing along" }})
	channel.AddHook(func(BotOutput) bool { return true })

	_, err = channel.InvokeBot("dice", nil)
	require.NoError(t, err)
	_, err = channel.InvokeBot("echo", nil)
	assert.NoError(t, err, "bots keep independent pacing records")
}

func TestDropChannelAbortsPolls(t *testing.T) {
	srv, bus := newTestServer(t, relaxedConfig())
	channel, err := srv.Channel(1)
	require.NoError(t, err)

	finished := make(chan struct{}, 1)
	defer bus.Subscribe(1, func(event string, _ any) {
		if event == models.EventPollFinish {
			finished <- struct{}{}
		}
	})()

	_, err = channel.SendMessage(SendRequest{
		SenderID: 1,
		Text:     "poll in a dying room",
		Poll: &PollRequest{
			Question: "q",
			Options:  []string{"a", "b"},
			Duration: 50 * time.Millisecond,
		},
	})
	require.NoError(t, err)

	srv.DropChannel(1)

	select {
	case <-finished:
		t.Fatal("poll of a dropped channel still announced a result")
	case <-time.After(150 * time.Millisecond):
	}
}
