package chat

import (
	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
)

// Bot is a capability variant: every member is optional and a bot is
// dispatched to by which capabilities it carries, not by its concrete type.
// The core never parses command text; it only hands pre-tokenized arguments
// to Command and candidate messages to Filter.
type Bot struct {
	Name string
	// Command produces output for an invocation addressed to this bot.
	Command func(args []string) string
	// Filter may veto a user message before it reaches the archive.
	Filter func(msg *models.Message) bool
	// Check validates this bot's own output before it is offered to hooks.
	Check func(text string) bool
	// Added runs once when the bot joins a channel.
	Added func(channelId uint)
}

// BotOutput is what a bot produced and wants posted.
type BotOutput struct {
	Bot  string `json:"bot"`
	Text string `json:"text"`
}

// Hook consumes bot output and reports whether it accepted it.
type Hook func(output BotOutput) bool

// BotHookRegistry holds a channel's bots and output hooks. Owned by the
// channel worker like the rest of the per-channel state.
type BotHookRegistry struct {
	channelId uint
	bots      []Bot
	hooks     []Hook
}

func newBotHookRegistry(channelId uint) *BotHookRegistry {
	return &BotHookRegistry{channelId: channelId}
}

func (v *BotHookRegistry) AddBot(bot Bot) {
	v.bots = append(v.bots, bot)
	if bot.Added != nil {
		bot.Added(v.channelId)
	}
}

func (v *BotHookRegistry) AddHook(fn Hook) {
	v.hooks = append(v.hooks, fn)
}

// Veto runs the message past every bot carrying a Filter; any veto wins.
func (v *BotHookRegistry) Veto(msg *models.Message) bool {
	for _, bot := range v.bots {
		if bot.Filter != nil && !bot.Filter(msg) {
			return true
		}
	}
	return false
}

// Dispatch offers bot output to the registered hooks and reports whether
// any accepted it. Output failing the producing bot's own Check never
// reaches the hooks.
func (v *BotHookRegistry) Dispatch(output BotOutput) bool {
	for _, bot := range v.bots {
		if bot.Name == output.Bot && bot.Check != nil && !bot.Check(output.Text) {
			return false
		}
	}

	accepted := false
	for _, fn := range v.hooks {
		if fn(output) {
			accepted = true
		}
	}
	return accepted
}

// Invoke addresses a command to a named bot with pre-tokenized arguments.
func (v *BotHookRegistry) Invoke(name string, args []string) (string, bool) {
	for _, bot := range v.bots {
		if bot.Name == name && bot.Command != nil {
			return bot.Command(args), true
		}
	}
	return "", false
}
