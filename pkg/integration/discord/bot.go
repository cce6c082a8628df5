package discord

import (
	"context"
	"fmt"
	"log"

	"github.com/bwmarrin/discordgo"
	"github.com/mklimuk/agenda-pilot/pkg/command"
)

// Prefix starts every Discord command.
const Prefix = "!"

// TextHandler executes a chat command and returns the reply.
type TextHandler interface {
	HandleText(ctx context.Context, text, prefix string) (string, bool)
}

// Bot wraps the Discord session and dependencies
type Bot struct {
	Session *discordgo.Session
	Handler TextHandler
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewBot creates a new Discord bot
func NewBot(token string, dispatcher *command.Dispatcher) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	bot := &Bot{Session: dg, Handler: dispatcher}
	bot.ctx, bot.cancel = context.WithCancel(context.Background())
	dg.AddHandler(bot.messageCreate)

	return bot, nil
}

// Start opens the websocket connection
func (b *Bot) Start() error {
	return b.Session.Open()
}

// Stop closes the websocket connection
func (b *Bot) Stop() error {
	b.cancel()
	return b.Session.Close()
}

func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from self
	if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	if reply, ok := Reply(b.ctx, b.Handler, m.Content); ok {
		if _, err := s.ChannelMessageSend(m.ChannelID, reply); err != nil {
			log.Printf("discord: failed to send reply: %v", err)
		}
	}
}

// Reply runs content through h and returns the message to post. Discord
// caps messages at 2000 characters.
func Reply(ctx context.Context, h TextHandler, content string) (string, bool) {
	reply, ok := h.HandleText(ctx, content, Prefix)
	if !ok {
		return "", false
	}
	if r := []rune(reply); len(r) > 2000 {
		reply = string(r[:1997]) + "..."
	}
	return reply, true
}
