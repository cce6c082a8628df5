package telegram

import (
	"context"
	"fmt"
	"log"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mklimuk/agenda-pilot/pkg/command"
)

// Prefix starts every Telegram command.
const Prefix = "/"

// TextHandler executes a chat command and returns the reply.
type TextHandler interface {
	HandleText(ctx context.Context, text, prefix string) (string, bool)
}

// Sender is the part of the Telegram API used for replies.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot wraps the Telegram bot API and dependencies
type Bot struct {
	API     *tgbotapi.BotAPI
	Handler TextHandler
	sender  Sender
	cancel  context.CancelFunc
	stopCh  chan struct{}
	allowed map[int64]bool
}

// NewBot creates a new Telegram bot. When allowedChats is not empty only
// those chats are answered.
func NewBot(token string, dispatcher *command.Dispatcher, allowedChats ...int64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating Telegram bot: %w", err)
	}
	b := newBot(dispatcher, api, allowedChats)
	b.API = api
	return b, nil
}

func newBot(handler TextHandler, sender Sender, allowedChats []int64) *Bot {
	allowed := make(map[int64]bool, len(allowedChats))
	for _, id := range allowedChats {
		allowed[id] = true
	}
	return &Bot{
		Handler: handler,
		sender:  sender,
		stopCh:  make(chan struct{}),
		allowed: allowed,
	}
}

// Start begins polling for updates in a goroutine
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.API.GetUpdatesChan(u)
	ctx, b.cancel = context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-b.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					b.handleMessage(ctx, update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop stops polling for updates
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	close(b.stopCh)
	b.API.StopReceivingUpdates()
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if len(b.allowed) > 0 && !b.allowed[msg.Chat.ID] {
		log.Printf("telegram: ignoring message from chat %d", msg.Chat.ID)
		return
	}
	reply, ok := b.Handler.HandleText(ctx, msg.Text, Prefix)
	if !ok {
		return
	}
	if _, err := b.sender.Send(tgbotapi.NewMessage(msg.Chat.ID, reply)); err != nil {
		log.Printf("telegram: failed to send reply: %v", err)
	}
}
