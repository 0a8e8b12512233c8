// Package telegram is the chat-bot adapter: long polling in, chunked
// sendMessage out, plus the typing indicator the router drives while
// the agent works.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/candlekeep/aide/internal/bus"
	"github.com/candlekeep/aide/internal/channels"
	"github.com/candlekeep/aide/internal/config"
	"github.com/candlekeep/aide/internal/vault"
)

// maxMessageLen is Telegram's hard limit per sendMessage call.
const maxMessageLen = 4096

// botAPI is the slice of telego.Bot this adapter uses; a test double
// stands in for the real client.
type botAPI interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
}

// Channel is the Telegram adapter.
type Channel struct {
	*channels.BaseChannel
	bot         *telego.Bot
	api         botAPI
	primaryChat int64
	primaryUser string
	typing      *typingController

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter. The bot token is fetched from the vault by
// the configured secret name.
func New(cfg config.TelegramConfig, secrets vault.Store, msgBus *bus.MessageBus) (*Channel, error) {
	token, err := secrets.Get(cfg.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("telegram token: %w", err)
	}
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	primaryChat, err := strconv.ParseInt(cfg.PrimaryChat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram primary_chat %q: %w", cfg.PrimaryChat, err)
	}

	c := &Channel{
		BaseChannel: channels.NewBaseChannel("telegram", msgBus),
		bot:         bot,
		api:         bot,
		primaryChat: primaryChat,
		primaryUser: cfg.PrimaryUser,
	}
	c.typing = newTypingController(c.api, primaryChat)
	return c, nil
}

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot (polling mode)")

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	c.SetRunning(true)
	slog.Info("telegram bot connected", "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleUpdate(update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the goroutine to exit so
// Telegram releases the getUpdates lock before a restart.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot")
	c.SetRunning(false)
	c.typing.Stop()

	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

// handleUpdate forwards one incoming message onto the bus, marking the
// primary human so the pipeline skips classification for them.
func (c *Channel) handleUpdate(msg *telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	metadata := map[string]string{}
	if c.isPrimary(msg.From) {
		metadata[channels.MetaPrimary] = "true"
	}

	name := msg.From.FirstName
	if msg.From.Username != "" {
		name = msg.From.Username
	}
	c.HandleMessage(senderID, chatID, msg.Text, name, metadata)
}

// isPrimary matches the configured primary user by numeric id or
// @username.
func (c *Channel) isPrimary(from *telego.User) bool {
	if c.primaryUser == "" {
		return false
	}
	want := strings.TrimPrefix(c.primaryUser, "@")
	return strconv.FormatInt(from.ID, 10) == want || (from.Username != "" && from.Username == want)
}

// Send delivers an outbound message, chunked to Telegram's limit. An
// empty ChatID resolves to the primary chat.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID := c.primaryChat
	if msg.ChatID != "" {
		parsed, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
		}
		chatID = parsed
	}

	for _, chunk := range splitMessage(msg.Content, maxMessageLen) {
		if _, err := c.api.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// StartTyping and StopTyping are wired into the router's typing
// callbacks.
func (c *Channel) StartTyping() { c.typing.Start() }
func (c *Channel) StopTyping()  { c.typing.Stop() }

// splitMessage chunks text to fit limit, preferring to break at a
// newline near the boundary so messages stay readable.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndexByte(text[:limit], '\n'); idx > limit/2 {
			cut = idx
		} else {
			// Never cut inside a UTF-8 sequence.
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
