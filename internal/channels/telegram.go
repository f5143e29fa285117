package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel bridges Telegram group chats. Chat jids are the numeric
// chat id suffixed with "@telegram".
type TelegramChannel struct {
	token   string
	handler InboundHandler
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, handler InboundHandler, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:   token,
		handler: handler,
		logger:  logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// ChatJID formats a Telegram chat id as a jid.
func ChatJID(chatID int64) string {
	return fmt.Sprintf("%d@telegram", chatID)
}

func parseChatJID(jid string) (int64, error) {
	raw := strings.TrimSuffix(jid, "@telegram")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat jid %q: %w", jid, err)
	}
	return id, nil
}

// Start long-polls for updates, reconnecting with backoff on failure.
func (t *TelegramChannel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "user", bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates reads updates until ctx is done or the stream stalls. The
// library's 60s long poll blocks rather than closing the channel on a dead
// connection, so silence past 150s forces a reconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
				continue
			}
			msg := update.Message
			sender := ""
			if msg.From != nil {
				sender = msg.From.UserName
				if sender == "" {
					sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
				}
			}
			t.handler(InboundMessage{
				Channel:   t.Name(),
				ChatJID:   ChatJID(msg.Chat.ID),
				Sender:    sender,
				Text:      msg.Text,
				Timestamp: msg.Time(),
			})
		case <-timer.C:
			return fmt.Errorf("no updates for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) Send(_ context.Context, chatJID, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := parseChatJID(chatJID)
	if err != nil {
		return err
	}
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func (t *TelegramChannel) SendMedia(_ context.Context, chatJID, path, caption string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram not connected")
	}
	chatID, err := parseChatJID(chatJID)
	if err != nil {
		return err
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(path))
	photo.Caption = caption
	if _, err := t.bot.Send(photo); err != nil {
		return fmt.Errorf("telegram send media: %w", err)
	}
	return nil
}
