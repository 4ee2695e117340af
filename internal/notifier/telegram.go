package notifier

import (
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/signal-settler/internal/utils"
	tele "gopkg.in/telebot.v3"
)

// sender is the part of *tele.Bot the notifier uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramNotifier struct {
	bot     sender
	chat    *tele.Chat
	retries int
	delay   time.Duration
}

// NewTelegramNotifier builds an outbound-only bot; it never polls for updates.
func NewTelegramNotifier(token string, chatID int64, retries int, delay time.Duration) (*TelegramNotifier, error) {
	if token == "" {
		return nil, errors.New("telegram token is required")
	}
	bot, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return newTelegramNotifier(bot, chatID, retries, delay), nil
}

func newTelegramNotifier(bot sender, chatID int64, retries int, delay time.Duration) *TelegramNotifier {
	if retries <= 0 {
		retries = 1
	}
	return &TelegramNotifier{
		bot:     bot,
		chat:    &tele.Chat{ID: chatID},
		retries: retries,
		delay:   delay,
	}
}

func (t *TelegramNotifier) Send(message string) error {
	if _, err := t.bot.Send(t.chat, message); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Warnf("TelegramNotifier | attempt %d/%d failed: %v", attempt, t.retries, err)
		if attempt < t.retries {
			time.Sleep(t.delay)
		}
	}
	return err
}
