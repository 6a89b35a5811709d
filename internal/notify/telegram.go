// Package notify pushes trade lifecycle alerts to Telegram. Notifications are
// best-effort: failures are logged and never propagate into execution.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram returns nil (disabled) when the token is unset.
func NewTelegram(token string, chatID int64) *Telegram {
	if token == "" || chatID == 0 {
		log.Info().Msg("Telegram notifications disabled")
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram init failed; notifications disabled")
		return nil
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("Telegram notifications enabled")
	return &Telegram{bot: bot, chatID: chatID}
}

func (t *Telegram) send(text string) {
	if t == nil {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}

func (t *Telegram) TradePlaced(mode, side, symbol string, notionalUSD decimal.Decimal, orderID, runID string) {
	t.send(fmt.Sprintf("✅ *%s %s* $%s (%s)\nOrder `%s`", side, symbol, notionalUSD.StringFixed(2), mode, orderID))
}

func (t *Telegram) TradeFailed(mode, symbol string, notionalUSD decimal.Decimal, errText, runID string) {
	t.send(fmt.Sprintf("❌ *%s* $%s (%s) failed\n%s", symbol, notionalUSD.StringFixed(2), mode, errText))
}

func (t *Telegram) TicketCreated(symbol, side string, notionalUSD decimal.Decimal, ticketID, runID string) {
	t.send(fmt.Sprintf("🎫 Ticket: *%s %s* $%s — execute manually in your brokerage", side, symbol, notionalUSD.StringFixed(2)))
}
