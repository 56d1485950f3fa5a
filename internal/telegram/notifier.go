package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/camuig/signal-tracker/internal/config"
	"github.com/camuig/signal-tracker/internal/logger"
	"github.com/camuig/signal-tracker/internal/trading"
)

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Notifier struct {
	bot         sender
	adminChatID int64
	enabled     bool
	logger      *logger.Logger
}

func NewNotifier(cfg *config.Config, log *logger.Logger) *Notifier {
	if !cfg.Telegram.Enabled {
		return &Notifier{enabled: false, logger: log}
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		log.Error("failed to create telegram bot", "error", err)
		return &Notifier{enabled: false, logger: log}
	}

	log.Info("telegram bot connected", "username", bot.Self.UserName)

	return &Notifier{
		bot:         bot,
		adminChatID: cfg.Telegram.AdminChatID,
		enabled:     true,
		logger:      log,
	}
}

// SendTradeEvent delivers ev to the chat whose id is userID.
func (n *Notifier) SendTradeEvent(ctx context.Context, userID string, ev trading.Event) error {
	if !n.enabled {
		return nil
	}
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", userID, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return n.send(chatID, FormatEvent(ev))
}

func (n *Notifier) NotifyError(where string, err error) {
	n.notifyAdmin(fmt.Sprintf("⚠️ <b>Error</b> [%s]\n%s", escape(where), escape(err.Error())))
}

func (n *Notifier) NotifyStatus(message string) {
	n.notifyAdmin(escape(message))
}

func (n *Notifier) notifyAdmin(text string) {
	if !n.enabled || n.adminChatID == 0 {
		return
	}
	if err := n.send(n.adminChatID, text); err != nil {
		n.logger.Error("send telegram message", "error", err)
	}
}

func (n *Notifier) send(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// FormatEvent renders a trade event as a Telegram HTML message.
func FormatEvent(ev trading.Event) string {
	symbol := escape(ev.Symbol)
	if symbol == "" {
		symbol = ev.Mint[:min(8, len(ev.Mint))]
	}
	reason := escape(ev.Reason)

	var b strings.Builder
	switch ev.Action {
	case trading.ActionBuy:
		title := "PAPER TRADE: BUY"
		if ev.Reentry {
			title = "PAPER TRADE: RE-ENTRY"
		}
		fmt.Fprintf(&b, "✅ <b>%s</b>\n\n", title)
		fmt.Fprintf(&b, "<b>Token:</b> %s\n", symbol)
		fmt.Fprintf(&b, "<b>Investment:</b> $%.2f\n", ev.AmountUSD)
		fmt.Fprintf(&b, "<b>Entry Price:</b> $%.6f\n", ev.Price)
		fmt.Fprintf(&b, "<b>Reason:</b> %s\n\n", reason)
		fmt.Fprintf(&b, "<i>Remaining Capital: $%.2f</i>", ev.CapitalUSD)

	case trading.ActionPartialSell:
		fmt.Fprintf(&b, "%s <b>PARTIAL SELL: %.0f%%</b>\n\n", pnlMark(ev.PnLUSD), ev.Percentage)
		fmt.Fprintf(&b, "<b>Token:</b> %s\n", symbol)
		fmt.Fprintf(&b, "<b>Reason:</b> %s\n", reason)
		fmt.Fprintf(&b, "<b>Sell Price:</b> $%.6f\n", ev.Price)
		fmt.Fprintf(&b, "<b>P/L:</b> $%.2f (%+.1f%%)\n", ev.PnLUSD, ev.PnLPct)
		fmt.Fprintf(&b, "<b>Remaining:</b> %.0f%%\n\n", ev.Remaining)
		fmt.Fprintf(&b, "<i>Capital: $%.2f</i>", ev.CapitalUSD)

	case trading.ActionSell:
		fmt.Fprintf(&b, "%s <b>FULL EXIT</b>\n\n", pnlMark(ev.PnLUSD))
		fmt.Fprintf(&b, "<b>Token:</b> %s\n", symbol)
		fmt.Fprintf(&b, "<b>Reason:</b> %s\n", reason)
		fmt.Fprintf(&b, "<b>Hold Time:</b> %d mins\n", int(ev.HoldTime/time.Minute))
		fmt.Fprintf(&b, "<b>Entry:</b> $%.6f\n", ev.EntryPrice)
		fmt.Fprintf(&b, "<b>Exit:</b> $%.6f\n\n", ev.Price)
		fmt.Fprintf(&b, "<b>Total P/L:</b> $%.2f (%+.1f%%)\n\n", ev.PnLUSD, ev.PnLPct)
		fmt.Fprintf(&b, "<i>Capital: $%.2f</i>", ev.CapitalUSD)
		switch {
		case ev.Blacklisted:
			b.WriteString("\n❌ <i>Token blacklisted</i>")
		case ev.WatchForReentry:
			b.WriteString("\n👁️ <i>Watching for re-entry</i>")
		}

	case trading.ActionMilestone:
		fmt.Fprintf(&b, "🚀 <b>MILESTONE: +%d%%</b>\n\n", ev.Milestone)
		fmt.Fprintf(&b, "<b>Token:</b> %s\n", symbol)
		fmt.Fprintf(&b, "<b>Entry:</b> $%.6f\n", ev.EntryPrice)
		fmt.Fprintf(&b, "<b>Current:</b> $%.6f\n", ev.Price)
		fmt.Fprintf(&b, "<b>Gain:</b> %+.1f%%\n", ev.PnLPct)
		fmt.Fprintf(&b, "<b>Unrealized P/L:</b> $%.2f", ev.PnLUSD)

	default:
		fmt.Fprintf(&b, "<b>%s</b> %s\n%s", escape(string(ev.Action)), symbol, reason)
	}
	return b.String()
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeHTML, s)
}

func pnlMark(pnl float64) string {
	if pnl >= 0 {
		return "🟢"
	}
	return "🔴"
}
