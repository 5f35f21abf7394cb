// Package admin handles operator commands sent to the bot.
package admin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
	"github.com/leon1996x/telegram-subscribe-bot/reconciler"
	"github.com/leon1996x/telegram-subscribe-bot/resolver"
)

const maxReply = 3500

type Reconciler interface {
	Reconcile(ctx context.Context, claim resolver.Claim) (reconciler.Result, error)
	Redeliver(ctx context.Context, subjectID int64, resourceID string) (reconciler.Result, error)
}

type Revoker interface {
	Revoke(ctx context.Context, subjectID int64, resourceID string) error
}

type Lister interface {
	List(ctx context.Context) ([]entitlement.Entitlement, error)
}

type Replier interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Handler struct {
	reconciler Reconciler
	revoker    Revoker
	store      Lister
	replier    Replier
	isOperator func(userID int64) bool
	logger     *zap.Logger
	timeout    time.Duration
}

func New(rec Reconciler, rev Revoker, store Lister, replier Replier, isOperator func(int64) bool, logger *zap.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		reconciler: rec,
		revoker:    rev,
		store:      store,
		replier:    replier,
		isOperator: isOperator,
		logger:     logger,
		timeout:    timeout,
	}
}

// HandleUpdate answers commands and ignores everything else.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.From == nil || !msg.IsCommand() {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	reply := h.Execute(ctx, msg.From.ID, msg.Command(), msg.CommandArguments())
	if reply == "" {
		return
	}
	if err := h.replier.SendMessage(ctx, msg.Chat.ID, reply); err != nil {
		h.logger.Warn("reply failed", zap.Int64("chat_id", msg.Chat.ID), zap.Error(err))
	}
}

// Execute runs one command and returns the HTML reply.
func (h *Handler) Execute(ctx context.Context, userID int64, command, args string) string {
	switch command {
	case "start":
		return fmt.Sprintf("👋 Здравствуйте! Ваш ID: <code>%d</code>", userID)
	case "admin", "list", "grant", "redeliver", "revoke":
	default:
		return ""
	}

	if !h.isOperator(userID) {
		return "⛔ У вас нет доступа!"
	}
	log := h.logger.With(zap.Int64("operator_id", userID), zap.String("command", command))
	log.Info("operator command", zap.String("args", args))

	switch command {
	case "admin":
		return "🔑 Админ-панель:\n" +
			"/list - все записи\n" +
			"/grant &lt;order_id&gt; - применить оплату вручную\n" +
			"/redeliver &lt;user_id&gt; &lt;resource_id&gt; - отправить доступ повторно\n" +
			"/revoke &lt;user_id&gt; &lt;resource_id&gt; - закрыть доступ"
	case "list":
		return h.list(ctx)
	case "grant":
		return h.grant(ctx, log, strings.TrimSpace(args))
	case "redeliver":
		subject, resource, err := parseKeyArgs(args)
		if err != nil {
			return "❌ " + html.EscapeString(err.Error())
		}
		res, err := h.reconciler.Redeliver(ctx, subject, resource)
		if err != nil {
			log.Warn("redeliver failed", zap.Error(err))
			return "❌ " + html.EscapeString(err.Error())
		}
		return "✅ Доступ отправлен повторно: " + html.EscapeString(res.Artifact)
	case "revoke":
		subject, resource, err := parseKeyArgs(args)
		if err != nil {
			return "❌ " + html.EscapeString(err.Error())
		}
		if err := h.revoker.Revoke(ctx, subject, resource); err != nil {
			log.Warn("revoke failed", zap.Error(err))
			return "❌ " + html.EscapeString(err.Error())
		}
		return fmt.Sprintf("✅ Доступ %d к %s закрыт", subject, html.EscapeString(resource))
	}
	return ""
}

func (h *Handler) list(ctx context.Context) string {
	all, err := h.store.List(ctx)
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	if len(all) == 0 {
		return "📂 Таблица пуста"
	}

	var (
		b       strings.Builder
		subject int64
		group   []entitlement.Entitlement
	)
	flush := func() {
		if len(group) > 0 {
			fmt.Fprintf(&b, "%d, %s\n", subject, html.EscapeString(entitlement.FormatCell(group)))
		}
	}
	for _, e := range all {
		if e.SubjectID != subject {
			flush()
			subject, group = e.SubjectID, nil
		}
		group = append(group, e)
	}
	flush()

	text := b.String()
	if len(text) > maxReply {
		// whole lines only, so neither a rune nor an HTML entity is split
		cut := strings.LastIndexByte(text[:maxReply], '\n')
		if cut < 0 {
			cut = maxReply
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		text = text[:cut] + "\n…"
	}
	return "Данные из таблицы:\n\n" + text
}

func (h *Handler) grant(ctx context.Context, log *zap.Logger, order string) string {
	if order == "" {
		return "❌ Использование: /grant &lt;order_id&gt;"
	}
	claim, err := resolver.ResolveOrderID(order)
	if err != nil {
		return "❌ " + html.EscapeString(err.Error())
	}
	claim.Path = "operator"

	res, err := h.reconciler.Reconcile(ctx, claim)
	switch {
	case err == nil && res.Outcome == reconciler.OutcomeAlreadyGranted:
		return "ℹ️ Доступ уже был выдан, отправлен повторно"
	case err == nil:
		return "✅ Доступ выдан: " + html.EscapeString(claim.String())
	case errors.Is(err, reconciler.ErrDeliveryFailed):
		return "⚠️ Запись сохранена, но доставка не удалась: " + html.EscapeString(err.Error())
	default:
		log.Error("manual grant failed", zap.Error(err))
		return "❌ " + html.EscapeString(err.Error())
	}
}

func parseKeyArgs(args string) (int64, string, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return 0, "", errors.New("ожидается: <user_id> <resource_id>")
	}
	subject, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || subject <= 0 {
		return 0, "", fmt.Errorf("неверный user_id %q", fields[0])
	}
	return subject, fields[1], nil
}
