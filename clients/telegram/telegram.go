// Package telegram wraps the Bot API calls the bot makes with context deadlines.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/http"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type Client struct {
	bot         *tgbotapi.BotAPI
	operatorIDs []int64
	logger      *zap.Logger
}

// New connects to the Bot API (getMe) at endpoint, tgbotapi.APIEndpoint when empty.
// timeout caps every HTTP request the bot makes.
func New(token, endpoint string, timeout time.Duration, operatorIDs []int64, logger *zap.Logger) (*Client, error) {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("connect bot api: %w", err)
	}
	logger.Info("authorized on account", zap.String("username", bot.Self.UserName))
	return &Client{bot: bot, operatorIDs: operatorIDs, logger: logger}, nil
}

func (c *Client) Bot() *tgbotapi.BotAPI {
	return c.bot
}

func (c *Client) OperatorIDs() []int64 {
	return c.operatorIDs
}

// IsOperator reports whether userID may run operator commands.
func (c *Client) IsOperator(userID int64) bool {
	for _, id := range c.operatorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// call runs fn and gives up when ctx ends first. The request itself is still
// bounded by the HTTP client timeout.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "HTML"
	msg.DisableWebPagePreview = true
	_, err := call(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(msg) })
	if err != nil {
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

// SendFile re-sends a document already stored on Telegram servers by its file id.
func (c *Client) SendFile(ctx context.Context, chatID int64, fileRef, caption string) error {
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileID(fileRef))
	doc.Caption = caption
	_, err := call(ctx, func() (tgbotapi.Message, error) { return c.bot.Send(doc) })
	if err != nil {
		return fmt.Errorf("send file to %d: %w", chatID, err)
	}
	return nil
}

// CreateSingleUseInviteLink creates a link that admits one member and expires at expireAt.
func (c *Client) CreateSingleUseInviteLink(ctx context.Context, channelID int64, expireAt time.Time) (string, error) {
	cfg := tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: channelID},
		ExpireDate:  int(expireAt.Unix()),
		MemberLimit: 1,
	}
	resp, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.Request(cfg) })
	if err != nil {
		return "", fmt.Errorf("create invite link for %d: %w", channelID, err)
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", fmt.Errorf("decode invite link: %w", err)
	}
	if link.InviteLink == "" {
		return "", errors.New("empty invite link in response")
	}
	return link.InviteLink, nil
}

// RemoveFromChannel bans and immediately unbans the user, which removes them from
// the channel while still allowing them to rejoin with a new invite.
func (c *Client) RemoveFromChannel(ctx context.Context, channelID, userID int64) error {
	member := tgbotapi.ChatMemberConfig{ChatID: channelID, UserID: userID}

	ban := tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.Request(ban) }); err != nil {
		return fmt.Errorf("ban %d in %d: %w", userID, channelID, err)
	}

	unban := tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true}
	if _, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.Request(unban) }); err != nil {
		return fmt.Errorf("unban %d in %d: %w", userID, channelID, err)
	}
	return nil
}

// NotifyOperators sends text to every operator. The text is escaped, so payload
// fragments can be forwarded as is.
func (c *Client) NotifyOperators(ctx context.Context, text string) error {
	var errs []error
	for _, id := range c.operatorIDs {
		if err := c.SendMessage(ctx, id, html.EscapeString(text)); err != nil {
			c.logger.Warn("operator message failed", zap.Int64("operator_id", id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SetWebhook registers url for update delivery. secretToken, when set, is echoed
// back by Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(ctx context.Context, url, secretToken string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secretToken)
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.MakeRequest("setWebhook", params) })
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	return nil
}

// DeleteWebhook switches the bot back to getUpdates.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	_, err := call(ctx, func() (*tgbotapi.APIResponse, error) { return c.bot.Request(tgbotapi.DeleteWebhookConfig{}) })
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Poll long-polls for updates and hands each one to handle on one of workers
// goroutines until ctx is done.
func (c *Client) Poll(ctx context.Context, workers int, handle func(context.Context, tgbotapi.Update)) {
	if workers < 1 {
		workers = 1
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := c.bot.GetUpdatesChan(u)

	// buffered queue so a slow handler does not stall the poller
	jobs := make(chan tgbotapi.Update, 256)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerID := i + 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			for upd := range jobs {
				c.logger.Debug("update received", zap.Int("worker", workerID), zap.Int("update_id", upd.UpdateID))
				handle(ctx, upd)
			}
		}()
	}

	defer func() {
		c.bot.StopReceivingUpdates()
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			select {
			case jobs <- upd:
			case <-ctx.Done():
				return
			}
		}
	}
}
