// Package telegram hosts the Telegram client that feeds chat updates to the
// router and sends its replies back.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tg_classifier_bot/internal/config"
	"tg_classifier_bot/internal/domain"
	"tg_classifier_bot/internal/logging"
	"tg_classifier_bot/internal/router"
)

const (
	// DefaultMaxImageBytes matches the Bot API download limit.
	DefaultMaxImageBytes = 20 << 20

	webhookPathPrefix     = "/telegram/"
	webhookCleanupTimeout = 5 * time.Second
	downloadTimeout       = 30 * time.Second
)

type botRunner interface {
	Start(ctx context.Context)
	StartWebhook(ctx context.Context)
	WebhookHandler() http.HandlerFunc
	SetWebhook(ctx context.Context, params *bot.SetWebhookParams) (bool, error)
	DeleteWebhook(ctx context.Context, params *bot.DeleteWebhookParams) (bool, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	GetFile(ctx context.Context, params *bot.GetFileParams) (*models.File, error)
	FileDownloadLink(f *models.File) string
}

// EventHandler consumes decoded chat events.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) router.Result
}

// imageGate is implemented by handlers that can tell whether an image would
// be used. Images nobody awaits are passed on without being downloaded.
type imageGate interface {
	AwaitingImage(userID int64) bool
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
	}

	createBot = func(token string, options ...bot.Option) (botRunner, error) {
		return bot.New(token, options...)
	}

	newWebhookSecret = uuid.NewString
)

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the resty client used for file downloads.
func WithHTTPClient(client *resty.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithMaxImageBytes overrides DefaultMaxImageBytes.
func WithMaxImageBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxImageBytes = n
		}
	}
}

// Client wraps the Telegram bot instance and logging dependencies.
type Client struct {
	bot     botRunner
	handler EventHandler
	http    *resty.Client
	logger  *logrus.Entry

	maxImageBytes int64

	webhookURL    string
	webhookPath   string
	webhookSecret string
}

// NewClient initializes the Telegram bot. Updates arrive over long polling
// unless cfg carries a webhook URL.
func NewClient(cfg config.Config, handler EventHandler, logger *logrus.Entry, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if handler == nil {
		return nil, errors.New("event handler is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	c := &Client{
		handler:       handler,
		logger:        logger,
		maxImageBytes: DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.http == nil {
		c.http = resty.New().SetTimeout(downloadTimeout)
	}

	options := []bot.Option{
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithErrorsHandler(errorHandler(logger)),
	}

	if cfg.UsesWebhook() {
		c.webhookSecret = newWebhookSecret()
		c.webhookPath = webhookPathPrefix + uuid.NewString()
		c.webhookURL = cfg.WebhookURL + c.webhookPath
		options = append(options, bot.WithWebhookSecretToken(c.webhookSecret))
	}

	tgBot, err := createBot(cfg.TelegramToken, options...)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// UsesWebhook reports whether the client receives updates over a webhook.
func (c *Client) UsesWebhook() bool {
	return c.webhookURL != ""
}

// WebhookPath is the HTTP path the webhook handler must be mounted on.
func (c *Client) WebhookPath() string {
	return c.webhookPath
}

// WebhookHandler serves webhook deliveries. It rejects requests without the
// secret token.
func (c *Client) WebhookHandler() http.Handler {
	return c.bot.WebhookHandler()
}

// Start receives updates until the context is canceled.
func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if c.UsesWebhook() {
		return c.startWebhook(ctx)
	}

	// getUpdates fails while a webhook is registered.
	if _, err := c.bot.DeleteWebhook(ctx, &bot.DeleteWebhookParams{}); err != nil {
		c.logger.WithField("event", "telegram_webhook_delete_error").WithError(err).Warn("failed to delete webhook before polling")
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"mode":            "polling",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
	return nil
}

func (c *Client) startWebhook(ctx context.Context) error {
	if _, err := c.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:            c.webhookURL,
		SecretToken:    c.webhookSecret,
		AllowedUpdates: defaultAllowedUpdates,
	}); err != nil {
		return fmt.Errorf("set telegram webhook: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"mode":            "webhook",
		"path":            c.webhookPath,
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram webhook")

	c.bot.StartWebhook(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), webhookCleanupTimeout)
	defer cancel()
	if _, err := c.bot.DeleteWebhook(cleanupCtx, &bot.DeleteWebhookParams{}); err != nil {
		c.logger.WithField("event", "telegram_webhook_delete_error").WithError(err).Warn("failed to delete webhook on shutdown")
	}

	c.logger.WithField("event", "telegram_stopped").Info("telegram webhook stopped")
	return nil
}

func (c *Client) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	meta := extractUpdateMeta(update)
	log := c.logger.WithFields(logging.Fields{
		"update_type": meta.updateType,
		"update_id":   update.ID,
	})
	if meta.userID != 0 {
		log = log.WithField("user_id", meta.userID)
	}
	if meta.chatID != 0 {
		log = log.WithField("chat_id", meta.chatID)
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		log.WithField("event", "telegram_update_ignored").Debug("ignoring update without a user message")
		return
	}

	ev, ok := decodeMessage(msg)
	if ok && ev.Kind == domain.EventImage && c.wantsImage(ev.UserID) {
		image, err := c.downloadImage(ctx, msg)
		if err != nil {
			reply := msgDownloadFailed
			if errors.Is(err, errImageTooLarge) {
				reply = msgImageTooLarge
			}
			log.WithField("event", "telegram_download_error").WithError(err).Warn("failed to download image")
			c.reply(ctx, log, msg, reply)
			return
		}
		ev.Image = image
	}

	log.WithFields(logging.Fields{
		"event":    "telegram_update",
		"kind":     ev.Kind.String(),
		"command":  ev.Command,
		"text_len": len(ev.Text),
	}).Info("telegram update received")

	res := c.handler.Handle(ctx, ev)
	if res.TraceID != "" {
		log = log.WithField("trace_id", res.TraceID)
	}
	c.reply(ctx, log, msg, res.Reply)
}

func (c *Client) wantsImage(userID int64) bool {
	gate, ok := c.handler.(imageGate)
	return !ok || gate.AwaitingImage(userID)
}

func (c *Client) reply(ctx context.Context, log *logrus.Entry, msg *models.Message, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:          msg.Chat.ID,
		Text:            text,
		ReplyParameters: &models.ReplyParameters{MessageID: msg.ID},
	})
	if err != nil {
		log.WithField("event", "telegram_send_error").WithError(err).Error("failed to send reply")
	}
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram update error")
	}
}
