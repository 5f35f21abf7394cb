// Package server exposes the payment webhook, the Telegram update webhook, health
// and metrics over HTTP.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
	"github.com/leon1996x/telegram-subscribe-bot/reconciler"
	"github.com/leon1996x/telegram-subscribe-bot/resolver"
)

const (
	maxBodyBytes      = 1 << 20
	telegramSecretHdr = "X-Telegram-Bot-Api-Secret-Token"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	defaultSigHeader  = "X-Signature"
)

type PaymentProcessor interface {
	ProcessRaw(ctx context.Context, contentType string, body []byte, signature string) (reconciler.Result, error)
}

type UpdateHandler interface {
	HandleUpdate(ctx context.Context, upd tgbotapi.Update)
}

type Options struct {
	SignatureHeader string
	// WebhookSecret is compared with the secret token Telegram sends on each update.
	WebhookSecret string
}

func NewRouter(payments PaymentProcessor, updates UpdateHandler, logger *zap.Logger, opts Options) *gin.Engine {
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = defaultSigHeader
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/payment", HandlePaymentPOST(payments, opts.SignatureHeader))
	if updates != nil {
		r.POST("/telegram", HandleTelegramPOST(updates, opts.WebhookSecret))
	}
	return r
}

// HandlePaymentPOST answers 2xx for everything a provider retry cannot fix and
// 503 when the ledger is unavailable so the provider delivers again.
func HandlePaymentPOST(payments PaymentProcessor, sigHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "error": "unreadable_body"})
			return
		}

		// a provider hanging up must not abort a half-applied grant
		ctx := context.WithoutCancel(c.Request.Context())
		res, err := payments.ProcessRaw(ctx, c.GetHeader("Content-Type"), body, c.GetHeader(sigHeader))

		switch {
		case err == nil, errors.Is(err, reconciler.ErrDeliveryFailed):
			c.JSON(http.StatusOK, gin.H{"status": res.Outcome, "trace_id": res.TraceID})
		case errors.Is(err, resolver.ErrInvalidSignature):
			c.JSON(http.StatusUnauthorized, gin.H{"status": reconciler.OutcomeRejected, "error": "invalid_signature"})
		case errors.Is(err, resolver.ErrMalformedPayload), errors.Is(err, resolver.ErrUnresolvableSubject):
			c.JSON(http.StatusOK, gin.H{"status": reconciler.OutcomeRejected, "trace_id": res.TraceID})
		case errors.Is(err, entitlement.ErrStoreUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": reconciler.OutcomeFailed, "trace_id": res.TraceID})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"status": reconciler.OutcomeFailed, "trace_id": res.TraceID})
		}
	}
}

func HandleTelegramPOST(updates UpdateHandler, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && c.GetHeader(telegramSecretHdr) != secret {
			c.Status(http.StatusUnauthorized)
			return
		}
		var upd tgbotapi.Update
		if err := json.NewDecoder(io.LimitReader(c.Request.Body, maxBodyBytes)).Decode(&upd); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		updates.HandleUpdate(context.WithoutCancel(c.Request.Context()), upd)
		c.Status(http.StatusOK)
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// Run serves handler on addr until ctx is done, over TLS when tlsConfig is set.
func Run(ctx context.Context, addr string, handler http.Handler, tlsConfig *tls.Config, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr), zap.Bool("tls", tlsConfig != nil))
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
