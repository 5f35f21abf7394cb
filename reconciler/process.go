package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/metrics"
	"github.com/leon1996x/telegram-subscribe-bot/resolver"
)

// maxRawInAlert keeps operator alerts under the Telegram message limit.
const maxRawInAlert = 3000

// ProcessRaw decodes a notification body and processes it. When signatures are not
// enforced, a body that cannot be decoded is surfaced to the operators like any
// other unresolvable payment.
func (s *Service) ProcessRaw(ctx context.Context, contentType string, body []byte, signature string) (Result, error) {
	n, err := resolver.ParseNotification(contentType, body, signature)
	if err != nil {
		traceID := uuid.NewString()
		log := s.logger.With(zap.String("trace_id", traceID))
		log.Warn("notification body could not be decoded", zap.String("content_type", contentType), zap.Error(err))
		metrics.Notifications.WithLabelValues(string(OutcomeRejected)).Inc()
		if s.resolver.Verifier() != nil {
			// an undecodable body cannot carry a verifiable signature
			return Result{Outcome: OutcomeRejected, TraceID: traceID}, fmt.Errorf("%w: %v", resolver.ErrInvalidSignature, err)
		}
		s.notify(ctx, log, rejectedText(traceID, err, resolver.Notification{Raw: body}))
		return Result{Outcome: OutcomeRejected, TraceID: traceID}, err
	}
	return s.Process(ctx, n)
}

// Process resolves an incoming notification and reconciles the resulting claim.
// Notifications that cannot be resolved are surfaced to the operators together
// with the raw payload so they can be applied by hand.
func (s *Service) Process(ctx context.Context, n resolver.Notification) (Result, error) {
	traceID := uuid.NewString()
	log := s.logger.With(zap.String("trace_id", traceID))

	claim, err := s.resolver.Resolve(n)
	if err != nil {
		res := Result{TraceID: traceID}
		switch {
		case errors.Is(err, resolver.ErrNotPaid):
			res.Outcome = OutcomeIgnored
			log.Info("notification ignored", zap.Error(err))
			metrics.Notifications.WithLabelValues(string(res.Outcome)).Inc()
			return res, nil
		case errors.Is(err, resolver.ErrInvalidSignature):
			res.Outcome = OutcomeRejected
			log.Warn("notification rejected", zap.Error(err))
		default:
			res.Outcome = OutcomeRejected
			log.Warn("notification could not be resolved", zap.Error(err))
		}
		metrics.Notifications.WithLabelValues(string(res.Outcome)).Inc()
		s.notify(ctx, log, rejectedText(traceID, err, n))
		return res, err
	}

	log = log.With(zap.String("path", claim.Path), zap.String("confidence", string(claim.Confidence)))
	if claim.Confidence == resolver.ConfidenceLow {
		log.Warn("claim recovered by digit scan", zap.Stringer("claim", claim))
	}

	res, err := s.Reconcile(ctx, claim)
	res.TraceID = traceID
	metrics.Notifications.WithLabelValues(string(res.Outcome)).Inc()
	if err != nil && !errors.Is(err, ErrDeliveryFailed) {
		s.notify(ctx, log, notAppliedText(traceID, claim, err, n))
	}
	return res, err
}

func rawForAlert(n resolver.Notification) string {
	raw := string(n.Raw)
	if raw == "" {
		raw = n.Canonical()
	}
	// the Bot API refuses text that is not valid UTF-8
	raw = strings.ToValidUTF8(raw, "\uFFFD")
	if len(raw) > maxRawInAlert {
		cut := maxRawInAlert
		for cut > 0 && !utf8.RuneStart(raw[cut]) {
			cut--
		}
		raw = raw[:cut] + "…"
	}
	return raw
}

func rejectedText(traceID string, err error, n resolver.Notification) string {
	return fmt.Sprintf("🚫 Платёж не распознан\n• trace: %s\n• причина: %v\n\n%s", traceID, err, rawForAlert(n))
}

func notAppliedText(traceID string, c resolver.Claim, err error, n resolver.Notification) string {
	retry := "Повторить через /grant нельзя, выдайте доступ вручную"
	if order, ferr := resolver.FormatOrderID(c.Kind, c.SubjectID, c.ResourceID, c.DurationDays); ferr == nil {
		retry = "Повторить: /grant " + order
	}
	return fmt.Sprintf("❗ Платёж НЕ применён, хранилище недоступно\n• trace: %s\n• %s\n• ошибка: %v\n%s\n\n%s",
		traceID, c, err, retry, rawForAlert(n))
}
