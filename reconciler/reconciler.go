// Package reconciler applies resolved payment claims to the entitlement ledger and
// delivers the purchased access.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
	"github.com/leon1996x/telegram-subscribe-bot/metrics"
	"github.com/leon1996x/telegram-subscribe-bot/resolver"
)

// ErrDeliveryFailed is returned together with a result whose entitlement is
// already persisted: the payment is applied, only the artifact did not arrive.
var ErrDeliveryFailed = errors.New("DELIVERY_FAILED")

type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeAlreadyGranted Outcome = "already_granted"
	OutcomeDeliveryFailed Outcome = "delivery_failed"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeRejected       Outcome = "rejected"
	OutcomeFailed         Outcome = "failed"
)

// Messenger is the part of the messaging transport the reconciler needs.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
	SendFile(ctx context.Context, chatID int64, fileRef, caption string) error
	CreateSingleUseInviteLink(ctx context.Context, channelID int64, expireAt time.Time) (string, error)
}

// OperatorNotifier receives audit messages and alerts.
type OperatorNotifier interface {
	NotifyOperators(ctx context.Context, text string) error
}

type Options struct {
	// CallTimeout bounds every messenger and store call.
	CallTimeout time.Duration
	// InviteTTL is how long a single-use invite link stays valid.
	InviteTTL time.Duration
	Now       func() time.Time
}

type Result struct {
	Outcome     Outcome
	Claim       resolver.Claim
	Entitlement entitlement.Entitlement
	// Artifact is the invite link or file id that was delivered.
	Artifact string
	TraceID  string
}

type Service struct {
	store     entitlement.Store
	resolver  *resolver.Resolver
	messenger Messenger
	operators OperatorNotifier
	locks     *entitlement.KeyedMutex
	logger    *zap.Logger
	opts      Options
}

func New(store entitlement.Store, res *resolver.Resolver, messenger Messenger, operators OperatorNotifier, locks *entitlement.KeyedMutex, logger *zap.Logger, opts Options) *Service {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.InviteTTL <= 0 {
		opts.InviteTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if locks == nil {
		locks = entitlement.NewKeyedMutex()
	}
	return &Service{
		store:     store,
		resolver:  res,
		messenger: messenger,
		operators: operators,
		locks:     locks,
		logger:    logger,
		opts:      opts,
	}
}

// Reconcile grants the entitlement described by claim exactly once. A live
// entitlement for the same key turns the call into a redelivery.
func (s *Service) Reconcile(ctx context.Context, claim resolver.Claim) (Result, error) {
	log := s.logger.With(
		zap.Int64("subject_id", claim.SubjectID),
		zap.String("resource_id", claim.ResourceID),
		zap.String("kind", string(claim.Kind)),
	)
	res := Result{Claim: claim}

	e, existing, err := s.persist(ctx, claim)
	if err != nil {
		res.Outcome = OutcomeFailed
		metrics.Grants.WithLabelValues(string(claim.Kind), string(res.Outcome)).Inc()
		log.Error("persist entitlement failed", zap.Error(err))
		return res, err
	}
	res.Entitlement = e

	if existing {
		res.Outcome = OutcomeAlreadyGranted
		metrics.Grants.WithLabelValues(string(claim.Kind), string(res.Outcome)).Inc()
		log.Info("entitlement already granted, re-issuing access")
		artifact, err := s.deliver(ctx, e)
		res.Artifact = artifact
		if err != nil {
			log.Warn("redelivery failed", zap.Error(err))
			return res, err
		}
		return res, nil
	}

	artifact, derr := s.deliver(ctx, e)
	res.Artifact = artifact
	res.Outcome = OutcomeGranted
	if derr != nil {
		res.Outcome = OutcomeDeliveryFailed
	}
	metrics.Grants.WithLabelValues(string(claim.Kind), string(res.Outcome)).Inc()

	if derr != nil {
		log.Warn("entitlement persisted but delivery failed", zap.Error(derr))
		s.notify(ctx, log, deliveryFailedText(claim, e, derr))
		return res, derr
	}

	log.Info("entitlement granted", zap.Stringp("expires_at", expiryString(e)))
	s.notify(ctx, log, grantedText(claim, e))
	return res, nil
}

// persist runs the idempotency check and the write under the key lock. It reports
// existing=true when a live entitlement was found and nothing was written.
func (s *Service) persist(ctx context.Context, claim resolver.Claim) (entitlement.Entitlement, bool, error) {
	unlock := s.locks.Lock(claim.Key())
	defer unlock()

	now := s.opts.Now()
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	current, err := s.store.Get(cctx, claim.SubjectID, claim.ResourceID)
	if err != nil {
		return entitlement.Entitlement{}, false, err
	}
	if current != nil && current.Live(now) {
		return *current, true, nil
	}

	e := entitlement.Entitlement{
		SubjectID:  claim.SubjectID,
		ResourceID: claim.ResourceID,
		Kind:       claim.Kind,
		ExpiresAt:  entitlement.ExpiryFor(now, claim.DurationDays),
		GrantedAt:  now,
	}
	if err := s.store.Put(cctx, e); err != nil {
		return entitlement.Entitlement{}, false, err
	}
	return e, false, nil
}

// Redeliver sends the artifact of a live entitlement again without touching the
// ledger. It is the recovery path for DELIVERY_FAILED results.
func (s *Service) Redeliver(ctx context.Context, subjectID int64, resourceID string) (Result, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	current, err := s.store.Get(cctx, subjectID, resourceID)
	cancel()
	if err != nil {
		return Result{Outcome: OutcomeFailed}, err
	}
	if current == nil || current.Expired(s.opts.Now()) {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: %d:%s", entitlement.ErrNotFound, subjectID, resourceID)
	}

	res := Result{Outcome: OutcomeAlreadyGranted, Entitlement: *current}
	res.Artifact, err = s.deliver(ctx, *current)
	return res, err
}

func (s *Service) deliver(ctx context.Context, e entitlement.Entitlement) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()

	switch e.Kind {
	case entitlement.KindChannel:
		channelID, err := strconv.ParseInt(e.ResourceID, 10, 64)
		if err != nil {
			return "", fmt.Errorf("%w: channel id %q: %v", ErrDeliveryFailed, e.ResourceID, err)
		}
		expireAt := s.opts.Now().Add(s.opts.InviteTTL)
		if e.ExpiresAt != nil && e.ExpiresAt.Before(expireAt) {
			expireAt = *e.ExpiresAt
		}
		link, err := s.messenger.CreateSingleUseInviteLink(cctx, channelID, expireAt)
		if err != nil {
			return "", fmt.Errorf("%w: invite link: %v", ErrDeliveryFailed, err)
		}
		if err := s.messenger.SendMessage(cctx, e.SubjectID, inviteText(link, e)); err != nil {
			return link, fmt.Errorf("%w: send invite: %v", ErrDeliveryFailed, err)
		}
		return link, nil
	case entitlement.KindFile:
		if err := s.messenger.SendFile(cctx, e.SubjectID, e.ResourceID, "✅ Оплата получена! Ваш файл."); err != nil {
			return "", fmt.Errorf("%w: send file: %v", ErrDeliveryFailed, err)
		}
		return e.ResourceID, nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrDeliveryFailed, e.Kind)
}

// notify never fails the caller: the grant is already applied.
func (s *Service) notify(ctx context.Context, log *zap.Logger, text string) {
	if s.operators == nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	if err := s.operators.NotifyOperators(cctx, text); err != nil {
		log.Warn("operator notification failed", zap.Error(err))
	}
}

func expiryString(e entitlement.Entitlement) *string {
	s := entitlement.ForeverLiteral
	if e.ExpiresAt != nil {
		s = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return &s
}

func accessUntil(e entitlement.Entitlement) string {
	if e.ExpiresAt == nil {
		return "навсегда"
	}
	return "до " + e.ExpiresAt.Format("02.01.2006 15:04")
}

func inviteText(link string, e entitlement.Entitlement) string {
	return fmt.Sprintf("✅ <b>Оплата получена!</b>\n\nВаша одноразовая ссылка для входа в канал:\n%s\n\n⏳ Доступ %s", html.EscapeString(link), accessUntil(e))
}

func grantedText(c resolver.Claim, e entitlement.Entitlement) string {
	text := fmt.Sprintf("💰 Оплата %s %s\n• пользователь: %d\n• %s: %s\n• доступ %s",
		c.Amount.String(), c.Currency, c.SubjectID, c.Kind, c.ResourceID, accessUntil(e))
	if c.Confidence == resolver.ConfidenceLow {
		text += "\n⚠️ распознано по тексту комментария, проверьте вручную"
	}
	return text
}

func deliveryFailedText(c resolver.Claim, e entitlement.Entitlement, err error) string {
	return fmt.Sprintf("⚠️ Оплата применена, но доставка не удалась\n• пользователь: %d\n• %s: %s\n• доступ %s\n• ошибка: %v\nПовторить: /redeliver %d %s",
		c.SubjectID, c.Kind, c.ResourceID, accessUntil(e), err, c.SubjectID, c.ResourceID)
}
