// Package sweeper revokes entitlements whose expiry has passed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
	"github.com/leon1996x/telegram-subscribe-bot/metrics"
)

var ErrRevocationFailed = errors.New("REVOCATION_FAILED")

const DefaultLapseMessage = "⌛ Срок вашей подписки истёк, доступ к каналу закрыт. Чтобы продлить доступ, оформите оплату заново."

// Messenger removes members from channels and tells them why.
type Messenger interface {
	RemoveFromChannel(ctx context.Context, channelID, userID int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type Options struct {
	Interval time.Duration
	// CallTimeout bounds each store and messenger call. Calls already in flight
	// are not cancelled when the sweep is asked to stop.
	CallTimeout  time.Duration
	LapseMessage string
	Now          func() time.Time
}

type Failure struct {
	Key entitlement.Key
	Err error
}

// Report summarizes one sweep cycle.
type Report struct {
	Expired  int
	Revoked  int
	Skipped  int
	Failures []Failure
	// ListErr is set when the expired entries could not be listed at all.
	ListErr     error
	Interrupted bool
}

type Sweeper struct {
	store     entitlement.Store
	messenger Messenger
	locks     *entitlement.KeyedMutex
	logger    *zap.Logger
	opts      Options
}

func New(store entitlement.Store, messenger Messenger, locks *entitlement.KeyedMutex, logger *zap.Logger, opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.LapseMessage == "" {
		opts.LapseMessage = DefaultLapseMessage
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if locks == nil {
		locks = entitlement.NewKeyedMutex()
	}
	return &Sweeper{store: store, messenger: messenger, locks: locks, logger: logger, opts: opts}
}

// Start runs RunOnce on the configured interval until ctx is done. A cycle that
// overruns the interval delays the next one instead of overlapping it.
func (s *Sweeper) Start(ctx context.Context) error {
	cronLog := cron.VerbosePrintfLogger(zap.NewStdLog(s.logger.Named("cron")))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.opts.Interval), func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	s.logger.Info("sweeper started", zap.Duration("interval", s.opts.Interval))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
	return nil
}

// RunOnce revokes everything expired at the time of the call. Failed entries stay
// in the ledger and are retried on the next cycle.
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	started := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(started).Seconds()) }()

	now := s.opts.Now()
	var rep Report

	var expired []entitlement.Entitlement
	lctx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	for e, err := range s.store.ListExpired(lctx, now) {
		if err != nil {
			rep.ListErr = err
			break
		}
		expired = append(expired, e)
	}
	cancel()
	if rep.ListErr != nil {
		metrics.Revocations.WithLabelValues("list_failed").Inc()
		s.logger.Error("list expired entitlements failed", zap.Error(rep.ListErr))
		return rep
	}
	rep.Expired = len(expired)

	for _, e := range expired {
		if ctx.Err() != nil {
			rep.Interrupted = true
			break
		}
		log := s.logger.With(zap.Int64("subject_id", e.SubjectID), zap.String("resource_id", e.ResourceID))

		revoked, err := s.revokeExpired(ctx, e.Key(), now, log)
		switch {
		case err != nil:
			rep.Failures = append(rep.Failures, Failure{Key: e.Key(), Err: err})
			metrics.Revocations.WithLabelValues("failed").Inc()
			log.Warn("revocation failed, will retry next cycle", zap.Error(err))
		case revoked:
			rep.Revoked++
			metrics.Revocations.WithLabelValues("revoked").Inc()
		default:
			rep.Skipped++
			metrics.Revocations.WithLabelValues("skipped").Inc()
		}
	}

	if rep.Expired > 0 || rep.Interrupted {
		s.logger.Info("sweep finished",
			zap.Int("expired", rep.Expired),
			zap.Int("revoked", rep.Revoked),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", len(rep.Failures)),
			zap.Bool("interrupted", rep.Interrupted),
		)
	}
	return rep
}

// revokeExpired re-reads the entry under its key lock so a renewal that landed
// after the listing is left alone.
func (s *Sweeper) revokeExpired(ctx context.Context, k entitlement.Key, now time.Time, log *zap.Logger) (bool, error) {
	unlock := s.locks.Lock(k)
	defer unlock()

	current, err := s.get(ctx, k)
	if err != nil {
		return false, err
	}
	if current == nil || !current.Expired(now) {
		log.Debug("entitlement renewed or removed since listing")
		return false, nil
	}
	return true, s.revoke(ctx, *current, log)
}

// Revoke removes an entitlement regardless of its expiry. The caller must not
// hold the key lock.
func (s *Sweeper) Revoke(ctx context.Context, subjectID int64, resourceID string) error {
	k := entitlement.Key{SubjectID: subjectID, ResourceID: resourceID}
	unlock := s.locks.Lock(k)
	defer unlock()

	current, err := s.get(ctx, k)
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("%w: %s", entitlement.ErrNotFound, k)
	}
	log := s.logger.With(zap.Int64("subject_id", subjectID), zap.String("resource_id", resourceID))
	if err := s.revoke(ctx, *current, log); err != nil {
		return err
	}
	metrics.Revocations.WithLabelValues("revoked").Inc()
	return nil
}

func (s *Sweeper) revoke(ctx context.Context, e entitlement.Entitlement, log *zap.Logger) error {
	if e.Kind == entitlement.KindChannel {
		channelID, err := strconv.ParseInt(e.ResourceID, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: channel id %q: %v", ErrRevocationFailed, e.ResourceID, err)
		}

		cctx, cancel := s.callContext(ctx)
		err = s.messenger.RemoveFromChannel(cctx, channelID, e.SubjectID)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRevocationFailed, err)
		}

		cctx, cancel = s.callContext(ctx)
		if err := s.messenger.SendMessage(cctx, e.SubjectID, s.opts.LapseMessage); err != nil {
			log.Warn("lapse notice not delivered", zap.Error(err))
		}
		cancel()
	}

	cctx, cancel := s.callContext(ctx)
	defer cancel()
	if err := s.store.Remove(cctx, e.SubjectID, e.ResourceID); err != nil {
		return err
	}
	log.Info("entitlement revoked", zap.String("kind", string(e.Kind)))
	return nil
}

func (s *Sweeper) get(ctx context.Context, k entitlement.Key) (*entitlement.Entitlement, error) {
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	return s.store.Get(cctx, k.SubjectID, k.ResourceID)
}

func (s *Sweeper) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.CallTimeout)
}
