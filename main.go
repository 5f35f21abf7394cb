package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leon1996x/telegram-subscribe-bot/admin"
	jsonfile "github.com/leon1996x/telegram-subscribe-bot/clients/jsonFile"
	redisstore "github.com/leon1996x/telegram-subscribe-bot/clients/redisStore"
	"github.com/leon1996x/telegram-subscribe-bot/clients/sheets"
	sqlite "github.com/leon1996x/telegram-subscribe-bot/clients/sqLite"
	"github.com/leon1996x/telegram-subscribe-bot/clients/telegram"
	"github.com/leon1996x/telegram-subscribe-bot/config"
	"github.com/leon1996x/telegram-subscribe-bot/entitlement"
	"github.com/leon1996x/telegram-subscribe-bot/logger"
	"github.com/leon1996x/telegram-subscribe-bot/reconciler"
	"github.com/leon1996x/telegram-subscribe-bot/resolver"
	"github.com/leon1996x/telegram-subscribe-bot/server"
	"github.com/leon1996x/telegram-subscribe-bot/sweeper"
)

const updateWorkers = 5

func main() {
	os.Exit(start())
}

// start returns the process exit code so deferred cleanup runs before exit.
func start() int {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("bot stopped", zap.Error(err))
		return 1
	}
	log.Info("bot stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	bot, err := telegram.New(cfg.Telegram.Token, "", cfg.Telegram.APITimeout, cfg.Telegram.OperatorIDs, log.Named("telegram"))
	if err != nil {
		return err
	}

	res, err := resolver.New(cfg.Payment.Secret, cfg.Payment.SignatureAlgo)
	if err != nil {
		return err
	}
	if res.Verifier() == nil {
		log.Warn("payment.secret is empty, notifications are accepted unsigned")
	}

	locks := entitlement.NewKeyedMutex()
	rec := reconciler.New(store, res, bot, bot, locks, log.Named("reconciler"), reconciler.Options{
		CallTimeout: cfg.Store.Timeout,
		InviteTTL:   cfg.Payment.InviteTTL,
	})
	sw := sweeper.New(store, bot, locks, log.Named("sweeper"), sweeper.Options{
		Interval:     cfg.Sweeper.Interval,
		CallTimeout:  cfg.Sweeper.CallTimeout,
		LapseMessage: cfg.Telegram.LapseMessage,
	})
	adm := admin.New(rec, sw, store, bot, bot.IsOperator, log.Named("admin"), 3*cfg.Telegram.APITimeout)

	webhook := cfg.Telegram.WebhookURL != ""
	var updates server.UpdateHandler
	if webhook {
		updates = adm
	}
	router := server.NewRouter(rec, updates, log.Named("http"), server.Options{
		SignatureHeader: cfg.Payment.SignatureHeader,
		WebhookSecret:   cfg.Telegram.WebhookSecret,
	})

	var tlsConfig *tls.Config
	if cfg.Server.TLSP12 != "" {
		if tlsConfig, err = server.TLSConfigFromP12(cfg.Server.TLSP12, cfg.Server.TLSP12Password); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx, cfg.Server.Addr, router, tlsConfig, log.Named("http"))
	})
	g.Go(func() error {
		return sw.Start(ctx)
	})
	g.Go(func() error {
		reqCtx, cancel := context.WithTimeout(ctx, cfg.Telegram.APITimeout)
		defer cancel()
		if webhook {
			log.Info("receiving updates by webhook", zap.String("url", cfg.Telegram.WebhookURL))
			return bot.SetWebhook(reqCtx, cfg.Telegram.WebhookURL, cfg.Telegram.WebhookSecret)
		}
		if err := bot.DeleteWebhook(reqCtx); err != nil {
			return err
		}
		log.Info("receiving updates by long polling")
		bot.Poll(ctx, updateWorkers, adm.HandleUpdate)
		return nil
	})

	return g.Wait()
}

// openStore builds the ledger backend named by store.driver.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (entitlement.Store, func(), error) {
	nop := func() {}
	sc := cfg.Store

	switch sc.Driver {
	case config.DriverMemory:
		log.Warn("memory ledger selected, entitlements are lost on restart")
		return entitlement.NewMemoryStore(), nop, nil

	case config.DriverFile:
		s, err := jsonfile.New(sc.Path)
		return s, nop, err

	case config.DriverSQLite:
		openCtx, cancel := context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
		s, err := sqlite.New(openCtx, sc.SQLiteDSN)
		if err != nil {
			return nil, nop, err
		}
		return s, func() { s.Close() }, nil

	case config.DriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:        sc.Redis.Address,
			Password:    sc.Redis.Password,
			DB:          sc.Redis.DB,
			DialTimeout: sc.Timeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, sc.Timeout)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			rdb.Close()
			return nil, nop, entitlement.Unavailable("redis ping", err)
		}
		return redisstore.New(rdb, sc.Redis.Prefix), func() { rdb.Close() }, nil

	case config.DriverSheets:
		table, err := sheets.NewGoogleTable(ctx, sc.Sheets.CredentialsFile, sc.Sheets.SpreadsheetID, sc.Sheets.SheetName)
		if err != nil {
			return nil, nop, err
		}
		return sheets.New(table, log.Named("sheets")), nop, nil
	}
	return nil, nop, fmt.Errorf("unknown store driver %q", sc.Driver)
}
