package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"hongbaobot/internal/clickguard"
	"hongbaobot/internal/config"
	"hongbaobot/internal/db"
	"hongbaobot/internal/dispatch"
	"hongbaobot/internal/handlers"
	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/ledger"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/metrics"
	"hongbaobot/internal/store"
	"hongbaobot/internal/telegram"
)

func main() {
	cfg := config.Load()
	if err := logger.Init(cfg.LogLevel, cfg.TelegramDebug); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()
	lg := logger.L()

	if err := cfg.Validate(); err != nil {
		lg.Fatalw("invalid config", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mysql, err := db.NewMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		lg.Fatalw("mysql error", "err", err)
	}
	defer mysql.Close()
	rdb, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		lg.Fatalw("redis error", "err", err)
	}
	defer rdb.Close()

	st := store.New(mysql)
	if err := st.Migrate(ctx); err != nil {
		lg.Fatalw("migrate error", "err", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	tg, err := telegram.New(telegram.Options{
		Token:       cfg.TelegramToken,
		Debug:       cfg.TelegramDebug,
		AdminIDs:    cfg.AdminIDs,
		LedgerBotID: cfg.LedgerBotID,
	})
	if err != nil {
		lg.Fatalw("telegram error", "err", err)
	}
	dispatcher := dispatch.New(tg.API(), cfg.DispatchInterval, cfg.DispatchQueueSize, m)
	bridge := ledger.NewBridge(telegram.NewLedgerSender(dispatcher), cfg.LedgerChatID, cfg.LedgerTimeout, m)
	qualifier := store.NewQualifier(rdb, mysql, cfg.QualifyUTCOffsetHour)
	guard := clickguard.New(cfg.ClickMaxFrequency, cfg.ClickPenaltyTicks, cfg.ClickSweepInterval)

	srv := handlers.NewServer(cfg, rdb, nil, st, registry)
	pool := hongbao.NewPool(hongbao.Config{
		Tick:                cfg.HongbaoTick,
		RenderEvery:         cfg.RenderEveryTicks,
		ConfiscateAfter:     cfg.ConfiscateAfter,
		SweepInterval:       cfg.SweepInterval,
		ConfiscationAccount: cfg.ConfiscationAccount,
	}, hongbao.Deps{
		Store:     st,
		Ledger:    bridge,
		Display:   telegram.NewDisplay(dispatcher, st),
		Qualifier: qualifier,
		Observer:  srv,
		Metrics:   m,
	})
	srv.Pool = pool

	// 先启动发送队列，恢复的红包需要它来刷新消息
	go dispatcher.Run(ctx)
	go guard.Run(ctx)
	go srv.RunQPSFlusher(ctx)
	if cfg.QualifyResetEnabled {
		go store.NewResetWorker(qualifier).Run(ctx)
		lg.Infow("qualify reset worker enabled in server")
	}

	n, err := pool.Recover(ctx)
	if err != nil {
		lg.Errorw("recover envelopes failed", "err", err)
	} else {
		lg.Infow("envelopes recovered", "count", n)
	}
	go pool.Run(ctx)

	tg.Wire(telegram.Deps{
		Outbox:    dispatcher,
		Envelopes: pool,
		Registry:  st,
		Qualifier: qualifier,
		Ledger:    bridge,
		Guard:     guard,
	})
	botDone := make(chan struct{})
	go func() {
		defer close(botDone)
		tg.Start(ctx)
	}()

	r := gin.Default()
	srv.Routes(r)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		lg.Infow("server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Errorw("http server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	lg.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	<-botDone
	if err := pool.Shutdown(shutdownCtx); err != nil {
		lg.Errorw("pool shutdown error", "err", err)
	}
	lg.Infow("stopped")
}
