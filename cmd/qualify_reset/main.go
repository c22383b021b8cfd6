package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hongbaobot/internal/config"
	"hongbaobot/internal/db"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/store"
)

// Standalone daily qualification reset, for deployments that run the server
// with QUALIFY_RESET_ENABLED=false.
func main() {
	once := flag.Bool("once", false, "reset stale days once and exit")
	flag.Parse()

	cfg := config.Load()
	if err := logger.Init(cfg.LogLevel, false); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mysql, err := db.NewMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		logger.L().Fatalw("mysql init error", "err", err)
	}
	defer mysql.Close()
	rdb, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.L().Fatalw("redis init error", "err", err)
	}
	defer rdb.Close()

	qualifier := store.NewQualifier(rdb, mysql, cfg.QualifyUTCOffsetHour)
	if *once {
		n, err := qualifier.Reset(ctx)
		if err != nil {
			logger.L().Errorw("qualify reset error", "err", err)
			return
		}
		logger.L().Infow("qualify reset done", "rows", n)
		return
	}

	logger.L().Infow("qualify reset worker started")
	store.NewResetWorker(qualifier).Run(ctx)
	logger.L().Infow("qualify reset worker stopped")
}
