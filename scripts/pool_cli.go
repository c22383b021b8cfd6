package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hongbaobot/internal/config"
	"hongbaobot/internal/db"
	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/store"
)

func main() {
	action := flag.String("action", "list", "list|show|claims|simulate|reset")
	chatID := flag.Int64("chat", 0, "list: only this chat")
	serial := flag.Int64("serial", 0, "show: envelope serial")
	user := flag.Int64("user", 0, "claims: receiver id")
	limit := flag.Int("limit", 20, "claims: max rows")
	points := flag.Int("points", 0, "simulate: total points")
	slots := flag.Int("slots", 0, "simulate: number of slots")
	seed := flag.Uint("seed", 0, "simulate: rng seed, 0 for time based")
	flag.Parse()

	// simulate needs no database
	if strings.ToLower(*action) == "simulate" {
		if err := hongbao.Validate(*points, *slots); err != nil {
			exitErr(err)
			return
		}
		s := uint32(*seed)
		if s == 0 {
			s = uint32(time.Now().UnixNano())
		}
		awards := hongbao.Simulate(*points, *slots, hongbao.NewXorShift32(s))
		printJSON(map[string]interface{}{
			"method": hongbao.MethodFor(*points, *slots),
			"seed":   s,
			"awards": awards,
		})
		return
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	mysql, err := db.NewMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		exitErr(fmt.Errorf("mysql not configured: %v", err))
		return
	}
	defer mysql.Close()
	st := store.New(mysql)

	switch strings.ToLower(*action) {
	case "show":
		if *serial <= 0 {
			exitErr(fmt.Errorf("serial required"))
			return
		}
		env, err := st.LoadEnvelope(ctx, *serial)
		if errors.Is(err, store.ErrNotFound) {
			exitErr(fmt.Errorf("envelope %d not found", *serial))
			return
		}
		if err != nil {
			exitErr(err)
			return
		}
		printJSON(env)
	case "claims":
		if *user <= 0 {
			exitErr(fmt.Errorf("user required"))
			return
		}
		claims, err := st.ClaimsByReceiver(ctx, *user, *limit)
		if err != nil {
			exitErr(err)
			return
		}
		printJSON(claims)
	case "reset":
		rdb, err := db.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			exitErr(fmt.Errorf("redis not configured: %v", err))
			return
		}
		defer rdb.Close()
		n, err := store.NewQualifier(rdb, mysql, cfg.QualifyUTCOffsetHour).Reset(ctx)
		if err != nil {
			exitErr(err)
			return
		}
		printJSON(map[string]int64{"rows": n})
	default:
		envs, err := st.ListUnfinished(ctx, *chatID)
		if err != nil {
			exitErr(err)
			return
		}
		printJSON(envs)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(os.Stdout, string(data))
}

func exitErr(err error) {
	_, _ = fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
