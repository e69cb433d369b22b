package app

import (
	"context"
	"fmt"

	"github.com/petervdpas/bookpresence/internal/rendezvous"
	"github.com/petervdpas/bookpresence/internal/util"
)

func runServer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg.Server

	bind := cfg.Bind
	if bind == "" {
		bind = "127.0.0.1"
	}
	dbPath := ""
	if cfg.DBPath != "" {
		dbPath = util.ResolvePath(opt.Dir, cfg.DBPath)
	}

	srv, err := rendezvous.New(rendezvous.Options{
		Addr:          fmt.Sprintf("%s:%d", bind, cfg.Port),
		DBPath:        dbPath,
		RedisAddr:     cfg.RedisAddr,
		RedisChannel:  cfg.RedisChannel,
		PingInterval:  secs(cfg.PingSec),
		AdminPassword: cfg.AdminPassword,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Infow("presence server ready", "url", srv.URL(), "db", dbPath != "", "redis", cfg.RedisAddr != "")

	<-ctx.Done()
	return srv.Close()
}
