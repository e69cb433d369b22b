package app

import (
	"context"
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/bookpresence/internal/config"
	"github.com/petervdpas/bookpresence/internal/proto"
)

var log = logging.Logger("app")

type Mode int

const (
	ModeClient Mode = iota
	ModeServer
)

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
	Mode    Mode

	// Join, when set, is joined on start in place of the configured chapter.
	// Reloads only change membership when the file's own chapter changes.
	Join *proto.Membership

	// Watch reloads the config file on change.
	Watch bool

	// Out receives presence updates in client mode. Default: stdout.
	Out io.Writer
}

// Run blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	if opt.Out == nil {
		opt.Out = os.Stdout
	}
	if err := ApplyLogLevels(opt.Cfg.Log); err != nil {
		return err
	}
	logBanner(opt.Dir, opt.CfgPath)

	switch opt.Mode {
	case ModeServer:
		return runServer(ctx, opt)
	case ModeClient:
		return runClient(ctx, opt)
	default:
		return fmt.Errorf("unknown mode %d", opt.Mode)
	}
}

// ApplyLogLevels sets the global level, then any per-subsystem overrides.
func ApplyLogLevels(l config.Log) error {
	lvl, err := logging.LevelFromString(l.Level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", l.Level, err)
	}
	logging.SetAllLoggers(lvl)
	for sub, level := range l.Subsystems {
		if err := logging.SetLogLevel(sub, level); err != nil {
			log.Warnw("log level not applied", "subsystem", sub, "error", err)
		}
	}
	return nil
}

func logBanner(dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof(" Working folder : %s", dir)
	log.Infof(" Config file    : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
