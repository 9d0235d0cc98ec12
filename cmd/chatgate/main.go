// Package main runs the chatgate admission server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/teilomillet/chatgate/config"
	"github.com/teilomillet/chatgate/gate"
	"github.com/teilomillet/chatgate/ratelimit"
	"github.com/teilomillet/chatgate/server"
	"github.com/teilomillet/chatgate/session"
	"github.com/teilomillet/chatgate/utils"
)

type cmdFlags struct {
	configPath string
	listenAddr string
	logLevel   string
}

func parseFlags(args []string) (*cmdFlags, error) {
	flags := &cmdFlags{}
	flagSet := pflag.NewFlagSet("chatgate", pflag.ContinueOnError)
	flagSet.StringVar(&flags.configPath, "config", "", "path to a YAML config file")
	flagSet.StringVar(&flags.listenAddr, "listen", "", "address to listen on (overrides config)")
	flagSet.StringVar(&flags.logLevel, "log-level", "", "log level: off, error, warn, info, debug (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return flags, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "chatgate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cfg, flags); err != nil {
		return err
	}

	logger := utils.NewLogger(cfg.LogLevel)
	if cfg.LogLevel == utils.LogLevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	trimmer, err := cfg.Trimmer(logger)
	if err != nil {
		return err
	}

	deps := gate.Deps[*server.EchoConversation]{
		Limiter:  ratelimit.New(cfg.RateLimit(), ratelimit.WithLogger(logger)),
		Sessions: session.NewStore[*server.EchoConversation](cfg.Session(), session.WithLogger(logger)),
		Trimmer:  trimmer,
		Logger:   logger,
	}
	if cfg.ResponseCacheSize > 0 {
		deps.Responses = gate.NewResponseCache(cfg.ResponseCacheSize, cfg.ResponseCacheTTL)
	}
	g := gate.New(deps)
	g.Start(cfg.CleanupInterval)
	defer g.Close()

	logger.Info("Admission layer ready",
		"max_tokens", cfg.RateLimitMaxTokens,
		"refill_rate", cfg.RateLimitRefillRate,
		"max_sessions", cfg.MaxSessions,
		"session_timeout", cfg.SessionTimeout,
		"token_budget", cfg.TokenBudget,
		"max_history_messages", cfg.MaxHistoryMessages,
		"tokenizer", cfg.Tokenizer,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg.ListenAddr, g, server.EchoResponder{}, logger)
	if err := srv.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	return srv.Run(ctx)
}

func applyFlags(cfg *config.Config, flags *cmdFlags) error {
	var opts []config.ConfigOption
	if flags.listenAddr != "" {
		opts = append(opts, config.SetListenAddr(flags.listenAddr))
	}
	if flags.logLevel != "" {
		var level utils.LogLevel
		if err := level.UnmarshalText([]byte(flags.logLevel)); err != nil {
			return err
		}
		opts = append(opts, config.SetLogLevel(level))
	}
	config.ApplyOptions(cfg, opts...)
	return cfg.Validate()
}
