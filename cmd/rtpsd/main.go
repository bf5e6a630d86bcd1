package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/rtpscore/internal/config"
	"github.com/danmuck/rtpscore/internal/endpoint"
	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/logging"
	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/receiver"
	"github.com/danmuck/rtpscore/internal/server"
	"github.com/danmuck/rtpscore/internal/transport"
	"github.com/rs/zerolog"
)

func main() {
	path := flag.String("config", "cmd/rtpsd/config.toml", "participant config path")
	interval := flag.Duration("publish-interval", 0, "write a sample on every writer at this interval (0 disables)")
	message := flag.String("publish-message", "HelloWorld", "payload prefix for published samples")
	flag.Parse()

	if err := run(*path, *interval, *message); err != nil {
		fmt.Fprintf(os.Stderr, "rtpsd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, interval time.Duration, message string) error {
	logger := observability.InitLogger("rtpsd")
	cfg, err := config.LoadEngineConfig(path)
	if err != nil {
		return err
	}
	if level, ok := logging.ParseLevel(cfg.LogLevel); ok {
		zerolog.SetGlobalLevel(level)
	}
	observability.RegisterMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := transport.Listen(cfg.Listen, cfg.MaxMessageSize, cfg.Timing.Backoff)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := endpoint.NewRegistry(config.RegistryOptions(cfg, conn))
	defer reg.Close()

	eps, err := config.Build(reg, cfg, endpoint.ListenerFunc(func(r *endpoint.Reader, c *history.CacheChange) {
		logger.Info().
			Str("reader", r.Attributes().Name).
			Str("writer", c.WriterGUID.String()).
			Int64("sn", int64(c.SequenceNumber)).
			Str("kind", c.Kind.String()).
			Int("bytes", len(c.Data())).
			Msg("change received")
	}))
	if err != nil {
		return err
	}
	logger.Info().
		Str("guid_prefix", reg.Prefix().String()).
		Str("listen", cfg.Listen).
		Int("readers", len(eps.Readers)).
		Int("writers", len(eps.Writers)).
		Msg("participant ready")

	errCh := make(chan error, 2)
	go func() {
		errCh <- conn.Serve(ctx, receiver.New(reg))
	}()
	if cfg.Admin.Addr != "" {
		admin := server.New("rtpsd", cfg, reg, observability.Component("admin"))
		go func() {
			errCh <- admin.Run(ctx)
		}()
	}
	if interval > 0 && len(eps.Writers) > 0 {
		go publish(ctx, logger, eps.Writers, interval, message)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// publish writes a numbered sample on every writer per tick.
func publish(ctx context.Context, logger zerolog.Logger, writers []*endpoint.Writer, interval time.Duration, message string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		payload := []byte(fmt.Sprintf("%s %d", message, n))
		for _, w := range writers {
			sn, err := w.Write(protocol.ChangeAlive, protocol.InstanceHandle{}, payload)
			if err != nil {
				logger.Warn().Err(err).Str("writer", w.Attributes().Name).Msg("publish failed")
				continue
			}
			logger.Debug().Str("writer", w.Attributes().Name).Int64("sn", int64(sn)).Msg("published")
		}
	}
}
