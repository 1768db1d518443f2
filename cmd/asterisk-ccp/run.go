package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/asterisk-ccp/internal/ami"
	"github.com/sweeney/asterisk-ccp/internal/asterisk"
	"github.com/sweeney/asterisk-ccp/internal/config"
	"github.com/sweeney/asterisk-ccp/internal/console"
	"github.com/sweeney/asterisk-ccp/internal/desk"
	"github.com/sweeney/asterisk-ccp/internal/eventloop"
	"github.com/sweeney/asterisk-ccp/internal/metrics"
	"github.com/sweeney/asterisk-ccp/internal/persist"
	"github.com/sweeney/asterisk-ccp/internal/publisher"
)

var configPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the console bridge",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Pretty)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := run(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("bridge stopped")
			return err
		}
		logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&configPath, "config", "/etc/asterisk-ccp/asterisk-ccp.yaml", "Path to config file")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	prefix := cfg.MQTT.TopicPrefix

	pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
		Broker:      cfg.MQTT.Broker,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		QoS:         cfg.MQTT.QoS,
		WillTopic:   console.StatusTopic(prefix),
		WillPayload: console.StatusOffline,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer pub.Close()
	logger.Info().Str("broker", cfg.MQTT.Broker).Msg("connected to MQTT broker")

	// Without AMI there is no telephony session; startup fails once, no retry.
	client, err := ami.Dial(ctx, ami.Options{
		Addr:        cfg.AMI.Addr(),
		Username:    cfg.AMI.Username,
		Secret:      cfg.AMI.Secret,
		DialTimeout: cfg.AMI.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", asterisk.ErrUnavailable, err)
	}
	defer client.Close()

	backend := asterisk.New(client, backendOptions(cfg, logger))
	client.OnEvent(backend.Process)

	loop := eventloop.New(logger)
	bridge := console.New(console.Config{
		Broker:    pub,
		Scheduler: loop,
		Prefix:    prefix,
		Logger:    logger,
	})
	d := desk.New(desk.Config{
		Scheduler:       loop,
		Persister:       persist.NewHTTP(cfg.Persistence.URL, cfg.Persistence.Token, cfg.Persistence.Timeout),
		Logger:          logger,
		ResetDelay:      cfg.Timing.ResetDelay,
		ErrorClearDelay: cfg.Timing.ErrorClearDelay,
		TickInterval:    cfg.Timing.Tick,
		TransferQueue:   cfg.Agent.TransferQueue,
		OnView:          bridge.PublishView,
		OnTransition:    bridge.PublishTransition,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })

	started := make(chan error, 1)
	loop.Post(func() { started <- d.Start(backend) })
	select {
	case err = <-started:
	case <-gctx.Done():
	}
	if err == nil && gctx.Err() == nil {
		err = bridge.Listen(d)
	}
	if err != nil || gctx.Err() != nil {
		cancel()
		if werr := g.Wait(); err == nil {
			err = werr
		}
		return err
	}

	g.Go(func() error {
		err := client.Serve(gctx)
		if err != nil && gctx.Err() == nil {
			return fmt.Errorf("AMI session ended: %w", err)
		}
		return nil
	})
	g.Go(func() error { return bridge.Run(gctx) })
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Listen, metrics.Router(d.Ready), logger) })
	}

	logger.Info().
		Str("agent", cfg.Agent.Interface).
		Str("queue", cfg.Agent.Queue).
		Str("topic_prefix", prefix).
		Msg("console bridge running")

	err = g.Wait()
	// The loop has stopped; nothing else touches the desk now.
	d.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func backendOptions(cfg *config.Config, logger zerolog.Logger) asterisk.Options {
	return asterisk.Options{
		AgentName:        cfg.Agent.Name,
		Interface:        cfg.Agent.Interface,
		Endpoint:         cfg.Agent.Endpoint,
		Queue:            cfg.Agent.Queue,
		Context:          cfg.Agent.Context,
		PresenceStates:   cfg.Agent.PresenceStates,
		InitialPresence:  cfg.Agent.InitialPresence,
		AfterCallWork:    cfg.Agent.AfterCallWork,
		NotifyAnswer:     cfg.Agent.NotifyAnswer,
		NotifyHold:       cfg.Agent.NotifyHold,
		NotifyResume:     cfg.Agent.NotifyResume,
		OriginateTimeout: cfg.Agent.OriginateTimeout,
		Logger:           logger,
	}
}
