// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/buoygate/pkg/actor"
	"github.com/Thermoquad/buoygate/pkg/cache"
	"github.com/Thermoquad/buoygate/pkg/commander"
	"github.com/Thermoquad/buoygate/pkg/config"
	"github.com/Thermoquad/buoygate/pkg/metrics"
	"github.com/Thermoquad/buoygate/pkg/processor"
	"github.com/Thermoquad/buoygate/pkg/reader"
	"github.com/Thermoquad/buoygate/pkg/supervisor"
	"github.com/Thermoquad/buoygate/pkg/transport"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the buoy gateway",
	Long: `Run the reader, processor and commander workers under one supervisor.

The reader stores every framed transaction in the cache directory before
acknowledging it. The processor drains the cache through the configured sinks
and archives each entry by outcome. The commander relays bus requests to the
per-node command queues.

With transport.type "listen" the gateway accepts TCP connections from nodes
instead of dialling one transport.`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	log := logger

	rolling, err := conf.Rolling(time.Local)
	if err != nil {
		return err
	}
	archive, err := cache.NewArchiveManager(cache.ArchiveOptions{
		Dir:      conf.Path(conf.Paths.Archive),
		Rolling:  rolling,
		Compress: conf.Archive.Compress,
		Logger:   log,
	})
	if err != nil {
		return err
	}
	defer archive.Close()

	queue, err := cache.Open(cache.Options{
		Dir:            conf.Path(conf.Paths.Cache),
		CollisionDelay: conf.Settings.CollisionAvoidanceDelay.D(),
		Archiver:       archive,
		Logger:         log,
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	b, err := openBus(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	nodes, err := commander.NewNodeMap(conf.Path(conf.Paths.Nodes), log)
	if err != nil {
		return err
	}
	queues := cache.NewNamespaced(conf.Path(conf.Paths.Commands), rolling, nil, log)
	defer queues.Close()

	streams := reader.NewStreams(conf.Framing.AutoAck, log)
	cmdr, err := commander.New(commander.Options{
		Bus:            b,
		Topics:         conf.Topics(),
		Platform:       conf.Settings.Platform,
		Nodes:          nodes,
		Queues:         queues,
		Stream:         streams,
		Framing:        conf.ProtocolFraming(),
		RequestTimeout: conf.Settings.RequestTimeout.D(),
		Logger:         log,
	})
	if err != nil {
		return err
	}
	streams.SetConfirm(cmdr.HandleResponseFrame)
	box := commander.NewMailbox(cmdr)

	registry := metrics.NewRegistry()
	proc, err := buildProcessor(cmdr, box, log)
	if err != nil {
		return err
	}
	manager, err := processor.NewManager(processor.ManagerOptions{
		Name:       "processor",
		Queue:      queue,
		Processor:  proc,
		Sleep:      conf.Settings.ProcessorSleep.D(),
		ErrorSleep: conf.Settings.ErrorSleep.D(),
		Watch:      true,
		Counter:    registry.Counter("processor"),
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ingest := reader.Ingest{
		Queue:         queue,
		Framing:       conf.ProtocolFraming(),
		MaxBuffer:     conf.Framing.MaxBuffer,
		Verifier:      conf.Verifier(),
		StartupIgnore: conf.Settings.StartupIgnoreThreshold.D(),
		DropCR:        conf.Settings.DropCarriageReturn,
		Streams:       streams,
		Counter:       registry.Counter("reader"),
		Logger:        log,
	}
	readerWorker, err := buildReader(ingest)
	if err != nil {
		return err
	}

	workers := []supervisor.Worker{
		readerWorker,
		{Name: "processor", Run: manager.Run},
		{Name: "commander", Run: cmdr.Run},
		{Name: "commander-mailbox", Run: box.Run},
		{Name: "status", Run: func(ctx context.Context) error {
			return registry.LogStatus(ctx, conf.Metrics.StatusInterval.D(), log)
		}},
	}
	if conf.Metrics.Listen != "" {
		workers = append(workers, supervisor.Worker{Name: "metrics", Run: func(ctx context.Context) error {
			return registry.Serve(ctx, conf.Metrics.Listen)
		}})
	}
	if conf.RPC.Listen != "" {
		srv := actor.NewServer("gateway", log)
		commander.RegisterRPC(srv, box)
		workers = append(workers, supervisor.Worker{Name: "rpc", Run: func(ctx context.Context) error {
			ln, err := listenRPC(conf.RPC)
			if err != nil {
				return err
			}
			return srv.Serve(ctx, ln)
		}})
	}

	log.Info("gateway starting", "cache", queue.Dir(), "platform", conf.Settings.Platform)
	sup := supervisor.New(supervisor.Options{Sleep: conf.Settings.WatchdogSleep.D(), Logger: log})
	if err := sup.Run(ctx, workers...); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("gateway stopped", "status", registry.Status())
	return nil
}

// buildReader returns the worker that owns the node transport.
func buildReader(in reader.Ingest) (supervisor.Worker, error) {
	if conf.Transport.Type == config.TypeListen {
		l, err := reader.NewListener(reader.ListenerOptions{
			Ingest:  in,
			Address: conf.Transport.Listen,
			Allow:   conf.Transport.Allow,
		})
		if err != nil {
			return supervisor.Worker{}, err
		}
		return supervisor.Worker{Name: "listener", Run: l.Run}, nil
	}

	opts, err := transportOptions()
	if err != nil {
		return supervisor.Worker{}, err
	}
	r, err := reader.New(reader.Options{
		Ingest:     in,
		Name:       "reader",
		StreamID:   streamName(opts),
		MinBackoff: conf.Settings.ReaderErrorSleep.D(),
		Dial: func(context.Context) (transport.Connection, error) {
			conn, _, err := transport.Open(opts)
			return conn, err
		},
	})
	if err != nil {
		return supervisor.Worker{}, err
	}
	return supervisor.Worker{Name: "reader", Run: r.Run}, nil
}

func streamName(o transport.Options) string {
	for _, s := range []string{o.Port, o.URL, o.Address} {
		if s != "" {
			return s
		}
	}
	return "reader"
}

// buildProcessor assembles the configured sink chain.
func buildProcessor(cmdr *commander.Commander, box *actor.Mailbox[*commander.Commander], log *slog.Logger) (processor.Processor, error) {
	var procs []processor.Processor
	for i, s := range conf.Processors.Sinks {
		var p processor.Processor
		switch s.Type {
		case config.SinkBus:
			p = commander.MailboxProcessor{P: commander.NewBusProcessor(cmdr, conf.Settings.SendData), Box: box}
		case config.SinkLog:
			p = processor.Logging{Logger: log.With("sink", "log"), Level: slog.LevelInfo}
		case config.SinkFile:
			rolling, err := cache.ParseRolling(s.Rolling, time.Local)
			if err != nil {
				return nil, err
			}
			dir := s.Dir
			if dir == "" {
				dir = conf.Paths.Data
			}
			prefix := s.Prefix
			if prefix == "" {
				prefix = "data"
			}
			p = &processor.FileAppender{Dir: conf.Path(dir), Prefix: prefix, Rolling: rolling}
		case config.SinkJSON:
			p = &processor.JSONFile{Path: conf.Path(s.Path), Limit: s.Limit}
		case config.SinkUpload:
			p = &processor.Upload{URL: s.URL, Username: s.Username, Password: os.Getenv(s.PasswordEnv)}
		default:
			return nil, fmt.Errorf("processors.sinks[%d]: unknown type %q", i, s.Type)
		}

		if s.DataOnly {
			p = processor.Transform{Fn: processor.DataLines(conf.ProtocolFraming()), Next: p}
		}
		if s.Every > 1 {
			p = &processor.CountingFilter{Every: s.Every, Next: p}
		}
		if s.IgnoreResult {
			p = processor.IgnoreResult{P: p, Logger: log}
		}
		procs = append(procs, p)
	}

	if len(procs) == 1 {
		return procs[0], nil
	}
	mode := processor.Any
	if conf.Processors.Mode == "all" {
		mode = processor.All
	}
	return processor.Composite{Mode: mode, Processors: procs}, nil
}
