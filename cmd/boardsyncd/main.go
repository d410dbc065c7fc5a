package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"boardsync/internal/board"
	"boardsync/internal/config"
	"boardsync/internal/domain"
	"boardsync/internal/eventlog"
	"boardsync/internal/ingest/kafka"
	"boardsync/internal/ingest/rabbitmq"
	"boardsync/internal/ingest/socket"
	"boardsync/internal/replica"
	"boardsync/internal/schedule"
	"boardsync/internal/storage/sqlite"
)

func main() {
	cfgPath := flag.String("config", "boardsync.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := board.NewStore()
	elog := eventlog.New()

	var engineOpts []board.EngineOption
	if cfg.Archive.Enabled {
		archive, err := sqlite.NewStore(cfg.Server.DataDir)
		if err != nil {
			log.Fatalf("open archive: %v", err)
		}
		defer archive.Close()
		engineOpts = append(engineOpts, board.WithArchive(archive))
	}
	engine := board.NewEngine(cfg.Server.ClientID, elog, store, engineOpts...)

	loop := schedule.NewFrameLoop(cfg.Scheduler.TickInterval())
	scheduler := schedule.New(store, logRenderer{}, loop.RunSoon,
		schedule.WithFrameBudget(cfg.Scheduler.FrameBudget()))
	store.Watch(scheduler)
	loop.Start(ctx)
	defer loop.Stop()

	if cfg.Replica.Enabled {
		rep, err := replica.NewEngine(replica.Config{
			NodeID:              cfg.Replica.NodeID,
			Address:             cfg.Replica.Address,
			PeerAddresses:       cfg.Replica.Peers,
			BootstrapNewCluster: cfg.Replica.BootstrapNewCluster,
			Apply: func(cmd replica.PublishBatchCommand) {
				for _, entry := range cmd.Entries {
					if _, err := engine.Publish(ctx, boardEvent(entry)); err != nil {
						log.Printf("replica apply: %v", err)
					}
				}
			},
		})
		if err != nil {
			log.Fatalf("start replica: %v", err)
		}
		rep.Start()
		defer rep.Stop()
	}

	if cfg.Ingest.Socket.Enabled {
		srv := socket.NewServer(socket.Config{
			Network:          cfg.Ingest.Socket.Network,
			Address:          cfg.Ingest.Socket.Address,
			UnixSocketPath:   cfg.Ingest.Socket.UnixSocketPath,
			AuthToken:        cfg.Ingest.Socket.AuthToken,
			Workers:          cfg.Ingest.Socket.Workers,
			MaxInflight:      cfg.Ingest.Socket.MaxInflight,
			GlobalQueueLimit: cfg.Ingest.Socket.GlobalQueueLimit,
		}, engine)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("socket server: %v", err)
			}
		}()
		defer srv.Close()
	}

	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafka.Config{
			Enabled:     true,
			Brokers:     cfg.Ingest.Kafka.Brokers,
			Topics:      cfg.Ingest.Kafka.Topics,
			GroupID:     cfg.Ingest.Kafka.GroupID,
			WorkerCount: cfg.Ingest.Kafka.Workers,
		}, engine)
		if err != nil {
			log.Fatalf("kafka adapter: %v", err)
		}
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				log.Printf("kafka adapter: %v", err)
			}
		}()
	}

	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Ingest.RabbitMQ.URL,
			Exchange:      cfg.Ingest.RabbitMQ.Exchange,
			Queue:         cfg.Ingest.RabbitMQ.Queue,
			RoutingKeys:   cfg.Ingest.RabbitMQ.RoutingKeys,
			PrefetchCount: cfg.Ingest.RabbitMQ.PrefetchCount,
			ManualAck:     true,
			Workers:       cfg.Ingest.RabbitMQ.Workers,
			DeliveryQueue: cfg.Ingest.RabbitMQ.DeliveryQueue,
		}, engine)
		if err != nil {
			log.Fatalf("rabbitmq adapter: %v", err)
		}
		if err := adapter.Start(ctx); err != nil {
			log.Fatalf("start rabbitmq adapter: %v", err)
		}
		defer adapter.Close()
	}

	log.Printf("boardsyncd node=%s adapters(socket=%t kafka=%t rabbitmq=%t) replica=%t archive=%t",
		cfg.Server.NodeID,
		cfg.Ingest.Socket.Enabled,
		cfg.Ingest.Kafka.Enabled,
		cfg.Ingest.RabbitMQ.Enabled,
		cfg.Replica.Enabled,
		cfg.Archive.Enabled,
	)

	<-ctx.Done()
	log.Printf("boardsyncd shutting down")
}

// logRenderer is the headless render target: refreshes only show up in the
// process log. UI hosts replace it with a real drawing surface.
type logRenderer struct{}

func (logRenderer) RenderEntity(ref domain.EntityRef, _ domain.Entity, present bool) {
	log.Printf("render %s/%s present=%t", ref.Kind, ref.ID, present)
}

func (logRenderer) RenderBoard(state domain.BoardState) {
	log.Printf("render board notes=%d connectors=%d", len(state.Notes), len(state.Connectors))
}

func boardEvent(e replica.CommandEntry) domain.Event {
	return domain.Event{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		ClientID:  e.ClientID,
		Kind:      e.Kind,
		Payload:   append([]byte(nil), e.Payload...),
	}
}
