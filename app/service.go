package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/voltbridge/csms/config"
	"github.com/voltbridge/csms/core/billing"
	"github.com/voltbridge/csms/core/command"
	coremetrics "github.com/voltbridge/csms/core/metrics"
	"github.com/voltbridge/csms/core/model"
	"github.com/voltbridge/csms/core/schedule"
	"github.com/voltbridge/csms/core/status"
	"github.com/voltbridge/csms/core/tx"
	"github.com/voltbridge/csms/infra/logger"
	"github.com/voltbridge/csms/infra/metrics"
	"github.com/voltbridge/csms/infra/notify"
	"github.com/voltbridge/csms/infra/pricing"
	"github.com/voltbridge/csms/infra/status/redisstatus"
	"github.com/voltbridge/csms/infra/store/postgres"
	mqtttransport "github.com/voltbridge/csms/infra/transport/mqtt"
	"github.com/voltbridge/csms/infra/transport/ws"
	"github.com/voltbridge/csms/infra/wallet"
	"github.com/voltbridge/csms/internal/eventbus"
)

// Service owns the wired components and their lifecycles.
type Service struct {
	Sessions   *tx.Manager
	Billing    *billing.Engine
	Scheduler  *schedule.Engine
	Dispatcher *command.Dispatcher
	WS         *ws.Server

	cfg   *config.Config
	bus   eventbus.EventBus
	sink  coremetrics.MetricsSink
	log   logger.Logger
	pool  *pgxpool.Pool
	redis *redis.Client
	mqtt  *mqtttransport.Transport
}

// New builds the service from the configuration. External systems named in the
// config (postgres, redis, the MQTT broker) are dialed here, so a missing
// dependency fails the boot instead of the first request.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	svc := &Service{cfg: cfg, log: logger.New("service"), bus: eventbus.New()}

	sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("metrics sinks: %w", err)
	}
	svc.sink = sink

	statuses, err := svc.buildStatusStore()
	if err != nil {
		svc.Close()
		return nil, err
	}
	txRepo, meterRepo, ledgerRepo, scheduleRepo, err := svc.buildRepos(ctx)
	if err != nil {
		svc.Close()
		return nil, err
	}

	pricingSrc := pricing.NewHTTPSource(cfg.Pricing, logger.New("pricing"))
	walletCli := wallet.NewClient(cfg.Wallet, logger.New("wallet"))
	notifier := notify.NewHTTPSink(cfg.Notify, logger.New("notify"))

	// The transaction repo doubles as the connector history: it knows the
	// last stop value recorded before any transaction.
	engine, err := billing.NewEngine(cfg.Billing, ledgerRepo, pricingSrc, walletCli, walletCli,
		txRepo, sink, svc.bus, logger.New("billing"))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Billing = engine

	// The websocket server needs the call router and the router needs the
	// transaction manager, which in turn is reached through the dispatcher
	// that sends over this very server. The closure breaks the cycle.
	var router *Router
	wsServer, err := ws.NewServer(cfg.Websocket, statuses,
		func(ctx context.Context, chargeBoxID, action string, payload json.RawMessage) (any, error) {
			return router.Handle(ctx, chargeBoxID, action, payload)
		}, logger.New("ws"))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.WS = wsServer

	transports := []command.Transport{wsServer}
	if cfg.MQTT.Broker != "" {
		mq, err := mqtttransport.New(cfg.MQTT, logger.New("mqtt"))
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("mqtt transport: %w", err)
		}
		svc.mqtt = mq
		transports = append(transports, mq)
	} else if cfg.Server.DefaultTransport == string(model.TransportMQTT) {
		svc.Close()
		return nil, fmt.Errorf("default transport is mqtt but no broker is configured")
	}

	registry := command.NewRegistry(model.TransportKind(cfg.Server.DefaultTransport))
	dispatcher, err := command.NewDispatcher(registry,
		time.Duration(cfg.Server.CommandTimeoutMS)*time.Millisecond,
		logger.New("command"), svc.bus, transports...)
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Dispatcher = dispatcher

	sessions, err := tx.NewManager(cfg.Transactions, txRepo, meterRepo, engine, statuses,
		dispatcher, scheduleRepo, notifier, svc.bus, logger.New("tx"))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Sessions = sessions
	engine.SetStopper(sessions)
	router = NewRouter(sessions, statuses, logger.New("ocpp"))

	scheduler, err := schedule.NewEngine(cfg.Schedule, scheduleRepo, dispatcher, sessions,
		statuses, notifier, svc.bus, logger.New("schedule"))
	if err != nil {
		svc.Close()
		return nil, err
	}
	svc.Scheduler = scheduler
	return svc, nil
}

func (s *Service) buildStatusStore() (status.Store, error) {
	switch s.cfg.Status.Backend {
	case "redis":
		client, err := redisstatus.NewClient(s.cfg.Status.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.redis = client
		ttl := time.Duration(s.cfg.Status.Redis.OnlineTTL) * time.Second
		return redisstatus.NewStore(client, ttl), nil
	default:
		return status.NewMemoryStore(), nil
	}
}

func (s *Service) buildRepos(ctx context.Context) (tx.TransactionRepo, tx.MeterRepo, billing.LedgerRepo, schedule.ScheduleRepo, error) {
	if s.cfg.Store.Backend != "postgres" {
		return tx.NewMemoryTransactionRepo(), tx.NewMemoryMeterRepo(),
			billing.NewMemoryLedger(), schedule.NewMemoryScheduleRepo(), nil
	}
	pool, err := postgres.Connect(ctx, s.cfg.Store.Postgres)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	s.pool = pool
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return nil, nil, nil, nil, err
	}
	return postgres.NewTransactionRepo(pool), postgres.NewMeterRepo(pool),
		postgres.NewLedgerRepo(pool), postgres.NewScheduleRepo(pool), nil
}

// Run serves until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	metrics.StartEventCollector(ctx, s.bus, s.sink)

	if closed, err := s.Sessions.CloseOrphans(ctx); err != nil {
		s.log.Warnf("orphan sweep: %v", err)
	} else if closed > 0 {
		s.log.Infof("closed %d orphaned transactions", closed)
	}

	go func() {
		if err := s.Scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Errorf("schedule engine: %v", err)
		}
	}()
	if s.cfg.Server.PromAddr != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, s.cfg.Server.PromAddr); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: s.cfg.Server.ListenAddr, Handler: s.WS}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("listener shutdown: %v", err)
		}
	}()
	s.log.Infof("serving OCPP websocket on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	if s.mqtt != nil {
		s.mqtt.Disconnect()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warnf("redis close: %v", err)
		}
	}
	if s.bus != nil {
		s.bus.Close()
	}
	return nil
}
