package main

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/redis/go-redis/v9"
	"github.com/rtcheap/call-manager/internal/broadcast"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/rtc"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

type env struct {
	cfg         config
	db          *sql.DB
	rdb         *redis.Client
	transport   broadcast.Transport
	traceCloser io.Closer
	callService *service.CallService
	socket      *service.WebsocketHandler
	agent       *agent
}

func (e *env) checkHealth() error {
	err := dbutil.Connected(e.db)
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	if e.rdb == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = e.rdb.Ping(ctx).Err()
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	return nil
}

func (e *env) close() {
	e.agent.stop()
	e.socket.Close()

	err := e.transport.Close()
	if err != nil {
		log.Error("failed to close broadcast transport", zap.Error(err))
	}

	if e.rdb != nil {
		err = e.rdb.Close()
		if err != nil {
			log.Error("failed to close redis connection", zap.Error(err))
		}
	}

	err = e.db.Close()
	if err != nil {
		log.Error("failed to close database connection", zap.Error(err))
	}

	if e.traceCloser != nil {
		err = e.traceCloser.Close()
		if err != nil {
			log.Error("failed to close tracer connection", zap.Error(err))
		}
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	db := dbutil.MustConnect(cfg.db)
	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	var rdb *redis.Client
	var transport broadcast.Transport
	if cfg.redis.addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redis.addr,
			Password: cfg.redis.password,
		})
		transport = broadcast.NewRedisTransport(rdb, cfg.redis.prefix)
	} else {
		log.Warn("REDIS_ADDR not set, broadcasting in process only")
		transport = broadcast.NewHub()
	}

	factory, err := rtc.NewPionFactory(rtc.DefaultPionOptions())
	if err != nil {
		log.Fatal("failed to create peer connection factory", zap.Error(err))
	}

	e := newEnv(cfg, db, transport, factory, mediaDevices())
	e.rdb = rdb
	e.traceCloser = closer
	e.agent.ice = newIceService(cfg)
	return e
}

func newEnv(cfg config, db *sql.DB, transport broadcast.Transport, factory rtc.Factory, devices rtc.MediaDevices) *env {
	signals := repository.NewSignalRepository(db)
	callService := &service.CallService{
		CallRepo:    repository.NewCallRepository(db),
		SignalRepo:  signals,
		ProfileRepo: repository.NewProfileRepository(db),
		Transport:   transport,
	}
	socket := service.NewWebsocketHandler()

	return &env{
		cfg:         cfg,
		db:          db,
		transport:   transport,
		callService: callService,
		socket:      socket,
		agent: &agent{
			userID:      cfg.userID,
			calls:       callService,
			ice:         &service.IceService{StunURLs: cfg.stunURLs},
			signals:     signals,
			transport:   transport,
			factory:     factory,
			devices:     devices,
			socket:      socket,
			ringTimeout: cfg.ringTimeout,
		},
	}
}

func newIceService(cfg config) *service.IceService {
	s := &service.IceService{
		DiscoverRelays:  cfg.serviceRegistry.url != "",
		TurnRPCProtocol: cfg.turn.rpcProtocol,
		RelayPort:       cfg.turn.udpPort,
		StunURLs:        cfg.stunURLs,
	}
	if !s.DiscoverRelays {
		return s
	}

	s.RegistryClient = serviceregistry.NewClient(newRPCClient(cfg, cfg.serviceRegistry.url))
	s.TurnClient = turnserver.NewClient(newRPCClient(cfg, ""))
	return s
}

func newRPCClient(cfg config, baseURL string) client.Client {
	return client.Client{
		RPCClient: rpc.NewClient(5 * time.Second),
		Issuer:    jwt.NewIssuer(cfg.jwtCredentials),
		BaseURL:   baseURL,
		Role:      jwt.SystemRole,
		UserAgent: "call-manager",
	}
}
