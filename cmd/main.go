/**
 * @description
 * This is the main entry point for the bank node. It is responsible for initializing all
 * components of the service, including configuration, the ledger store, the bank
 * registry, message brokers, the peer transport, the reconciliation job and the operator
 * HTTP API. It wires everything together, starts the servers and shuts them down
 * gracefully.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Peer admission rate limiting.
 * - internal/api, internal/app, internal/config, internal/registry, internal/store: Internal packages for the service.
 * - pkg/peer: TLS transport between banks.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/sinpe-service/internal/api"
	"github.com/transfa/sinpe-service/internal/app"
	"github.com/transfa/sinpe-service/internal/config"
	"github.com/transfa/sinpe-service/internal/domain"
	"github.com/transfa/sinpe-service/internal/registry"
	"github.com/transfa/sinpe-service/internal/store"
	"github.com/transfa/sinpe-service/pkg/peer"
	rmrabbit "github.com/transfa/sinpe-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid configuration\" err=%v", err)
	}
	policyMode, err := app.ParsePolicyMode(cfg.ReconcilePolicy)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid reconciliation policy\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting bank node\" bank_code=%s bank_name=%q store=%s policy=%s", cfg.BankCode, cfg.BankName, cfg.StoreDriver, policyMode)

	repository, closeStore := openStore(cfg)
	defer closeStore()

	banks, err := loadRegistry(cfg.BankRegistryFile)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"bank registry load failed\" path=%s err=%v", cfg.BankRegistryFile, err)
	}

	// Publishing is best effort; the node keeps serving transfers without RabbitMQ.
	var producer rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	rabbitAvailable := false
	if rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
	} else {
		producer = rabbitProducer
		rabbitAvailable = true
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}
	defer producer.Close()

	reconciler := app.NewReconciler(repository, app.ReconciliationPolicy{
		Mode:        policyMode,
		GracePeriod: cfg.ReconcileGrace(),
	}, producer, cfg.EventExchange, cfg.ReconcileBatchLimit)

	transferService := app.NewService(
		repository,
		banks,
		peer.NewClient(cfg.PeerDialTimeout(), cfg.PeerIOTimeout()),
		producer,
		reconciler,
		app.Config{
			BankCode:        cfg.BankCode,
			BankName:        cfg.BankName,
			LocalSecret:     cfg.LocalHMACSecret,
			DefaultCurrency: cfg.DefaultCurrency,
			MinAmount:       cfg.MinTransferAmount,
			MaxAmount:       cfg.MaxTransferAmount,
			EventExchange:   cfg.EventExchange,
		},
	)

	var admit peer.AdmitFunc
	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		admit = app.PeerAdmission(app.NewRedisPeerRateLimiter(redisClient, cfg.RedisRateLimitPrefix), cfg.PeerRateLimitPerMinute)
	}

	peerListener, err := peer.ListenTLS(cfg.PeerListenAddr, cfg.PeerTLSCertFile, cfg.PeerTLSKeyFile)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"peer listener failed\" addr=%s err=%v", cfg.PeerListenAddr, err)
	}
	peerServer := peer.NewServer(peer.HandlerFunc(transferService.HandleInbound), peer.ServerConfig{
		MaxConcurrent: cfg.PeerMaxConcurrentConns,
		IOTimeout:     cfg.PeerIOTimeout(),
		MaxFrameBytes: cfg.PeerMaxFrameBytes,
		Admit:         admit,
		Busy:          domain.ReplyServerBusy,
		RateLimited:   domain.ReplyRateLimited,
		Malformed:     domain.ReplyMalformed,
	})

	var rabbitConsumer *rmrabbit.Consumer
	if rabbitAvailable {
		rabbitConsumer = startReleaseConsumer(cfg, reconciler)
	}

	scheduler := app.NewScheduler(reconciler, cfg.ReconcileSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewTransferHandlers(transferService, repository, reconciler)
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(handlers, cfg.APIJWTSecret))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	go func() {
		log.Printf("level=info component=peer_server msg=\"peer server listening\" addr=%s max_concurrent=%d", peerListener.Addr(), cfg.PeerMaxConcurrentConns)
		if err := peerServer.Serve(serveCtx, peerListener); err != nil && !errors.Is(err, peer.ErrServerClosed) {
			log.Fatalf("level=fatal component=peer_server msg=\"peer server stopped unexpectedly\" err=%v", err)
		}
	}()

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=bootstrap msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	if err := peerServer.Shutdown(ctx); err != nil {
		log.Printf("level=error component=peer_server msg=\"shutdown failed\" err=%v", err)
	}
	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"reconciliation job still running at shutdown\"")
	}
	if rabbitConsumer != nil {
		rabbitConsumer.Close()
	}

	log.Println("level=info component=bootstrap msg=\"shutdown complete\"")
}

// openStore returns the configured ledger and a function releasing its resources.
func openStore(cfg config.Config) (store.Repository, func()) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		repo := store.NewMemoryRepository()
		if cfg.SeedFile != "" {
			count, err := store.SeedMemoryRepository(repo, cfg.SeedFile, cfg.DefaultCurrency)
			if err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"seed load failed\" path=%s err=%v", cfg.SeedFile, err)
			}
			log.Printf("level=info component=store msg=\"memory ledger seeded\" path=%s accounts=%d", cfg.SeedFile, count)
		} else {
			log.Println("level=warn component=store msg=\"memory ledger started empty\" env=SEED_FILE")
		}
		return repo, func() {}
	}

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")
	return store.NewPostgresRepository(dbpool), dbpool.Close
}

func loadRegistry(path string) (*registry.Registry, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		log.Printf("level=warn component=registry msg=\"bank registry file missing; outbound inter-bank transfers disabled\" path=%s", path)
		return registry.New(nil)
	}
	return registry.Load(path)
}

func connectRedis(cfg config.Config) *redis.Client {
	if cfg.PeerRateLimitPerMinute <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; peer admission limiting disabled\" env=REDIS_URL")
		return nil
	}
	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; peer admission limiting disabled\" err=%v", err)
		return nil
	}

	redisClient := redis.NewClient(redisOptions)
	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; peer admission limiting disabled\" err=%v", err)
		redisClient.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return redisClient
}

func startReleaseConsumer(cfg config.Config, reconciler *app.Reconciler) *rmrabbit.Consumer {
	consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; release requests only via API\" err=%v", err)
		return nil
	}

	releaseConsumer := app.NewReleaseRequestConsumer(reconciler)
	sub := rmrabbit.Subscription{Exchange: cfg.EventExchange, Queue: cfg.ReconcileReleaseQueue}
	routes := rmrabbit.Routes{
		domain.EventReleaseRequested: releaseConsumer.HandleMessage,
	}
	if err := consumer.Subscribe(sub, routes); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"release consumer start failed\" err=%v", err)
		consumer.Close()
		return nil
	}
	log.Printf("level=info component=bootstrap msg=\"release consumer started\" queue=%s", cfg.ReconcileReleaseQueue)
	return consumer
}
