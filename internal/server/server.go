package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/quizbank/internal/api"
	"github.com/victornm/quizbank/internal/blob"
	"github.com/victornm/quizbank/internal/docstore"
	"github.com/victornm/quizbank/internal/docstore/mongostore"
	"github.com/victornm/quizbank/internal/docstore/pgstore"
	"github.com/victornm/quizbank/internal/docstore/redisstore"
	"github.com/victornm/quizbank/internal/event"
	"github.com/victornm/quizbank/internal/ingest"
	"github.com/victornm/quizbank/internal/moderation"
	"github.com/victornm/quizbank/internal/notify"
	"github.com/victornm/quizbank/internal/question"
	"github.com/victornm/quizbank/internal/search"
	"github.com/victornm/quizbank/internal/telemetry"
)

const (
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverAMQP     = "amqp"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	Log struct {
		// Level is one of debug, info, warn, error.
		Level string
	}

	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Store struct {
		Driver string
	}

	Redis struct {
		Store  RedisConfig
		Pubsub RedisConfig
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Mongo struct {
		URI      string
		Database string
		PoolSize uint64
	}

	Blob blob.MinioConfig

	Search struct {
		URL     string
		Timeout time.Duration
	}

	Notify struct {
		Driver string
	}

	AMQP struct {
		URL      string
		Exchange string
	}

	Ingest struct {
		WriteTimeout  time.Duration
		UploadTimeout time.Duration
	}
}

func (c *Config) Validate() error {
	if !slices.Contains([]string{DriverRedis, DriverPostgres, DriverMongo}, c.Store.Driver) {
		return fmt.Errorf("store.driver must be one of redis, postgres, mongo, got %q", c.Store.Driver)
	}
	if !slices.Contains([]string{DriverRedis, DriverAMQP}, c.Notify.Driver) {
		return fmt.Errorf("notify.driver must be one of redis, amqp, got %q", c.Notify.Driver)
	}
	if c.Search.URL == "" {
		return errors.New("search.url is required")
	}
	if c.Blob.Endpoint == "" || c.Blob.Bucket == "" {
		return errors.New("blob.endpoint and blob.bucket are required")
	}
	return nil
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		docs   docstore.Store
		blobs  *blob.Minio
		search *search.Client

		redis struct {
			pubsub redis.UniversalClient
		}

		amqp     *notify.AMQP
		notifier notify.Publisher
	}

	service struct {
		question   *question.Service
		ingest     *ingest.Service
		moderation *moderation.Service
	}

	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initStore(); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	if err := s.initBlob(); err != nil {
		return fmt.Errorf("blob: %w", err)
	}

	if err := s.initNotifier(); err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	s.infra.search = search.NewClient(search.Config{
		URL:     s.c.Search.URL,
		Timeout: s.c.Search.Timeout,
	})

	return nil
}

func connectRedis(name string, c RedisConfig) (redis.UniversalClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Addrs,
		Password: c.Pass,
	})

	if err := telemetry.MonitorRedis(r, name); err != nil {
		return nil, err
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return r, nil
}

func (s *Server) initStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch s.c.Store.Driver {
	case DriverRedis:
		r, err := connectRedis("store", s.c.Redis.Store)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		s.infra.docs = redisstore.New(redisstore.Config{Redis: r, Prefix: s.c.Redis.Store.Prefix})

	case DriverPostgres:
		p := s.c.Postgres
		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}

		store := pgstore.New(pgstore.Config{DB: db})
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		s.infra.docs = store

	case DriverMongo:
		opts := options.Client().ApplyURI(s.c.Mongo.URI)
		if s.c.Mongo.PoolSize > 0 {
			opts.SetMaxPoolSize(s.c.Mongo.PoolSize)
		}

		client, err := mongo.Connect(opts)
		if err != nil {
			return fmt.Errorf("mongo: %w", err)
		}

		store := mongostore.New(mongostore.Config{Client: client, Database: s.c.Mongo.Database})
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("mongo: %w", err)
		}
		s.infra.docs = store

	default:
		return fmt.Errorf("unknown driver %q", s.c.Store.Driver)
	}

	slog.Info("server: document store ready", "driver", s.c.Store.Driver)
	return nil
}

func (s *Server) initBlob() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	m, err := blob.NewMinio(s.c.Blob)
	if err != nil {
		return err
	}

	if err := m.EnsureBucket(ctx); err != nil {
		return err
	}

	s.infra.blobs = m
	return nil
}

func (s *Server) initNotifier() error {
	switch s.c.Notify.Driver {
	case DriverAMQP:
		a, err := notify.DialAMQP(s.c.AMQP.URL, s.c.AMQP.Exchange)
		if err != nil {
			return fmt.Errorf("amqp: %w", err)
		}
		s.infra.amqp = a
		s.infra.notifier = a

	default:
		r, err := connectRedis("pubsub", s.c.Redis.Pubsub)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
		s.infra.redis.pubsub = r
		s.infra.notifier = notify.NewRedis(r)
	}

	return nil
}

func (s *Server) initService() {
	s.service.question = question.NewService(question.Config{
		Docs:     s.infra.docs,
		Search:   s.infra.search,
		EventBus: s.eb,
	})

	s.service.ingest = ingest.NewService(ingest.Config{
		Docs:          s.infra.docs,
		Blobs:         s.infra.blobs,
		EventBus:      s.eb,
		WriteTimeout:  s.c.Ingest.WriteTimeout,
		UploadTimeout: s.c.Ingest.UploadTimeout,
	})

	s.service.moderation = moderation.NewService(moderation.Config{
		Docs:     s.infra.docs,
		EventBus: s.eb,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.GET("/healthz", s.healthz)
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:     e,
		EventBus:   s.eb,
		Question:   s.service.question,
		Ingest:     s.service.ingest,
		Moderation: s.service.moderation,
		Notifier:   s.infra.notifier,
		Channels:   notify.Channels{Prefix: s.c.Redis.Pubsub.Prefix},
	})

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpc, s.health)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.infra.docs.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// watchHealth mirrors the document store readiness into the gRPC health service until ctx is done.
func (s *Server) watchHealth(ctx context.Context) {
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.infra.docs.Ping(pctx)
		cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			slog.WarnContext(ctx, "server: document store ping failed", "error", err)
		}
		s.health.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	go s.watchHealth(ctx)

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.health.Shutdown()
	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	if s.infra.amqp != nil {
		if err := s.infra.amqp.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close amqp failed", "error", err)
		}
	}
	if s.infra.redis.pubsub != nil {
		if err := s.infra.redis.pubsub.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close pubsub failed", "error", err)
		}
	}
	if err := s.infra.docs.Close(ctx); err != nil {
		slog.ErrorContext(ctx, "server: close document store failed", "error", err)
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
