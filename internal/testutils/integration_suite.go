package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"quantforge/backend/internal/config"
)

type IntegrationSuite struct {
	T     *testing.T
	DB    *sql.DB
	NSQ   *nsq.Producer
	Redis *redis.Client

	NSQAddr     string
	NSQHTTPAddr string
	RedisURL    string

	pgHost string
	pgPort int

	// Containers
	pgContainer    *postgres.PostgresContainer
	nsqContainer   testcontainers.Container
	redisContainer testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

// Setup starts Postgres (with migrations applied) and nsqd.
func (s *IntegrationSuite) Setup() {
	s.SetupPostgres()
	s.SetupNSQ()
}

func (s *IntegrationSuite) SetupPostgres() {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quantforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", connStr)
	require.NoError(s.T, err)

	s.pgHost, err = pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	s.pgPort = port.Int()

	// Run Migrations
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)
	migrationPath := fmt.Sprintf("file://%s/../../migrations", basepath)

	m, err := migrate.New(migrationPath, connStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())
}

func (s *IntegrationSuite) SetupNSQ() {
	ctx := context.Background()

	nsqReq := testcontainers.ContainerRequest{
		Image:        "nsqio/nsq:v1.3.0",
		ExposedPorts: []string{"4150/tcp", "4151/tcp"},
		Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
		WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
	}
	nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: nsqReq,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.nsqContainer = nsqC

	nsqHost, err := nsqC.Host(ctx)
	require.NoError(s.T, err)
	nsqPort, err := nsqC.MappedPort(ctx, "4150")
	require.NoError(s.T, err)

	nsqHTTPPort, err := nsqC.MappedPort(ctx, "4151")
	require.NoError(s.T, err)

	s.NSQAddr = fmt.Sprintf("%s:%s", nsqHost, nsqPort.Port())
	s.NSQHTTPAddr = fmt.Sprintf("%s:%s", nsqHost, nsqHTTPPort.Port())
	s.NSQ, err = nsq.NewProducer(s.NSQAddr, nsq.NewConfig())
	require.NoError(s.T, err)
}

func (s *IntegrationSuite) SetupRedis() {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	redisC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(s.T, err)
	s.redisContainer = redisC

	host, err := redisC.Host(ctx)
	require.NoError(s.T, err)
	port, err := redisC.MappedPort(ctx, "6379")
	require.NoError(s.T, err)

	s.RedisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	opts, err := redis.ParseURL(s.RedisURL)
	require.NoError(s.T, err)
	s.Redis = redis.NewClient(opts)
	require.NoError(s.T, s.Redis.Ping(ctx).Err())
}

// GetAppConfig returns a valid config pointing at the started containers,
// with every background component disabled.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	_, b, _, _ := runtime.Caller(0)
	basepath := filepath.Dir(b)

	cfg := &config.Config{
		DBHost:                     s.pgHost,
		DBPort:                     s.pgPort,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "quantforge_test",
		NSQDHost:                   s.NSQAddr,
		NSQDHTTP:                   s.NSQHTTPAddr,
		QueueBackend:               config.QueueBackendMemory,
		RedisURL:                   s.RedisURL,
		RedisPrefix:                "quantforge-test:",
		WorkerMaxConcurrent:        2,
		WorkerPollInterval:         50 * time.Millisecond,
		JobTimeout:                 30 * time.Second,
		WorkDir:                    s.T.TempDir(),
		MonitorSweepInterval:       time.Second,
		MonitorProcessingTimeout:   time.Minute,
		MonitorSafetyMargin:        10 * time.Second,
		StorageRoot:                s.T.TempDir(),
		EngineCommand:              "quantize",
		RetentionSchedule:          "@daily",
		JobRetentionDays:           30,
		TempRetentionHours:         24,
		MigrationPath:              fmt.Sprintf("file://%s/../../migrations", basepath),
		LogLevel:                   "debug",
		ServerPort:                 8081,
		CORSAllowedOrigins:         []string{"*"},
		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
	if s.RedisURL != "" {
		cfg.QueueBackend = config.QueueBackendRedis
	}
	return cfg
}

func (s *IntegrationSuite) Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
	if s.pgContainer != nil {
		s.pgContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		s.nsqContainer.Terminate(ctx)
	}
	if s.redisContainer != nil {
		s.redisContainer.Terminate(ctx)
	}
}
