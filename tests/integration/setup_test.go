//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voicelane/voicelane/internal/postgres"
)

var (
	testRedisAddr    string
	testPostgresDSN  string
	testKafkaBrokers []string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	// ── Redis ────────────────────────────────────────────────────────────────
	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	redisConnStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; strip the scheme for go-redis Addr.
	testRedisAddr = strings.TrimPrefix(redisConnStr, "redis://")

	// ── PostgreSQL ───────────────────────────────────────────────────────────
	pgCtr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("voicelane"),
		tcPostgres.WithUsername("voicelane"),
		tcPostgres.WithPassword("voicelane"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start postgres container: %v", err)
	}
	defer pgCtr.Terminate(ctx) //nolint:errcheck

	pgDSN, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("postgres connection string: %v", err)
	}
	testPostgresDSN = pgDSN

	if err := runMigrations(ctx, pgDSN); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	// ── Kafka ────────────────────────────────────────────────────────────────
	kafkaCtr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("start kafka container: %v", err)
	}
	defer kafkaCtr.Terminate(ctx) //nolint:errcheck

	brokers, err := kafkaCtr.Brokers(ctx)
	if err != nil {
		log.Fatalf("kafka brokers: %v", err)
	}
	testKafkaBrokers = brokers

	return m.Run()
}

// testLogger keeps component noise out of test output unless it matters.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// createTopic explicitly creates a Kafka topic before use.
// Relying solely on AllowAutoTopicCreation in the producer is not reliable;
// the first publish can race against topic creation and return UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	if err != nil {
		t.Fatalf("kafka dial for topic creation: %v", err)
	}
	defer conn.Close()

	err = conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Fatalf("create topic %q: %v", topic, err)
	}
}

// runMigrations applies the embedded schema migrations to the test database.
func runMigrations(ctx context.Context, dsn string) error {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return fmt.Errorf("postgres pool: %w", err)
	}
	defer pool.Close()
	return postgres.Migrate(ctx, pool)
}
