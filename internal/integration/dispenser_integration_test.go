//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/andreasstove999/cash-dispenser-go/internal/cassette"
	"github.com/andreasstove999/cash-dispenser-go/internal/db"
	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
	"github.com/andreasstove999/cash-dispenser-go/internal/eventlog"
	"github.com/andreasstove999/cash-dispenser-go/internal/events"
	"github.com/andreasstove999/cash-dispenser-go/internal/withdrawal"
)

const atmID = "atm-it"

var cassettes = []dispenser.Denomination{
	{NoteValue: 1000, Count: 10},
	{NoteValue: 500, Count: 10},
	{NoteValue: 100, Count: 10},
}

func TestDispenserIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	pgC, dbURL := startPostgres(ctx, t)
	defer terminateContainer(t, pgC)

	rabbitC, rabbitURL := startRabbitMQ(ctx, t)
	defer terminateContainer(t, rabbitC)

	logger := zaptest.NewLogger(t)
	require.NoError(t, db.RunMigrations(dbURL, logger))

	pool, err := db.NewPool(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	repo := cassette.NewPostgresRepository(pool)
	require.NoError(t, repo.Seed(ctx, atmID, cassettes))

	conn := dialAMQP(ctx, t, rabbitURL)
	defer conn.Close()

	pub, err := events.NewPublisher(conn, eventlog.NewSequences(pool), events.PublisherOptions{PublishEnveloped: true})
	require.NoError(t, err)
	defer pub.Close()

	dispensedQueue := bindTestQueue(t, conn, events.CashDispensedRoutingKey)

	loaded, err := repo.Load(ctx, atmID)
	require.NoError(t, err)
	d, err := dispenser.New(loaded)
	require.NoError(t, err)
	svc := withdrawal.NewService(atmID, d, repo, pub, logger)

	out, err := svc.Withdraw(ctx, "it-req-1", 2700)
	require.NoError(t, err)
	require.True(t, out.Success)
	require.Equal(t, map[int]int{1000: 2, 500: 1, 100: 2}, out.Notes)

	stored, err := repo.Load(ctx, atmID)
	require.NoError(t, err)
	require.Equal(t, d.Stock(), stored)

	var ev events.Event[events.CashDispensedPayload]
	waitForMessage(ctx, t, conn, dispensedQueue, &ev)
	require.Equal(t, "it-req-1", ev.Payload.RequestID)
	require.Equal(t, int64(1), ev.Sequence)

	// A rejected withdrawal leaves stored stock alone.
	out, err = svc.Withdraw(ctx, "it-req-2", 150)
	require.NoError(t, err)
	require.False(t, out.Success)
	after, err := repo.Load(ctx, atmID)
	require.NoError(t, err)
	require.Equal(t, stored, after)

	// A fresh process replays the recorded outcome instead of paying twice.
	restarted, err := dispenser.New(after)
	require.NoError(t, err)
	svc2 := withdrawal.NewService(atmID, restarted, repo, nil, logger)
	replay, err := svc2.Withdraw(ctx, "it-req-1", 2700)
	require.NoError(t, err)
	require.Equal(t, map[int]int{1000: 2, 500: 1, 100: 2}, replay.Notes)
	require.Equal(t, after, restarted.Stock())

	_, err = svc2.Withdraw(ctx, "it-req-1", 500)
	require.ErrorIs(t, err, withdrawal.ErrRequestReused)

	// A replenishment event commits stored notes and its checkpoint together.
	handler := events.CassetteReplenishedHandler(atmID, svc2, repo, eventlog.NewCheckpoints(pool), logger)
	body, err := json.Marshal(events.Event[events.CassetteReplenishedPayload]{
		EventEnvelope: events.EventEnvelope{
			EventName:    events.EventTypeCassetteReplenished,
			EventVersion: 1,
			EventID:      "it-evt-1",
			Producer:     "cash-ops",
			PartitionKey: atmID,
			Sequence:     1,
			OccurredAt:   time.Now().UTC(),
		},
		Payload: events.CassetteReplenishedPayload{ATMID: atmID, Note: 500, Count: 2},
	})
	require.NoError(t, err)
	require.NoError(t, handler(ctx, body))
	require.NoError(t, handler(ctx, body))
	replenished, err := repo.Load(ctx, atmID)
	require.NoError(t, err)
	require.Equal(t, after[1].Count+2, replenished[1].Count)
	require.Equal(t, replenished, restarted.Stock())

	require.NoError(t, svc2.Replenish(ctx, 100, 5))
	final, err := repo.Load(ctx, atmID)
	require.NoError(t, err)
	require.Equal(t, restarted.Stock(), final)
}

func startPostgres(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "dispenser"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/dispenser?sslmode=disable", host, mappedPort.Port())
	return container, dsn
}

func startRabbitMQ(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "rabbitmq:3-management",
		ExposedPorts: []string{"5672/tcp", "15672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	mappedPort, err := container.MappedPort(ctx, "5672/tcp")
	require.NoError(t, err)

	return container, fmt.Sprintf("amqp://guest:guest@%s:%s/", host, mappedPort.Port())
}

func terminateContainer(t *testing.T, c testcontainers.Container) {
	t.Helper()
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Terminate(terminateCtx))
}

func bindTestQueue(t *testing.T, conn *amqp.Connection, routingKey string) string {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	queue := "it." + routingKey
	_, err = ch.QueueDeclare(queue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(queue, routingKey, events.EventsExchange, false, nil))
	return queue
}

func waitForMessage[T any](ctx context.Context, t *testing.T, conn *amqp.Connection, queue string, dest *T) {
	t.Helper()

	ch, err := conn.Channel()
	require.NoError(t, err)
	defer ch.Close()

	pollCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		select {
		case <-pollCtx.Done():
			t.Fatalf("timed out waiting for message on %s: %v", queue, pollCtx.Err())
		default:
		}

		msg, ok, getErr := ch.Get(queue, true)
		require.NoError(t, getErr)
		if ok {
			require.NoError(t, json.Unmarshal(msg.Body, dest))
			return
		}

		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func dialAMQP(ctx context.Context, t *testing.T, rabbitURL string) *amqp.Connection {
	t.Helper()
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, err := amqp.DialConfig(rabbitURL, amqp.Config{
		Dial: func(network, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 5 * time.Second,
			}).DialContext(dialCtx, network, addr)
		},
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
	})
	require.NoError(t, err)
	return conn
}
