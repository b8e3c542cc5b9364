//go:build integration

// Package integration_test drives the realtime source and the alertkafka
// sink against a real Kafka broker, the way the teacher's own integration
// package drove its reader/writer adapters against a real broker.
package integration_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/sentryd/internal/datasource"
	"github.com/couchcryptid/sentryd/internal/observability"
	"github.com/couchcryptid/sentryd/internal/sink/alertkafka"
	"github.com/couchcryptid/sentryd/internal/source/realtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// startKafka boots a single-node Kafka broker and returns its advertised
// address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := kafka.Run(ctx, "confluentinc/confluent-local:7.5.0", kafka.WithClusterID("sentryd-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates topic with a single partition via the cluster
// controller, so the test doesn't depend on broker auto-creation settings.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// wireMessage mirrors realtime's unexported wire payload shape.
type wireMessage struct {
	Key   string   `json:"key"`
	Value *float64 `json:"value"`
	Time  int64    `json:"time"`
}

func publish(ctx context.Context, t *testing.T, broker, topic string, msgs ...wireMessage) {
	t.Helper()
	writer := &kafkago.Writer{
		Addr:     kafkago.TCP(broker),
		Topic:    topic,
		Balancer: &kafkago.LeastBytes{},
	}
	defer writer.Close()

	kmsgs := make([]kafkago.Message, len(msgs))
	for i, m := range msgs {
		payload, err := json.Marshal(m)
		require.NoError(t, err)
		kmsgs[i] = kafkago.Message{Key: []byte(m.Key), Value: payload}
	}
	require.NoError(t, writer.WriteMessages(ctx, kmsgs...))
}

// alertRecord mirrors alertkafka's unexported wire record shape, enough to
// assert on the fields this test cares about.
type alertRecord struct {
	FQID       string `json:"fqid"`
	Name       string `json:"name"`
	Level      string `json:"level"`
	Time       int64  `json:"time"`
	Violations []struct {
		Expression string  `json:"expression"`
		Condition  string  `json:"condition"`
		Value      float64 `json:"value"`
	} `json:"violations"`
}

// TestRealtimeToAlertKafka wires the realtime source straight into the
// alertkafka sink against a real broker: four contiguous points for one key,
// all above the configured max, are published; once the source topic goes
// quiet the reader's grace-period release drains them in order and the sink
// emits exactly one threshold-crossing alert onto the alert topic.
func TestRealtimeToAlertKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	broker := startKafka(ctx, t)

	const (
		sourceTopic = "metrics.cpu"
		alertTopic  = "alerts.cpu"
	)
	createTopic(t, broker, sourceTopic)
	createTopic(t, broker, alertTopic)

	v := func(f float64) *float64 { return &f }
	publish(ctx, t, broker, sourceTopic,
		wireMessage{Key: "host.web1.cpu", Value: v(20), Time: 0},
		wireMessage{Key: "host.web1.cpu", Value: v(25), Time: 10},
		wireMessage{Key: "host.web1.cpu", Value: v(22), Time: 20},
		wireMessage{Key: "host.web1.cpu", Value: v(18), Time: 30},
	)

	reader, err := realtime.New(realtime.Options{
		Expressions:   []string{"host.*.cpu"},
		Interval:      10,
		Timeout:       3600,
		Brokers:       []string{broker},
		ConsumerGroup: fmt.Sprintf("test-realtime-%d", time.Now().UnixNano()),
		TopicPrefix:   "metrics",
		ChannelName:   "cpu",
		PollTimeout:   300 * time.Millisecond,
		EOFGrace:      2,
	})
	require.NoError(t, err)
	source := datasource.New("realtime", reader, discardLogger())
	t.Cleanup(func() { _ = source.Close() })

	max := 10.0
	metrics := observability.NewMetricsForTesting()
	sink, err := alertkafka.New("alertkafka", alertkafka.Options{
		FQID:    "cpu-high",
		Name:    "cpu too high",
		Max:     &max,
		Method:  "movingstat",
		Brokers: []string{broker},
		Topic:   alertTopic,
	}, discardLogger(), metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	runCtx, runCancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- sink.Run(runCtx, source.Output()) }()

	consumer := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     []string{broker},
		Topic:       alertTopic,
		GroupID:     fmt.Sprintf("test-alert-consumer-%d", time.Now().UnixNano()),
		StartOffset: kafkago.FirstOffset,
	})
	t.Cleanup(func() { _ = consumer.Close() })

	readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readCancel()
	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "expected one alert on the alert topic")

	var rec alertRecord
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, "cpu-high", rec.FQID)
	assert.Equal(t, "critical", rec.Level)
	require.Len(t, rec.Violations, 1)
	assert.Equal(t, "host.web1.cpu", rec.Violations[0].Expression)
	assert.Equal(t, "> 10", rec.Violations[0].Condition)
	assert.Equal(t, 20.0, rec.Violations[0].Value)
	assert.Equal(t, int64(0), rec.Time)

	// No second alert: the remaining three points stay tooHigh, a
	// no-op transition with no minduration configured.
	noMoreCtx, noMoreCancel := context.WithTimeout(ctx, 3*time.Second)
	defer noMoreCancel()
	_, err = consumer.ReadMessage(noMoreCtx)
	assert.Error(t, err, "expected no second alert")

	runCancel()
	runErr := <-errCh
	if runErr != nil {
		assert.ErrorIs(t, runErr, context.Canceled)
	}
}
