package events

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

func TestEventMarshalOmitsEmptyFields(t *testing.T) {
	e := Event{ID: "abc", Kind: "transfer", Status: "pending", At: time.Unix(0, 0).UTC()}
	b, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["txHash"]; ok {
		t.Fatalf("txHash should be omitted: %s", b)
	}
	if m["status"] != "pending" {
		t.Fatalf("unexpected status: %v", m["status"])
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (Nop{}).Publish(context.Background(), DefaultTopic, "k", []byte("{}")); err != nil {
		t.Fatalf("nop publish: %v", err)
	}
}

func TestRedisStreamPublisher(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	stream := "seipulse-test-" + time.Now().Format("150405.000000")
	defer client.Del(context.Background(), stream)

	p := NewRedisStreamPublisher(client, 100)
	if err := p.Publish(ctx, stream, "tx-1", []byte(`{"id":"tx-1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	n, err := client.XLen(ctx, stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry, got %d", n)
	}
}

func TestKafkaPublisher(t *testing.T) {
	brokers := os.Getenv("KAFKA_TEST_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_TEST_BROKERS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	topic := "seipulse-test-" + time.Now().Format("150405")
	p := NewKafkaPublisher(strings.Split(brokers, ","), topic)
	defer p.Close()

	if err := p.Publish(ctx, topic, "tx-1", []byte(`{"id":"tx-1","status":"pending"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  1 << 20,
	})
	defer reader.Close()

	msg, err := reader.ReadMessage(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg.Key) != "tx-1" {
		t.Fatalf("expected key tx-1, got %q", msg.Key)
	}
}

func TestKafkaPublisherReportsWriteErrors(t *testing.T) {
	// nothing listens on this port, the write must fail instead of blocking
	p := NewKafkaPublisher([]string{"127.0.0.1:1"}, "seipulse-unreachable")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Publish(ctx, "", "tx-1", []byte("{}")); err == nil {
		t.Fatalf("expected an error from an unreachable broker")
	}
}
