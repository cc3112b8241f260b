package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/amodvardhan/INDMoneyPlus/services/testutil"
)

const integrationUser = "integration-user"

func getOrchestratorURL() string {
	if url := os.Getenv("ORCHESTRATOR_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func getKafkaBrokers() []string {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := normalizeBroker(strings.TrimSpace(part))
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"localhost:9092"}
}

func normalizeBroker(value string) string {
	if strings.Contains(value, "://") {
		value = strings.SplitN(value, "://", 2)[1]
	}
	return strings.TrimSpace(value)
}

func authHeaders(t *testing.T) map[string]string {
	t.Helper()
	secret := os.Getenv("ORCH_JWT_SECRET")
	if secret == "" {
		return map[string]string{"X-User-ID": integrationUser}
	}
	token, err := testutil.GenerateJWT(integrationUser, []byte(secret), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("generate jwt: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func makeRequest(method, path string, body any, headers map[string]string) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getOrchestratorURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	return client.Do(req)
}

// doJSON performs the request, asserts the status and decodes into out when
// out is non-nil. It returns the raw body and response headers.
func doJSON(t *testing.T, method, path string, body any, headers map[string]string, want int, out any) ([]byte, http.Header) {
	t.Helper()
	resp, err := makeRequest(method, path, body, headers)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != want {
		t.Fatalf("%s %s: expected %d, got %d: %s", method, path, want, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return raw, resp.Header
}

func waitForService(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeRequest(http.MethodGet, "/readyz", nil, nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("order-orchestrator not ready within timeout")
}

type eventWatcher struct {
	ch      chan orderEvent
	closeFn func()
}

// startEventWatcher tails topic from the newest offset on every partition.
func startEventWatcher(t *testing.T, topic string) eventWatcher {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("kafka consumer: %v", err)
	}

	partitions, err := consumer.Partitions(topic)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}

	out := make(chan orderEvent, 64)
	partitionConsumers := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			t.Fatalf("consume partition: %v", err)
		}
		partitionConsumers = append(partitionConsumers, pc)
		go func(partConsumer sarama.PartitionConsumer) {
			for msg := range partConsumer.Messages() {
				var event orderEvent
				if err := json.Unmarshal(msg.Value, &event); err != nil {
					continue
				}
				out <- event
			}
		}(pc)
	}

	return eventWatcher{ch: out, closeFn: func() {
		for _, pc := range partitionConsumers {
			_ = pc.Close()
		}
		_ = consumer.Close()
	}}
}

func waitForEvent(t *testing.T, w eventWatcher, orderID int64, status string) orderEvent {
	t.Helper()
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev := <-w.ch:
			if ev.OrderID == orderID && ev.Status == status {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for order %d", status, orderID)
		}
	}
}

func waitForOrderStatus(t *testing.T, orderID int64, status string) order {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var last order
	for time.Now().Before(deadline) {
		doJSON(t, http.MethodGet, fmt.Sprintf("/api/v1/orders/%d", orderID), nil, authHeaders(t), http.StatusOK, &last)
		if last.Status == status {
			return last
		}
		time.Sleep(300 * time.Millisecond)
	}
	t.Fatalf("order %d stuck in %s, want %s", orderID, last.Status, status)
	return last
}

func publishJSON(t *testing.T, topic, key string, value any) {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll

	producer, err := sarama.NewSyncProducer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("kafka producer: %v", err)
	}
	defer producer.Close()

	payload, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, _, err := producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
