package internal

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// stubPublisher is a mock watermill publisher for testing.
type stubPublisher struct {
	published    int
	lastTopic    string
	lastPayload  []byte
	lastMetadata message.Metadata
}

// Publish increments the published count and records the topic.
func (s *stubPublisher) Publish(topic string, msgs ...*message.Message) error {
	s.published += len(msgs)
	s.lastTopic = topic
	if len(msgs) > 0 {
		s.lastPayload = append([]byte(nil), msgs[0].Payload...)
		s.lastMetadata = msgs[0].Metadata
	}
	return nil
}

// Close is a no-op.
func (s *stubPublisher) Close() error {
	return nil
}

// TestRegisterNotifierDriver tests that a custom driver can be registered and used.
func TestRegisterNotifierDriver(t *testing.T) {
	const driverName = "custom"

	orig, had := notifierFactories[driverName]
	defer func() {
		if had {
			notifierFactories[driverName] = orig
		} else {
			delete(notifierFactories, driverName)
		}
	}()

	stub := &stubPublisher{}
	closed := false
	RegisterNotifierDriver(driverName, func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, func() error { closed = true; return nil }, nil
	})

	notifier, err := NewNotifier(WatermillConfig{Driver: driverName})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	if err := notifier.PublishForDrivers(context.Background(), "custom.topic", Event{Provider: "github"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if stub.published != 1 || stub.lastTopic != "custom.topic" {
		t.Fatalf("expected publish to custom.topic once, got %d to %q", stub.published, stub.lastTopic)
	}

	if err := notifier.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected custom close to be called")
	}
}

// TestHTTPURLTarget tests that the HTTP target URL is constructed correctly.
func TestHTTPURLTarget(t *testing.T) {
	url, err := httpTargetURL(HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks"}, "topic")
	if err != nil {
		t.Fatalf("httpTargetURL: %v", err)
	}
	if url != "http://localhost:8080/hooks/topic" {
		t.Fatalf("unexpected url: %q", url)
	}
}

// TestMultipleDrivers tests that the notifier fans out to every configured driver.
func TestMultipleDrivers(t *testing.T) {
	orig := notifierFactories["multi-a"]
	origB := notifierFactories["multi-b"]
	defer func() {
		if orig != nil {
			notifierFactories["multi-a"] = orig
		} else {
			delete(notifierFactories, "multi-a")
		}
		if origB != nil {
			notifierFactories["multi-b"] = origB
		} else {
			delete(notifierFactories, "multi-b")
		}
	}()

	a := &stubPublisher{}
	b := &stubPublisher{}

	RegisterNotifierDriver("multi-a", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return a, nil, nil
	})
	RegisterNotifierDriver("multi-b", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return b, nil, nil
	})

	notifier, err := NewNotifier(WatermillConfig{Drivers: []string{"multi-a", "multi-b"}})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	if err := notifier.PublishForDrivers(context.Background(), "multi.topic", Event{Provider: "github"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if a.published != 1 || b.published != 1 {
		t.Fatalf("expected publish to both drivers, got a=%d b=%d", a.published, b.published)
	}
}

// TestDriverSubsetRouting tests that a rule's driver list narrows the fanout.
func TestDriverSubsetRouting(t *testing.T) {
	origA := notifierFactories["subset-a"]
	origB := notifierFactories["subset-b"]
	defer func() {
		if origA != nil {
			notifierFactories["subset-a"] = origA
		} else {
			delete(notifierFactories, "subset-a")
		}
		if origB != nil {
			notifierFactories["subset-b"] = origB
		} else {
			delete(notifierFactories, "subset-b")
		}
	}()

	a := &stubPublisher{}
	b := &stubPublisher{}
	RegisterNotifierDriver("subset-a", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return a, nil, nil
	})
	RegisterNotifierDriver("subset-b", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return b, nil, nil
	})

	notifier, err := NewNotifier(WatermillConfig{Drivers: []string{"subset-a", "subset-b"}})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	if err := notifier.PublishForDrivers(context.Background(), "sub.topic", Event{Provider: "github"}, []string{"subset-b"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a.published != 0 || b.published != 1 {
		t.Fatalf("expected only subset-b to receive, got a=%d b=%d", a.published, b.published)
	}
}

// TestPublishUsesRawPayloadAndMetadata ensures raw payload is forwarded and metadata is set.
func TestPublishUsesRawPayloadAndMetadata(t *testing.T) {
	const driverName = "payload"

	orig, had := notifierFactories[driverName]
	defer func() {
		if had {
			notifierFactories[driverName] = orig
		} else {
			delete(notifierFactories, driverName)
		}
	}()

	stub := &stubPublisher{}
	RegisterNotifierDriver(driverName, func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, nil, nil
	})

	notifier, err := NewNotifier(WatermillConfig{Driver: driverName})
	if err != nil {
		t.Fatalf("new notifier: %v", err)
	}

	raw := []byte(`{"hello":"world"}`)
	event := Event{
		Provider:   "github",
		Name:       "push",
		RawPayload: raw,
	}
	if err := notifier.PublishForDrivers(context.Background(), "payload.topic", event, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if string(stub.lastPayload) != string(raw) {
		t.Fatalf("expected raw payload to be forwarded")
	}
	if stub.lastMetadata.Get("provider") != "github" {
		t.Fatalf("expected provider metadata")
	}
	if stub.lastMetadata.Get("name") != "push" {
		t.Fatalf("expected name metadata")
	}
	if stub.lastMetadata.Get("topic") != "payload.topic" {
		t.Fatalf("expected topic metadata")
	}
}
