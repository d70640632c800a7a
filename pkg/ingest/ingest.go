// Package ingest receives GitHub webhook deliveries, authenticates them,
// deduplicates them, and stores them for the metrics pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"devpulse/internal"
	"devpulse/pkg/storage"
	"devpulse/pkg/vault"

	"github.com/PaesslerAG/jsonpath"
	"github.com/go-playground/webhooks/v6/github"
)

// Outcome classifies what happened to a delivery.
type Outcome string

const (
	// OutcomeStored means the event was persisted for processing.
	OutcomeStored Outcome = "stored"
	// OutcomeIgnored means the delivery was authentic but not relevant:
	// an event type we do not track or a repository we do not know.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate means this delivery id was already stored.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomePong is the answer to GitHub's ping check.
	OutcomePong Outcome = "pong"
)

var (
	// ErrBadSignature is returned when the HMAC signature does not match.
	// The body must not be stored or inspected further in that case.
	ErrBadSignature = errors.New("webhook signature mismatch")
	// ErrMalformedPayload is returned when the body is not parseable JSON
	// or is missing the repository reference.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrMissingDelivery is returned when the delivery id header is absent.
	ErrMissingDelivery = errors.New("missing delivery id")
)

// Events the metrics pipeline consumes. Everything else is acknowledged and
// dropped so GitHub does not retry it.
var trackedEvents = map[string]struct{}{
	string(github.PullRequestEvent):       {},
	string(github.PullRequestReviewEvent): {},
	string(github.PushEvent):              {},
}

// Publisher fans stored events out to the configured notification drivers.
// internal.Notifier satisfies it.
type Publisher interface {
	PublishForDrivers(ctx context.Context, topic string, event internal.Event, drivers []string) error
}

// Delivery is one incoming webhook request.
type Delivery struct {
	Event      string // X-GitHub-Event
	DeliveryID string // X-GitHub-Delivery
	Signature  string // X-Hub-Signature-256
	Body       []byte
}

// Result reports how a delivery was handled.
type Result struct {
	Outcome      Outcome
	RepositoryID uint
	EventType    string
	Action       string
	Topics       []string
}

// Ingestor authenticates and stores webhook deliveries.
type Ingestor struct {
	store     storage.Store
	secret    string
	rules     *internal.RuleEngine
	publisher Publisher
	logger    *log.Logger
}

// New builds an Ingestor. Rules and publisher are optional; without them
// stored events are simply left for the poller.
func New(store storage.Store, secret string, rules *internal.RuleEngine, publisher Publisher, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.Default()
	}
	return &Ingestor{
		store:     store,
		secret:    secret,
		rules:     rules,
		publisher: publisher,
		logger:    logger,
	}
}

// Process handles one delivery end to end: signature gate, repository
// resolution, dedup insert, and rule-driven fanout.
func (in *Ingestor) Process(ctx context.Context, delivery Delivery) (Result, error) {
	if !vault.VerifyWebhookSignature(delivery.Body, delivery.Signature, in.secret) {
		return Result{}, ErrBadSignature
	}
	if delivery.Event == string(github.PingEvent) {
		return Result{Outcome: OutcomePong, EventType: delivery.Event}, nil
	}
	if _, ok := trackedEvents[delivery.Event]; !ok {
		in.logger.Printf("webhook ignored: untracked event %q", delivery.Event)
		return Result{Outcome: OutcomeIgnored, EventType: delivery.Event}, nil
	}
	if delivery.DeliveryID == "" {
		return Result{}, ErrMissingDelivery
	}

	var payload interface{}
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	githubID, err := repositoryID(payload)
	if err != nil {
		return Result{}, err
	}
	action := stringAt(payload, "$.action")

	repo, err := in.store.GetRepositoryByGithubID(ctx, githubID)
	if err != nil {
		return Result{}, err
	}
	if repo == nil {
		// Hooks can outlive a disconnect; answer 2xx so GitHub stops
		// retrying, but keep nothing.
		in.logger.Printf("webhook ignored: unknown repository github_id=%d", githubID)
		return Result{Outcome: OutcomeIgnored, EventType: delivery.Event, Action: action}, nil
	}

	inserted, err := in.store.InsertWebhookEvent(ctx, storage.WebhookEvent{
		RepositoryID: repo.ID,
		EventType:    delivery.Event,
		DeliveryID:   delivery.DeliveryID,
		Action:       action,
		Payload:      delivery.Body,
	})
	if err != nil {
		return Result{}, err
	}
	if !inserted {
		in.logger.Printf("webhook duplicate delivery=%s repository=%d", delivery.DeliveryID, repo.ID)
		return Result{Outcome: OutcomeDuplicate, RepositoryID: repo.ID, EventType: delivery.Event, Action: action}, nil
	}

	result := Result{
		Outcome:      OutcomeStored,
		RepositoryID: repo.ID,
		EventType:    delivery.Event,
		Action:       action,
	}
	result.Topics = in.fanout(ctx, delivery, payload)
	in.logger.Printf("webhook stored delivery=%s repository=%d event=%s action=%s topics=%v",
		delivery.DeliveryID, repo.ID, delivery.Event, action, result.Topics)
	return result, nil
}

// RepublishPending re-announces stored events the downstream processor has
// not picked up yet. Run at startup so events that arrived while consumers
// were down are not lost to them.
func (in *Ingestor) RepublishPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := in.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	republished := 0
	for _, event := range pending {
		var payload interface{}
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			in.logger.Printf("republish skipped delivery=%s: stored payload unreadable: %v", event.DeliveryID, err)
			continue
		}
		topics := in.fanout(ctx, Delivery{
			Event:      event.EventType,
			DeliveryID: event.DeliveryID,
			Body:       event.Payload,
		}, payload)
		if len(topics) > 0 {
			republished++
		}
	}
	if republished > 0 {
		in.logger.Printf("republished %d pending events", republished)
	}
	return republished, nil
}

// fanout evaluates routing rules over the flattened payload and publishes
// matched topics. Failures are log-only; the event is already stored.
func (in *Ingestor) fanout(ctx context.Context, delivery Delivery, payload interface{}) []string {
	if in.rules == nil {
		return nil
	}
	data := map[string]interface{}{}
	if objectMap, ok := payload.(map[string]interface{}); ok {
		data = internal.Flatten(objectMap)
	}
	event := internal.Event{
		Provider:   "github",
		Name:       delivery.Event,
		Data:       data,
		RawPayload: delivery.Body,
	}
	matches := in.rules.Evaluate(event)
	topics := make([]string, 0, len(matches))
	for _, match := range matches {
		topics = append(topics, match.Topic)
		if in.publisher == nil {
			continue
		}
		if err := in.publisher.PublishForDrivers(ctx, match.Topic, event, match.Drivers); err != nil {
			in.logger.Printf("publish %s failed: %v", match.Topic, err)
		}
	}
	return topics
}

func repositoryID(payload interface{}) (int64, error) {
	value, err := jsonpath.Get("$.repository.id", payload)
	if err != nil {
		return 0, fmt.Errorf("%w: no repository id", ErrMalformedPayload)
	}
	number, ok := value.(float64)
	if !ok || number <= 0 {
		return 0, fmt.Errorf("%w: bad repository id", ErrMalformedPayload)
	}
	return int64(number), nil
}

func stringAt(payload interface{}, path string) string {
	value, err := jsonpath.Get(path, payload)
	if err != nil {
		return ""
	}
	text, _ := value.(string)
	return text
}
