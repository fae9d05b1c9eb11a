package call

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EventPublisher publishes a CloudEvents attribute map. The events package
// provides both an in-process and a broker-backed implementation.
type EventPublisher interface {
	Emit(ctx context.Context, event map[string]any) error
}

// AsyncAPI executes asyncapi call tasks by resolving the target channel
// and publishing the message payload as a CloudEvent on that channel.
// Only the publish direction is supported; consuming belongs to listen
// tasks.
type AsyncAPI struct {
	publisher EventPublisher
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	docs map[string]*asyncapiDocument
}

// NewAsyncAPI returns a caller that publishes through sink.
func NewAsyncAPI(sink EventPublisher, logger *slog.Logger) *AsyncAPI {
	return &AsyncAPI{
		publisher: sink,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:    logger.With("caller", "asyncapi"),
		now:       time.Now,
		docs:      map[string]*asyncapiDocument{},
	}
}

// Invoke publishes with.message.payload on the channel named by with.channel,
// or on the channel the referenced document binds to with.operation.
func (a *AsyncAPI) Invoke(ctx context.Context, req *Request) (any, error) {
	operation := stringArg(req.With, "operation")
	if operation == "" {
		operation = stringArg(req.With, "operationRef")
	}
	channel := stringArg(req.With, "channel")
	if channel == "" {
		if operation == "" {
			return nil, configError("asyncapi call declares neither channel nor operation")
		}
		docRef, err := documentURI(req.With["document"])
		if err != nil {
			return nil, err
		}
		doc, err := a.document(ctx, docRef)
		if err != nil {
			return nil, err
		}
		channel, err = doc.channelFor(operation)
		if err != nil {
			return nil, err
		}
	}

	payload := req.With["payload"]
	if message := mapArg(req.With, "message"); message != nil {
		if p, ok := message["payload"]; ok {
			payload = p
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating event id: %w", err)
	}
	event := map[string]any{
		"id":              id.String(),
		"source":          "/flowd/call/asyncapi",
		"type":            eventType(operation, channel),
		"subject":         channel,
		"time":            a.now().UTC().Format(time.RFC3339Nano),
		"datacontenttype": "application/json",
	}
	if payload != nil {
		event["data"] = payload
	}

	a.logger.Debug("publishing", "channel", channel, "operation", operation)
	if err := a.publisher.Emit(ctx, event); err != nil {
		return nil, communicationError("publishing on channel %s: %v", channel, err)
	}
	return event, nil
}

func eventType(operation, channel string) string {
	name := operation
	if name == "" {
		name = channel
	}
	var b strings.Builder
	for _, r := range name {
		switch r {
		case '/', ' ', '*', '>':
			b.WriteRune('.')
		default:
			b.WriteRune(r)
		}
	}
	return "io.flowd.asyncapi." + b.String()
}

func (a *AsyncAPI) document(ctx context.Context, ref string) (*asyncapiDocument, error) {
	a.mu.Lock()
	doc, ok := a.docs[ref]
	a.mu.Unlock()
	if ok {
		return doc, nil
	}

	raw, err := fetchDocument(ctx, a.client, ref)
	if err != nil {
		return nil, err
	}
	doc = &asyncapiDocument{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, configError("invalid asyncapi document %s: %v", ref, err)
	}

	a.mu.Lock()
	a.docs[ref] = doc
	a.mu.Unlock()
	return doc, nil
}

// --- document model -------------------------------------------------------

// asyncapiDocument covers both layouts the caller needs: version 2 binds
// operationIds inside channel publish/subscribe blocks, version 3 keeps a
// top-level operations map referencing channels.
type asyncapiDocument struct {
	Channels   map[string]asyncapiChannel   `yaml:"channels"`
	Operations map[string]asyncapiOperation `yaml:"operations"`
}

type asyncapiChannel struct {
	Address   string             `yaml:"address"`
	Publish   *asyncapiChannelOp `yaml:"publish"`
	Subscribe *asyncapiChannelOp `yaml:"subscribe"`
}

type asyncapiChannelOp struct {
	OperationID string `yaml:"operationId"`
}

type asyncapiOperation struct {
	Channel asyncapiRef `yaml:"channel"`
}

type asyncapiRef struct {
	Ref string `yaml:"$ref"`
}

func (d *asyncapiDocument) channelFor(operation string) (string, error) {
	if op, ok := d.Operations[operation]; ok {
		key := channelRefKey(op.Channel.Ref)
		if key == "" {
			return "", configError("operation %q references no channel", operation)
		}
		if ch, ok := d.Channels[key]; ok && ch.Address != "" {
			return ch.Address, nil
		}
		return key, nil
	}
	for name, ch := range d.Channels {
		if ch.Publish != nil && ch.Publish.OperationID == operation {
			return name, nil
		}
		if ch.Subscribe != nil && ch.Subscribe.OperationID == operation {
			return name, nil
		}
	}
	return "", configError("operation %q not found in asyncapi document", operation)
}

// channelRefKey extracts the channel key from a "#/channels/<key>" pointer,
// undoing JSON pointer escapes.
func channelRefKey(ref string) string {
	const prefix = "#/channels/"
	if !strings.HasPrefix(ref, prefix) {
		return ""
	}
	key := strings.TrimPrefix(ref, prefix)
	key = strings.ReplaceAll(key, "~1", "/")
	key = strings.ReplaceAll(key, "~0", "~")
	return key
}
