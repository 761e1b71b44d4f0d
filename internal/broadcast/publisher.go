package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"harvester/internal/domain"

	"github.com/redis/go-redis/v9"
)

const (
	IPSetKey     = "harvester:ips"
	DomainSetKey = "harvester:domains"
	RunsChannel  = "harvester:runs"

	publishTimeout = 5 * time.Second
)

// RunEvent is the message published on RunsChannel after each run.
type RunEvent struct {
	Run        domain.SyncRun `json:"run"`
	NewIPs     []string       `json:"new_ips"`
	NewDomains []string       `json:"new_domains"`
}

// Publisher pushes newly discovered indicators to Redis so other consumers
// (blocklists, WAF sync jobs) can pick them up without reading the files.
type Publisher struct {
	client redis.Cmdable
}

func NewPublisher(client redis.Cmdable) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Name() string { return "redis" }

func (p *Publisher) Deliver(ctx context.Context, batch domain.RunBatch) error {
	payload, err := encodeEvent(batch)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = p.client.Pipelined(opCtx, func(pipe redis.Pipeliner) error {
		if len(batch.NewIPs) > 0 {
			pipe.SAdd(opCtx, IPSetKey, toMembers(batch.NewIPs)...)
		}
		if len(batch.NewDomains) > 0 {
			pipe.SAdd(opCtx, DomainSetKey, toMembers(batch.NewDomains)...)
		}
		pipe.Publish(opCtx, RunsChannel, payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish run %s: %w", batch.Run.ID, err)
	}
	return nil
}

func encodeEvent(batch domain.RunBatch) ([]byte, error) {
	event := RunEvent{
		Run:        batch.Run,
		NewIPs:     nonNil(batch.NewIPs),
		NewDomains: nonNil(batch.NewDomains),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode run event: %w", err)
	}
	return payload, nil
}

func toMembers(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
