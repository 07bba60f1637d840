// Package progress publishes best-effort pipeline step events to observers.
package progress

import (
	"context"
	"errors"
)

// ChannelPrefix prefixes every pipeline's broadcast channel.
const ChannelPrefix = "market-pipeline-"

// Channel returns the broadcast channel name of a pipeline.
func Channel(pipelineID string) string {
	return ChannelPrefix + pipelineID
}

// Event is the JSON payload published for each step transition.
type Event struct {
	PipelineID string         `json:"pipelineId"`
	Seq        int            `json:"seq"` // position in the pipeline's step log
	Step       string         `json:"step"`
	Status     string         `json:"status"`
	Timestamp  int64          `json:"timestamp"` // unix ms
	Data       map[string]any `json:"data,omitempty"`
}

// Transport delivers a payload to a named channel.
type Transport interface {
	Name() string
	Publish(ctx context.Context, channel string, payload []byte) error
}

// MultiTransport fans a payload out to several transports.
type MultiTransport []Transport

// Name implements Transport.
func (m MultiTransport) Name() string {
	return "multi"
}

// Publish delivers to every transport and joins their errors.
func (m MultiTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	var errs []error
	for _, t := range m {
		if err := t.Publish(ctx, channel, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
