package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/lipsync-service/internal/core"
)

// NatsProgressPublisher publishes job status transitions to a NATS subject so
// callers can follow long-running syntheses without polling.
type NatsProgressPublisher struct {
	natsConnection *nats.Conn
	subject        string
}

// NewNatsProgressPublisher creates a progress publisher for the subject.
func NewNatsProgressPublisher(
	natsConnection *nats.Conn, subject string,
) *NatsProgressPublisher {
	return &NatsProgressPublisher{
		natsConnection: natsConnection,
		subject:        subject,
	}
}

// PublishProgress emits one JobProgressEvent for the job's current status.
func (p *NatsProgressPublisher) PublishProgress(
	_ context.Context, job *core.SynthesisJob, stage string,
) error {
	event := core.JobProgressEvent{
		Header: events.EventHeader{
			WorkflowID: job.ID,
			Timestamp:  time.Now().UTC(),
		},
		JobID:  job.ID,
		Status: job.Status,
		Stage:  stage,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	err = p.natsConnection.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	return nil
}
