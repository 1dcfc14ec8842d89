package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
)

const (
	// TopicResults carries one domain.TaskExecution per finished task.
	TopicResults = "builds.results"
	// TopicJobs carries one domain.JobSummary per finished job.
	TopicJobs = "builds.jobs"
)

// Events publishes build events keyed by job id.
type Events struct {
	producer Producer
}

// NewEvents wraps p.
func NewEvents(p Producer) *Events {
	return &Events{producer: p}
}

// PublishExecution sends exec to TopicResults.
func (e *Events) PublishExecution(ctx context.Context, exec *domain.TaskExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	return e.producer.Publish(ctx, TopicResults, exec.JobID, data)
}

// PublishSummary sends s to TopicJobs.
func (e *Events) PublishSummary(ctx context.Context, s *domain.JobSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal job summary: %w", err)
	}
	return e.producer.Publish(ctx, TopicJobs, s.JobID, data)
}

// DecodeExecution parses a TopicResults message.
func DecodeExecution(msg Message) (*domain.TaskExecution, error) {
	var exec domain.TaskExecution
	if err := json.Unmarshal(msg.Value, &exec); err != nil {
		return nil, fmt.Errorf("decode execution at offset %d: %w", msg.Offset, err)
	}
	return &exec, nil
}

// DecodeSummary parses a TopicJobs message.
func DecodeSummary(msg Message) (*domain.JobSummary, error) {
	var s domain.JobSummary
	if err := json.Unmarshal(msg.Value, &s); err != nil {
		return nil, fmt.Errorf("decode job summary at offset %d: %w", msg.Offset, err)
	}
	return &s, nil
}
