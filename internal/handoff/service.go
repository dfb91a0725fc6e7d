// Package handoff implements the department hand-off queue: pushing a
// conversation onto its department's ephemeral FIFO so a human agent
// picks it up once the Flow Engine has suspended automation.
package handoff

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/ephemeral"
)

// Service satisfies flow.Handoff without internal/flow needing to import
// this package.
type Service struct {
	queues ephemeral.Store
}

func NewService(queues ephemeral.Store) *Service {
	return &Service{queues: queues}
}

// HandoffToDepartment enqueues conversationID on department's FIFO
// (the `queue:department:{dept_id}` key convention), ordered by arrival.
// The Flow Engine calls this before it sets and persists the
// conversation's handed_off state and department.
func (s *Service) HandoffToDepartment(ctx context.Context, conversationID uuid.UUID, department, message string) error {
	if department == "" {
		department = "default"
	}
	if err := s.queues.RPush(ctx, departmentQueueKey(department), conversationID.String()); err != nil {
		return fmt.Errorf("enqueue conversation %s to department %s: %w", conversationID, department, err)
	}
	log.Printf("🤝 conversation %s handed off to department %q: %s", conversationID, department, message)
	return nil
}

func departmentQueueKey(department string) string {
	return fmt.Sprintf("queue:department:%s", department)
}

// departmentQueueNamespace roots the deterministic queue ids Transfer
// hands out, so every transfer into the same department reports the
// same live queue_id rather than minting a fresh one per call.
var departmentQueueNamespace = uuid.MustParse("6f6a6e3e-6b9e-4c6a-9f0a-2e9f6f7b9a11")

func departmentQueueID(department string) uuid.UUID {
	return uuid.NewSHA1(departmentQueueNamespace, []byte(department))
}

// Transfer enqueues conversationID on department's FIFO, the same way
// HandoffToDepartment does, and reports the id of the queue it landed
// on — the Watchdog Scheduler's "transfer" action stamps this onto
// Conversation.QueueID so readers can find where a timed-out
// conversation went without re-deriving it.
func (s *Service) Transfer(ctx context.Context, conversationID uuid.UUID, department string) (uuid.UUID, error) {
	if department == "" {
		department = "default"
	}
	queueID := departmentQueueID(department)
	if err := s.queues.RPush(ctx, departmentQueueKey(department), conversationID.String()); err != nil {
		return uuid.Nil, fmt.Errorf("transfer conversation %s to department %s: %w", conversationID, department, err)
	}
	log.Printf("📥 conversation %s transferred to department %q on queue %s", conversationID, department, queueID)
	return queueID, nil
}
