package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// PreserveMemoryTask is scheduled each time a memory is uploaded. The
	// worker runs the pin → moderate → archive pipeline for it.
	PreserveMemoryTask = "memory:preserve"
)

// PreservePayload is serialized into the task so the worker knows which
// record and blob to process.
type PreservePayload struct {
	MemoryID    string `json:"memory_id"`
	LocalCID    string `json:"local_cid"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Note        string `json:"note"`
	Visibility  string `json:"visibility"`
	UserID      string `json:"user_id"`
}

// EnqueuePreserve enqueues a preservation job. Retries here cover only
// queue delivery; a pipeline failure inside the handler is terminal for the
// record and is not retried.
func EnqueuePreserve(ctx context.Context, client *asynq.Client, payload PreservePayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(PreserveMemoryTask, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue preserve task: %w", err)
	}
	return nil
}
