// Package mock provides a scriptable workflow.Client for tests.
package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ninjaorg/hyadmin/internal/ai/workflow"
)

// WorkflowClient satisfies workflow.Client and records every call.
type WorkflowClient struct {
	TriggerFunc func(ctx context.Context, req workflow.TriggerRequest) (*workflow.Response, error)
	CancelFunc  func(ctx context.Context, req workflow.CancelRequest) error

	mu       sync.Mutex
	triggers []workflow.TriggerRequest
	cancels  []workflow.CancelRequest
}

func (m *WorkflowClient) Trigger(ctx context.Context, req workflow.TriggerRequest) (*workflow.Response, error) {
	m.mu.Lock()
	m.triggers = append(m.triggers, req)
	m.mu.Unlock()
	if m.TriggerFunc != nil {
		return m.TriggerFunc(ctx, req)
	}
	return &workflow.Response{StatusCode: 200, ResponseMode: req.ResponseMode}, nil
}

func (m *WorkflowClient) Cancel(ctx context.Context, req workflow.CancelRequest) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, req)
	m.mu.Unlock()
	if m.CancelFunc != nil {
		return m.CancelFunc(ctx, req)
	}
	return nil
}

// Triggers returns a copy of the recorded trigger requests.
func (m *WorkflowClient) Triggers() []workflow.TriggerRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]workflow.TriggerRequest(nil), m.triggers...)
}

// Cancels returns a copy of the recorded cancel requests.
func (m *WorkflowClient) Cancels() []workflow.CancelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]workflow.CancelRequest(nil), m.cancels...)
}

// NewWorkflowClient returns a client whose runs finish synchronously with
// the given status and outputs.
func NewWorkflowClient(status string, outputs map[string]any) *WorkflowClient {
	return &WorkflowClient{
		TriggerFunc: func(_ context.Context, req workflow.TriggerRequest) (*workflow.Response, error) {
			body := `{"workflow_run_id":"run-mock","task_id":"task-mock","data":{"status":"` + status + `","outputs":` + encode(outputs) + `}}`
			return &workflow.Response{
				StatusCode:   200,
				ContentType:  "application/json",
				ResponseMode: workflow.ModeBlocking,
				Body:         []byte(body),
			}, nil
		},
	}
}

// NewFailingClient returns a client whose triggers never reach the engine.
func NewFailingClient(err error) *WorkflowClient {
	return &WorkflowClient{
		TriggerFunc: func(context.Context, workflow.TriggerRequest) (*workflow.Response, error) {
			return nil, err
		},
		CancelFunc: func(context.Context, workflow.CancelRequest) error {
			return err
		},
	}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

var _ workflow.Client = (*WorkflowClient)(nil)
