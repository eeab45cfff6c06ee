package workflow

import (
	"encoding/json"
	"fmt"
	"mime"
	"regexp"

	"github.com/ninjaorg/hyadmin/pkg/models"
)

const maxErrorBytes = 4096

var (
	runIDPattern  = regexp.MustCompile(`"workflow_run_id"\s*:\s*"([^"]+)"`)
	taskIDPattern = regexp.MustCompile(`"task_id"\s*:\s*"([^"]+)"`)
)

// Interpret maps an engine response onto the job update it implies.
//
//	non-2xx                    -> failed, body as error
//	blocking JSON, final state -> succeeded | failed | canceled with outputs
//	anything else 2xx          -> processing with whatever ids can be found
func Interpret(resp *Response) models.JobUpdate {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := truncate(string(resp.Body), maxErrorBytes)
		if msg == "" {
			msg = fmt.Sprintf("workflow returned status %d", resp.StatusCode)
		}
		return models.JobUpdate{
			Status: models.StatusPtr(models.JobStatusFailed),
			Error:  &msg,
		}
	}

	if resp.ResponseMode == ModeBlocking && isJSON(resp.ContentType) {
		var body runResponse
		if err := json.Unmarshal(resp.Body, &body); err == nil {
			return body.update()
		}
	}
	return salvage(resp.Body)
}

// FailureUpdate is the update for a trigger that never got a response.
func FailureUpdate(err error) models.JobUpdate {
	msg := err.Error()
	return models.JobUpdate{
		Status: models.StatusPtr(models.JobStatusFailed),
		Error:  &msg,
	}
}

// MapStatus converts an engine status to a job status. Engine runs report
// "stopped" when they were aborted.
func MapStatus(s string) (models.JobStatus, bool) {
	switch s {
	case "succeeded":
		return models.JobStatusSucceeded, true
	case "failed":
		return models.JobStatusFailed, true
	case "stopped":
		return models.JobStatusCanceled, true
	}
	return "", false
}

// runResponse accepts both the nested {workflow_run_id, task_id, data:{...}}
// shape and a flat {status, outputs} body.
type runResponse struct {
	WorkflowRunID string   `json:"workflow_run_id"`
	TaskID        string   `json:"task_id"`
	ID            string   `json:"id"`
	Status        string   `json:"status"`
	Outputs       any      `json:"outputs"`
	Error         any      `json:"error"`
	Data          *runData `json:"data"`
}

type runData struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Outputs any    `json:"outputs"`
	Error   any    `json:"error"`
}

func (r runResponse) update() models.JobUpdate {
	status, outputs, runErr := r.Status, r.Outputs, r.Error
	if r.Data != nil {
		status, outputs, runErr = r.Data.Status, r.Data.Outputs, r.Data.Error
	}

	traceID := firstNonEmpty(r.WorkflowRunID, r.ID)
	if traceID == "" && r.Data != nil {
		traceID = r.Data.ID
	}

	data := map[string]any{}
	if traceID != "" {
		data["workflow_run_id"] = traceID
	}
	if r.TaskID != "" {
		data["task_id"] = r.TaskID
	}
	if status != "" {
		data["status"] = status
	}
	if outputs != nil {
		data["outputs"] = outputs
	}

	upd := models.JobUpdate{
		Status: models.StatusPtr(models.JobStatusProcessing),
		Data:   data,
	}
	upd.AITraceID = traceIDPtr(traceID)
	if st, ok := MapStatus(status); ok {
		upd.Status = &st
		if st == models.JobStatusFailed {
			msg := errorText(runErr)
			upd.Error = &msg
		}
	}
	return upd
}

// salvage pulls identifiers out of a body that could not be decoded, such as
// a streamed event log. The job stays processing.
func salvage(body []byte) models.JobUpdate {
	upd := models.JobUpdate{Status: models.StatusPtr(models.JobStatusProcessing)}
	data := map[string]any{}
	if m := runIDPattern.FindSubmatch(body); m != nil {
		id := string(m[1])
		upd.AITraceID = traceIDPtr(id)
		data["workflow_run_id"] = id
	}
	if m := taskIDPattern.FindSubmatch(body); m != nil {
		data["task_id"] = string(m[1])
	}
	if len(data) > 0 {
		upd.Data = data
	}
	return upd
}

func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return "workflow run failed"
	case string:
		if e == "" {
			return "workflow run failed"
		}
		return e
	default:
		b, err := json.Marshal(e)
		if err != nil {
			return "workflow run failed"
		}
		return truncate(string(b), maxErrorBytes)
	}
}

// traceIDPtr returns nil for an id that is empty or wider than the column.
// The full id is still kept in the job data.
func traceIDPtr(id string) *string {
	if id == "" || len(id) > models.MaxTraceIDLen {
		return nil
	}
	return &id
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
