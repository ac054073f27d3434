package async

import (
	"encoding/json"

	"github.com/teranos/cascade/collection"
)

// jobFromRow maps a task row onto a Job
func jobFromRow(row collection.Row) *Job {
	job := &Job{
		ID:          row.String("id"),
		HandlerName: row.String("handler_name"),
		Source:      row.String("source"),
		Status:      JobStatus(row.String("status")),
		Error:       row.String("error"),
		RetryCount:  int(row.Int("retry_count")),
		StartedAt:   row.Time("started_at"),
		CompletedAt: row.Time("completed_at"),
	}
	if p := row.String("payload"); p != "" {
		job.Payload = json.RawMessage(p)
	}
	if t := row.Time("run_after"); t != nil {
		job.RunAfter = *t
	}
	if t := row.Time("created_at"); t != nil {
		job.CreatedAt = *t
	}
	if t := row.Time("updated_at"); t != nil {
		job.UpdatedAt = *t
	}
	return job
}

// mutableColumns are the columns UpdateJob writes
func mutableColumns(job *Job) collection.Row {
	var errMsg any
	if job.Error != "" {
		errMsg = job.Error
	}
	return collection.Row{
		"status":       string(job.Status),
		"error":        errMsg,
		"retry_count":  job.RetryCount,
		"run_after":    job.RunAfter,
		"updated_at":   job.UpdatedAt,
		"started_at":   job.StartedAt,
		"completed_at": job.CompletedAt,
	}
}

func jobToRow(job *Job) collection.Row {
	row := mutableColumns(job)
	row["id"] = job.ID
	row["handler_name"] = job.HandlerName
	row["source"] = job.Source
	row["created_at"] = job.CreatedAt
	payload := string(job.Payload)
	if payload == "" {
		payload = "{}"
	}
	row["payload"] = payload
	return row
}
