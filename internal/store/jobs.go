package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Job mirrors spec §3 Job. RequestJSON/ResultJSON are opaque blobs
// (the request's prompt/system_prompt/schema/etc, and the runner's
// accumulated text/thinking/tool-uses/usage respectively) — the store
// layer does not interpret them, matching the teacher's tasks.go CRUD
// style of storing opaque output/error text columns.
type Job struct {
	ID          string
	Kind        string
	Model       string
	ProjectID   *string
	RepoRoot    *string
	RequestJSON string
	Status      string
	ResultJSON  *string
	Error       *string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (s *Store) CreateJob(j *Job) error {
	if j.Status == "" {
		j.Status = "queued"
	}
	j.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO jobs (id, kind, model, project_id, repo_root, request_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.Model, j.ProjectID, j.RepoRoot, j.RequestJSON, j.Status, j.CreatedAt.Format(timeFmt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*Job, error) {
	j := &Job{}
	var createdAt string
	var startedAt, finishedAt *string
	err := s.db.QueryRow(`SELECT id, kind, model, project_id, repo_root, request_json, status, result_json, error,
		created_at, started_at, finished_at FROM jobs WHERE id = ?`, id).Scan(
		&j.ID, &j.Kind, &j.Model, &j.ProjectID, &j.RepoRoot, &j.RequestJSON, &j.Status, &j.ResultJSON, &j.Error,
		&createdAt, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = parseTimePtr(startedAt)
	j.FinishedAt = parseTimePtr(finishedAt)
	return j, nil
}

// ListJobsByStatus returns jobs with the given status, oldest-created first
// (FIFO admission order, per spec §4.7).
func (s *Store) ListJobsByStatus(status string) ([]*Job, error) {
	rows, err := s.db.Query(`SELECT id, kind, model, project_id, repo_root, request_json, status, result_json, error,
		created_at, started_at, finished_at FROM jobs WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) SetJobStatus(id, status string) error {
	now := time.Now().UTC().Format(timeFmt)
	var col string
	switch status {
	case "running":
		col = "started_at"
	case "completed", "failed", "canceled":
		col = "finished_at"
	default:
		_, err := s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ?`, status, id)
		return err
	}
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE jobs SET status = ?, %s = ? WHERE id = ?`, col), status, now, id)
	return err
}

func (s *Store) SetJobResult(id, resultJSON string) error {
	_, err := s.db.Exec(`UPDATE jobs SET result_json = ? WHERE id = ?`, resultJSON, id)
	return err
}

func (s *Store) SetJobError(id, errMsg, status string) error {
	now := time.Now().UTC().Format(timeFmt)
	_, err := s.db.Exec(`UPDATE jobs SET error = ?, status = ?, finished_at = ? WHERE id = ?`, errMsg, status, now, id)
	return err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var createdAt string
		var startedAt, finishedAt *string
		if err := rows.Scan(&j.ID, &j.Kind, &j.Model, &j.ProjectID, &j.RepoRoot, &j.RequestJSON, &j.Status, &j.ResultJSON, &j.Error,
			&createdAt, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.CreatedAt = parseTime(createdAt)
		j.StartedAt = parseTimePtr(startedAt)
		j.FinishedAt = parseTimePtr(finishedAt)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	if t.IsZero() {
		return nil
	}
	return &t
}
