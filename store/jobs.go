package store

import (
	"database/sql"
	"fmt"
	"time"

	"hivemesh/mesh"
	"hivemesh/ota"
)

const timeLayout = time.RFC3339Nano

func timeOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, s.String)
	return t
}

// SaveJob upserts a job and its per-node status rows.
func (db *DB) SaveJob(job *ota.Job) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO ota_jobs
		(id, external_id, firmware_id, target_role, hardware, md5, total_parts, force, status, cancel_requested, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			cancel_requested = excluded.cancel_requested,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		job.ID, job.ExternalID, job.FirmwareID, job.TargetRole, job.Hardware, job.MD5,
		job.TotalParts, job.Force, string(job.Status), job.CancelRequested,
		job.CreatedAt.Format(timeLayout), timeOrNull(job.StartedAt), timeOrNull(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}

	for id, p := range job.Nodes {
		if err := upsertNode(tx, job.ID, id, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertNode(e execer, jobID string, node mesh.NodeID, p *ota.NodeProgress) error {
	_, err := e.Exec(`INSERT INTO ota_node_status
		(job_id, node_id, status, current_part, total_parts, error, started, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, node_id) DO UPDATE SET
			status = excluded.status,
			current_part = excluded.current_part,
			error = excluded.error,
			started = excluded.started,
			last_activity = excluded.last_activity`,
		jobID, int64(node), string(p.Status), p.CurrentPart, p.TotalParts,
		p.Error, p.Started, timeOrNull(p.LastActivity))
	if err != nil {
		return fmt.Errorf("save node %s of job %s: %w", node.ShortName(), jobID, err)
	}
	return nil
}

// UpdateNodeStatus persists one node's transfer progress.
func (db *DB) UpdateNodeStatus(jobID string, node mesh.NodeID, p ota.NodeProgress) error {
	return upsertNode(db, jobID, node, &p)
}

// LoadJobs returns all persisted jobs with their node rows, newest first.
func (db *DB) LoadJobs() ([]*ota.Job, error) {
	rows, err := db.Query(`SELECT id, external_id, firmware_id, target_role, hardware, md5, total_parts, force,
		status, cancel_requested, created_at, started_at, completed_at
		FROM ota_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ota.Job
	byID := make(map[string]*ota.Job)
	for rows.Next() {
		var j ota.Job
		var created string
		var started, completed sql.NullString
		var status string
		if err := rows.Scan(&j.ID, &j.ExternalID, &j.FirmwareID, &j.TargetRole, &j.Hardware, &j.MD5,
			&j.TotalParts, &j.Force, &status, &j.CancelRequested,
			&created, &started, &completed); err != nil {
			return nil, err
		}
		j.Status = ota.JobStatus(status)
		j.CreatedAt, _ = time.Parse(timeLayout, created)
		j.StartedAt = parseTime(started)
		j.CompletedAt = parseTime(completed)
		j.Nodes = make(map[mesh.NodeID]*ota.NodeProgress)
		jobs = append(jobs, &j)
		byID[j.ID] = &j
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	nrows, err := db.Query(`SELECT job_id, node_id, status, current_part, total_parts, error, started, last_activity
		FROM ota_node_status`)
	if err != nil {
		return nil, err
	}
	defer nrows.Close()
	for nrows.Next() {
		var jobID, status string
		var nodeID int64
		var p ota.NodeProgress
		var last sql.NullString
		if err := nrows.Scan(&jobID, &nodeID, &status, &p.CurrentPart, &p.TotalParts,
			&p.Error, &p.Started, &last); err != nil {
			return nil, err
		}
		p.Status = ota.NodeState(status)
		p.LastActivity = parseTime(last)
		if j, ok := byID[jobID]; ok {
			j.Nodes[mesh.NodeID(nodeID)] = &p
		}
	}
	return jobs, nrows.Err()
}

// MarkInterrupted fails jobs left distributing by a gateway restart. The
// distributor's in-memory transfer tracking is gone, so the job cannot be
// resumed; targeted nodes that never finished are failed with it. Returns the
// backend update IDs of the affected jobs so the restart can be reported.
func (db *DB) MarkInterrupted(now time.Time) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT external_id FROM ota_jobs WHERE status = 'distributing' AND external_id != ''`)
	if err != nil {
		return nil, err
	}
	var externals []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		externals = append(externals, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE ota_node_status SET status = 'failed', error = 'interrupted by gateway restart'
		WHERE status NOT IN ('completed', 'failed', 'cancelled')
		AND job_id IN (SELECT id FROM ota_jobs WHERE status = 'distributing')`)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE ota_jobs SET status = 'failed', completed_at = ? WHERE status = 'distributing'`,
		now.Format(timeLayout))
	if err != nil {
		return nil, err
	}
	return externals, tx.Commit()
}
