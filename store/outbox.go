package store

// ReportMessage is a queued backend report that could not be delivered.
type ReportMessage struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Payload   []byte `json:"payload"`
	Retries   int    `json:"retries"`
	CreatedAt string `json:"created_at"`
}

func (db *DB) EnqueueReport(kind string, payload []byte) (int64, error) {
	res, err := db.Exec(`INSERT INTO report_outbox (kind, payload) VALUES (?, ?)`, kind, payload)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (db *DB) ListPendingReports(limit int) ([]ReportMessage, error) {
	rows, err := db.Query(`SELECT id, kind, payload, retries, created_at FROM report_outbox WHERE sent_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []ReportMessage
	for rows.Next() {
		var m ReportMessage
		if err := rows.Scan(&m.ID, &m.Kind, &m.Payload, &m.Retries, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (db *DB) AckReport(id int64) error {
	_, err := db.Exec(`UPDATE report_outbox SET sent_at = datetime('now','localtime') WHERE id = ?`, id)
	return err
}

func (db *DB) IncrementReportRetries(id int64) error {
	_, err := db.Exec(`UPDATE report_outbox SET retries = retries + 1 WHERE id = ?`, id)
	return err
}
