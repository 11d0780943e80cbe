package store

import "fmt"

type recencyMark struct {
	Domain      string `db:"domain"`
	TimestampMs int64  `db:"timestamp_ms"`
}

func (s *Store) RecencyMarks() (map[string]int64, error) {
	var rows []*recencyMark
	if err := s.Tx.Select(&rows, "SELECT * FROM _recency_marks"); err != nil {
		return nil, fmt.Errorf("store: error getting recency marks: %w", err)
	}
	marks := make(map[string]int64, len(rows))
	for _, r := range rows {
		marks[r.Domain] = r.TimestampMs
	}
	return marks, nil
}

func (s *Store) SetRecencyMark(domain string, timestampMs int64) error {
	if _, err := s.Tx.NamedExec("INSERT INTO _recency_marks (domain, timestamp_ms) VALUES (:domain, :timestamp_ms) ON CONFLICT(domain) DO UPDATE SET timestamp_ms = :timestamp_ms", &recencyMark{
		Domain:      domain,
		TimestampMs: timestampMs,
	}); err != nil {
		return fmt.Errorf("store: error setting recency mark for %s: %w", domain, err)
	}
	return nil
}

func (s *Store) ClearRecencyMarks() error {
	if _, err := s.Tx.Exec("DELETE FROM _recency_marks"); err != nil {
		return fmt.Errorf("store: error clearing recency marks: %w", err)
	}
	return nil
}
