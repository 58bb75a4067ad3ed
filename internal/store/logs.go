package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fentz26/tessera/internal/models"
)

// AppendLog stores the next log line of a job.
func (s *Store) AppendLog(jobID, line string) error {
	_, err := s.db.Exec(
		`INSERT INTO job_logs (job_id, line_no, line, created_at)
		SELECT ?, COALESCE(MAX(line_no), 0) + 1, ?, ? FROM job_logs WHERE job_id = ?`,
		jobID, line, time.Now().UTC(), jobID,
	)
	return errors.Wrap(err, "insert log line")
}

// GetLogs returns a window of a job's log.
//
// With LastRows set, the last LastRows matching lines are returned. Otherwise
// lines are scanned from FromLine until PageSize lines matched. EndLine is the
// number of the last line scanned, so the next page starts at EndLine+1.
// IsEnd is set once the window reaches the last line of a finished job.
func (s *Store) GetLogs(jobID string, q models.LogQuery) (*models.LogPage, error) {
	var lastLine int
	var state sql.NullString
	err := s.db.QueryRow(
		`SELECT (SELECT COALESCE(MAX(line_no), 0) FROM job_logs WHERE job_id = ?),
			(SELECT status FROM jobs WHERE id = ?)`,
		jobID, jobID,
	).Scan(&lastLine, &state)
	if err != nil {
		return nil, errors.Wrap(err, "query log bounds")
	}

	match := keywordFilter(q.OnlyKeywords, q.IgnoreKeywords)
	page := &models.LogPage{Logs: []string{}}

	if q.LastRows > 0 {
		lines, err := s.tailLogs(jobID, q.LastRows, match)
		if err != nil {
			return nil, err
		}
		page.Logs = lines
		page.EndLine = lastLine
	} else {
		from := q.FromLine
		if from < 1 {
			from = 1
		}
		size := q.PageSize
		if size <= 0 {
			size = defaultLogPageSize
		}

		rows, err := s.db.Query(
			`SELECT line_no, line FROM job_logs WHERE job_id = ? AND line_no >= ? ORDER BY line_no ASC`,
			jobID, from,
		)
		if err != nil {
			return nil, errors.Wrap(err, "query logs")
		}
		defer rows.Close()

		page.EndLine = from - 1
		for len(page.Logs) < size && rows.Next() {
			var no int
			var line string
			if err := rows.Scan(&no, &line); err != nil {
				return nil, errors.Wrap(err, "scan log line")
			}
			page.EndLine = no
			if match(line) {
				page.Logs = append(page.Logs, line)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, errors.Wrap(err, "iterate logs")
		}
	}

	page.IsEnd = page.EndLine >= lastLine && state.Valid && models.JobState(state.String).IsTerminal()
	return page, nil
}

func (s *Store) tailLogs(jobID string, n int, match func(string) bool) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT line FROM job_logs WHERE job_id = ? ORDER BY line_no DESC`,
		jobID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query logs")
	}
	defer rows.Close()

	var rev []string
	for len(rev) < n && rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, errors.Wrap(err, "scan log line")
		}
		if match(line) {
			rev = append(rev, line)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate logs")
	}

	out := make([]string, len(rev))
	for i, line := range rev {
		out[len(rev)-1-i] = line
	}
	return out, nil
}

// keywordFilter keeps lines containing any of only, when given, and none of ignore.
func keywordFilter(only, ignore []string) func(string) bool {
	only, ignore = compact(only), compact(ignore)
	return func(line string) bool {
		for _, k := range ignore {
			if strings.Contains(line, k) {
				return false
			}
		}
		if len(only) == 0 {
			return true
		}
		for _, k := range only {
			if strings.Contains(line, k) {
				return true
			}
		}
		return false
	}
}

func compact(keywords []string) []string {
	var out []string
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
