package session

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelworks/greenloop/internal/fsutil"
)

// IterationRecord is one line of the per-session iteration history log.
type IterationRecord struct {
	Iteration int     `json:"iteration"`
	Pass      int     `json:"pass"`
	Fail      int     `json:"fail"`
	Total     int     `json:"total"`
	AvgScore  float64 `json:"avg_score"`
	Timestamp string  `json:"timestamp"`
}

func (s *Store) historyPath(name string) string {
	return filepath.Join(s.Dir(name), "history.log")
}

// AppendHistory appends one iteration record to the history log. The log is
// line-oriented and append-only; earlier lines are never rewritten.
func (s *Store) AppendHistory(name string, rec IterationRecord) error {
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	line := fmt.Sprintf("%d %d %d %d %.2f %s",
		rec.Iteration, rec.Pass, rec.Fail, rec.Total, rec.AvgScore, rec.Timestamp)
	return fsutil.AppendLine(s.historyPath(name), line)
}

// History reads all iteration records for a session in append order.
// A missing log yields an empty history.
func (s *Store) History(name string) ([]IterationRecord, error) {
	f, err := os.Open(s.historyPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open history log: %w", err)
	}
	defer f.Close()

	var records []IterationRecord
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := parseHistoryLine(line)
		if err != nil {
			return nil, fmt.Errorf("history line %d: %w", lineNo, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history log: %w", err)
	}
	return records, nil
}

func parseHistoryLine(line string) (IterationRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return IterationRecord{}, fmt.Errorf("expected 6 fields, got %d", len(fields))
	}
	var rec IterationRecord
	var err error
	if rec.Iteration, err = strconv.Atoi(fields[0]); err != nil {
		return IterationRecord{}, fmt.Errorf("iteration: %w", err)
	}
	if rec.Pass, err = strconv.Atoi(fields[1]); err != nil {
		return IterationRecord{}, fmt.Errorf("pass count: %w", err)
	}
	if rec.Fail, err = strconv.Atoi(fields[2]); err != nil {
		return IterationRecord{}, fmt.Errorf("fail count: %w", err)
	}
	if rec.Total, err = strconv.Atoi(fields[3]); err != nil {
		return IterationRecord{}, fmt.Errorf("total count: %w", err)
	}
	if rec.AvgScore, err = strconv.ParseFloat(fields[4], 64); err != nil {
		return IterationRecord{}, fmt.Errorf("avg score: %w", err)
	}
	rec.Timestamp = fields[5]
	return rec, nil
}
