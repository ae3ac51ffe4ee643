package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type JobLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// JobLog stores the append-only job log inside a JSON text column.
type JobLog []JobLogEntry

func (l JobLog) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}

	data, err := json.Marshal([]JobLogEntry(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *JobLog) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	switch v := value.(type) {
	case []byte:
		return l.unmarshal(v)
	case string:
		return l.unmarshal([]byte(v))
	default:
		return fmt.Errorf("domain.JobLog: unsupported type %T", value)
	}
}

func (l *JobLog) unmarshal(data []byte) error {
	if len(data) == 0 {
		*l = nil
		return nil
	}

	var parsed []JobLogEntry
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Clone returns a copy so readers never share the writer's backing array.
func (l JobLog) Clone() JobLog {
	if len(l) == 0 {
		return nil
	}
	out := make(JobLog, len(l))
	copy(out, l)
	return out
}

// Tail returns at most n trailing entries.
func (l JobLog) Tail(n int) JobLog {
	if n <= 0 || len(l) <= n {
		return l.Clone()
	}
	return l[len(l)-n:].Clone()
}
