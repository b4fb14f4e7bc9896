// ABOUTME: Typed records for agents, threads and messages plus Row conversion
// ABOUTME: The same structs double as GORM models for the relational backend

package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeFormat is the stored timestamp layout: fixed-width UTC with
// milliseconds, so lexicographic order matches chronological order.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// Agent statuses.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Message roles.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Agent is a conversational backend the user can talk to.
type Agent struct {
	ID           string `json:"id,omitempty" gorm:"primaryKey"`
	Name         string `json:"name" gorm:"not null"`
	Description  string `json:"description"`
	Category     string `json:"category"`
	AccentColor  string `json:"accent_color"`
	Status       string `json:"status"`
	Avatar       string `json:"avatar"`
	SystemPrompt string `json:"system_prompt"`
	CreatedAt    string `json:"created_at,omitempty" gorm:"index"`
	Seq          int64  `json:"-" gorm:"index"`
}

func (Agent) TableName() string { return TableAgents }

// Thread is one conversation with an agent.
type Thread struct {
	ID        string `json:"id,omitempty" gorm:"primaryKey"`
	Title     string `json:"title"`
	AgentID   string `json:"agent_id" gorm:"index"`
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at,omitempty" gorm:"index"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Seq       int64  `json:"-" gorm:"index"`
}

func (Thread) TableName() string { return TableThreads }

// Message is one entry in a thread transcript.
type Message struct {
	ID        string `json:"id,omitempty" gorm:"primaryKey"`
	ThreadID  string `json:"thread_id" gorm:"index:idx_messages_thread_created"`
	AgentID   string `json:"agent_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at,omitempty" gorm:"index:idx_messages_thread_created"`
	Seq       int64  `json:"-" gorm:"index"`
}

func (Message) TableName() string { return TableMessages }

// setSeq records insertion order for the relational backend. Seq never
// appears in rows.
func (a *Agent) setSeq(n int64)   { a.Seq = n }
func (t *Thread) setSeq(n int64)  { t.Seq = n }
func (m *Message) setSeq(n int64) { m.Seq = n }

// RowOf converts a record into a Row using its JSON field names.
func RowOf(v any) (Row, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	return row, nil
}

// Decode fills v from the row. Unknown columns are ignored.
func (r Row) Decode(v any) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding row: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}
	return nil
}

// DecodeRows converts every row into a T.
func DecodeRows[T any](rows []Row) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := row.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
