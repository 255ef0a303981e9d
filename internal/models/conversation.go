package models

import "time"

// AgentBinding maps a stable agent name to the provider-side agent id.
type AgentBinding struct {
	Name         string    `db:"name"`
	Provider     string    `db:"provider"`
	AgentID      string    `db:"agent_id"`
	Instructions string    `db:"instructions"`
	Model        string    `db:"model"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// ThreadMessage is one stored message of a locally kept conversation thread.
type ThreadMessage struct {
	ThreadID  string    `db:"thread_id"`
	Seq       int       `db:"seq"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}
