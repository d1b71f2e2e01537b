package models

import "time"

// AuditEntry records a single AI operation call for operator inspection.
type AuditEntry struct {
	RequestID      string        `json:"request_id"`
	IdentityHash   string        `json:"identity_hash"`
	IdentityPrefix string        `json:"identity_prefix"`
	Operation      OperationType `json:"operation"`
	Variant        string        `json:"variant,omitempty"`
	Model          string        `json:"model,omitempty"`
	Source         ResultSource  `json:"source"`
	Content        string        `json:"content,omitempty"`
	Result         string        `json:"result,omitempty"`
	TotalTokens    int           `json:"total_tokens"`
	LatencyMs      int64         `json:"latency_ms"`
	Success        bool          `json:"success"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled        bool     `yaml:"enabled"`
	DBPath         string   `yaml:"db_path"`
	RetentionDays  int      `yaml:"retention_days"`
	IncludeContent bool     `yaml:"include_content"`
	ExcludeOps     []string `yaml:"exclude_ops"`
	MaxBodySize    int      `yaml:"max_body_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Operation      string
	Source         string
	Since          time.Time
	IdentityPrefix string
	RequestID      string
	Limit          int
}

// AuditStat holds aggregate audit counts for an operation/day combination.
type AuditStat struct {
	Operation string
	Day       string
	Count     int
}
