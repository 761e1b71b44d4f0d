package domain

import "time"

// SyncRun records the outcome of one harvest run.
type SyncRun struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	AccountID    string    `gorm:"size:64;not null" json:"account_id"`
	Label        string    `gorm:"size:32;not null" json:"label"`
	StartedAt    time.Time `gorm:"not null" json:"started_at"`
	Since        int64     `json:"since,omitempty"`
	Watermark    int64     `json:"watermark,omitempty"`
	Pages        int       `json:"pages"`
	Incidents    int       `json:"incidents"`
	Truncated    bool      `json:"truncated"`
	NewIPs       int       `json:"new_ips"`
	NewDomains   int       `json:"new_domains"`
	TotalIPs     int       `json:"total_ips"`
	TotalDomains int       `json:"total_domains"`
	FinishedAt   time.Time `gorm:"autoCreateTime" json:"finished_at"`
}

// RunBatch is what one run hands to its downstream sinks.
type RunBatch struct {
	Run SyncRun

	// IPs and Domains are the indicators extracted during this run.
	IPs     IPReputations
	Domains []string

	// NewIPs and NewDomains were not present in the datasets before the run.
	NewIPs     []string
	NewDomains []string
}
