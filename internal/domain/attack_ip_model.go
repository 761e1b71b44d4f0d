package domain

import "time"

// AttackIPRecord mirrors one line of the IP detail dataset.
type AttackIPRecord struct {
	IP         string     `gorm:"primaryKey;size:45"`
	Reputation StringList `gorm:"type:jsonb"`

	// LastRunID is the sync run that most recently reported this IP.
	LastRunID string `gorm:"size:36;not null;default:''"`

	FirstSeenAt time.Time `gorm:"autoCreateTime"`
	LastSeenAt  time.Time `gorm:"autoUpdateTime"`
}

func (AttackIPRecord) TableName() string { return "attack_ips" }

type AttackedDomainRecord struct {
	Domain    string    `gorm:"primaryKey;size:253"`
	LastRunID string    `gorm:"size:36;not null;default:''"`
	FirstSeen time.Time `gorm:"autoCreateTime"`
	LastSeen  time.Time `gorm:"autoUpdateTime"`
}

func (AttackedDomainRecord) TableName() string { return "attacked_domains" }
