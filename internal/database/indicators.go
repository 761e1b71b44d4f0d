package database

import (
	"context"
	"fmt"

	"harvester/internal/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// upsertAttackIPs inserts new IPs and unions the reputation tags of known ones.
func upsertAttackIPs(tx *gorm.DB, runID string, ips domain.IPReputations) error {
	if len(ips) == 0 {
		return nil
	}

	keys := ips.IPs()
	existing := make(map[string]domain.StringList, len(keys))
	for start := 0; start < len(keys); start += upsertBatchSize {
		end := min(start+upsertBatchSize, len(keys))

		var rows []domain.AttackIPRecord
		if err := tx.Select("ip", "reputation").Where("ip IN ?", keys[start:end]).Find(&rows).Error; err != nil {
			return fmt.Errorf("load attack ips: %w", err)
		}
		for _, row := range rows {
			existing[row.IP] = row.Reputation
		}
	}

	records := make([]domain.AttackIPRecord, 0, len(keys))
	for _, ip := range keys {
		records = append(records, domain.AttackIPRecord{
			IP:         ip,
			Reputation: existing[ip].Union(ips[ip]),
			LastRunID:  runID,
		})
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"reputation", "last_run_id", "last_seen_at"}),
	}).CreateInBatches(&records, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert attack ips: %w", err)
	}
	return nil
}

func upsertDomains(tx *gorm.DB, runID string, domains []string) error {
	if len(domains) == 0 {
		return nil
	}

	records := make([]domain.AttackedDomainRecord, 0, len(domains))
	for _, d := range domains {
		records = append(records, domain.AttackedDomainRecord{Domain: d, LastRunID: runID})
	}

	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "domain"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_run_id", "last_seen"}),
	}).CreateInBatches(&records, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert domains: %w", err)
	}
	return nil
}

// LatestRun returns the most recent run recorded for the account, or nil.
func (s *Store) LatestRun(ctx context.Context, accountID string) (*domain.SyncRun, error) {
	var runs []domain.SyncRun
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("started_at DESC").
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}
