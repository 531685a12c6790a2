package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EnqueuePendingTests stages tests for aggregation. Tests already queued are
// left untouched. It returns the number of rows inserted.
func (s *store) EnqueuePendingTests(
	ctx context.Context, rows []PendingTest,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("enqueuing pending tests: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// EnqueuePendingBuilds stages builds waiting for their checkout. Builds
// already queued are left untouched.
func (s *store) EnqueuePendingBuilds(
	ctx context.Context, rows []PendingBuild,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&rows, insertBatchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("enqueuing pending builds: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// ListPendingTests returns up to limit pending tests with an id strictly
// greater than afterID, in ascending id order. Paging by cursor rather than
// offset stays correct while other cycles delete rows.
func (s *store) ListPendingTests(
	ctx context.Context, afterID uint, limit int,
) ([]PendingTest, error) {
	var rows []PendingTest
	if err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing pending tests: %w", err)
	}

	return rows, nil
}

func (s *store) ListPendingBuilds(ctx context.Context) ([]PendingBuild, error) {
	var rows []PendingBuild
	if err := s.db.WithContext(ctx).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing pending builds: %w", err)
	}

	return rows, nil
}

// CountPending returns the depth of both pending queues.
func (s *store) CountPending(ctx context.Context) (int64, int64, error) {
	var tests, builds int64

	if err := s.db.WithContext(ctx).
		Model(&PendingTest{}).
		Count(&tests).Error; err != nil {
		return 0, 0, fmt.Errorf("counting pending tests: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Model(&PendingBuild{}).
		Count(&builds).Error; err != nil {
		return 0, 0, fmt.Errorf("counting pending builds: %w", err)
	}

	return tests, builds, nil
}

// ExpirePending deletes pending rows queued before the cutoff, i.e. whose
// dependencies never arrived within the configured TTL.
func (s *store) ExpirePending(
	ctx context.Context, before time.Time,
) (int64, int64, error) {
	var tests, builds int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("created_at < ?", before.UTC()).Delete(&PendingTest{})
		if result.Error != nil {
			return fmt.Errorf("expiring pending tests: %w", result.Error)
		}

		tests = result.RowsAffected

		result = tx.Where("created_at < ?", before.UTC()).Delete(&PendingBuild{})
		if result.Error != nil {
			return fmt.Errorf("expiring pending builds: %w", result.Error)
		}

		builds = result.RowsAffected

		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	if tests > 0 || builds > 0 {
		s.log.WithFields(logrus.Fields{
			"tests":  tests,
			"builds": builds,
		}).Info("Expired pending entries")
	}

	return tests, builds, nil
}
