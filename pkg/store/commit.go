package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counters are the additive columns of a hardware_status row.
type Counters struct {
	BuildPass   int
	BuildFailed int
	BuildInc    int
	BootPass    int
	BootFailed  int
	BootInc     int
	TestPass    int
	TestFailed  int
	TestInc     int
}

// AddTo adds c to the counters of h.
func (c Counters) AddTo(h *HardwareStatus) {
	h.BuildPass += c.BuildPass
	h.BuildFailed += c.BuildFailed
	h.BuildInc += c.BuildInc
	h.BootPass += c.BootPass
	h.BootFailed += c.BootFailed
	h.BootInc += c.BootInc
	h.TestPass += c.TestPass
	h.TestFailed += c.TestFailed
	h.TestInc += c.TestInc
}

// Contribution is what one entity adds to one hardware key. It is applied
// only if its ledger entry did not exist yet.
type Contribution struct {
	HardwareKey string
	EntityID    string
	EntityType  EntityType
	Counters    Counters
}

// Batch is everything one aggregation cycle writes. CommitBatch applies it
// atomically.
type Batch struct {
	// Statuses identify the hardware rows the batch touches and carry their
	// compatibles. Their counter fields are ignored.
	Statuses []HardwareStatus
	// Contributions are per-entity increments guarded by the ledger.
	Contributions []Contribution
	// TestIDs are pending_test.test_id values to dequeue.
	TestIDs []string
	// BuildIDs are pending_build.build_id values to dequeue.
	BuildIDs []string
}

// Empty reports whether the batch would write nothing.
func (b *Batch) Empty() bool {
	return len(b.Statuses) == 0 && len(b.Contributions) == 0 &&
		len(b.TestIDs) == 0 && len(b.BuildIDs) == 0
}

// CommitResult reports what a committed batch actually counted.
type CommitResult struct {
	// Tests and Builds are contributions whose ledger entry was new.
	Tests  int
	Builds int
	// Duplicates were already in the ledger, usually written by a
	// concurrent worker after this batch was accumulated.
	Duplicates int
}

// counterColumns are the additive columns of hardware_status.
var counterColumns = []string{
	"build_pass", "build_failed", "build_inc",
	"boot_pass", "boot_failed", "boot_inc",
	"test_pass", "test_failed", "test_inc",
}

// mergeAssignments adds incoming counters to the stored ones and keeps the
// first non-null compatibles. The whole merge is one statement per key, so
// concurrent commits cannot lose updates.
func mergeAssignments() clause.Set {
	assignments := make(map[string]any, len(counterColumns)+2)

	for _, col := range counterColumns {
		assignments[col] = gorm.Expr(fmt.Sprintf("hardware_status.%s + excluded.%s", col, col))
	}

	assignments["compatibles"] = gorm.Expr(
		"COALESCE(hardware_status.compatibles, excluded.compatibles)")
	assignments["updated_at"] = gorm.Expr("excluded.updated_at")

	return clause.Assignments(assignments)
}

// CommitBatch records ledger entries, merges the counters of the entries it
// recorded into hardware_status and dequeues pending rows in a single
// transaction. A contribution whose ledger entry already exists adds
// nothing, even when the batch was accumulated before that entry was
// written. On any failure nothing is written.
func (s *store) CommitBatch(ctx context.Context, batch *Batch) (*CommitResult, error) {
	result := &CommitResult{}

	if batch == nil || batch.Empty() {
		return result, nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = &CommitResult{}

		rows := make(map[string]*HardwareStatus, len(batch.Statuses))
		keys := make([]string, 0, len(batch.Statuses))

		for i := range batch.Statuses {
			row := batch.Statuses[i]
			row.ID = 0
			clearCounters(&row)

			if prev, dup := rows[row.HardwareKey]; dup {
				if prev.Compatibles == nil {
					prev.Compatibles = row.Compatibles
				}

				continue
			}

			keys = append(keys, row.HardwareKey)
			rows[row.HardwareKey] = &row
		}

		for _, c := range sortedContributions(batch.Contributions) {
			recorded, err := recordEntry(tx, &c)
			if err != nil {
				return err
			}

			if !recorded {
				result.Duplicates++

				continue
			}

			row, ok := rows[c.HardwareKey]
			if !ok {
				return fmt.Errorf("contribution of %s %s to unknown hardware key %s",
					c.EntityType, c.EntityID, c.HardwareKey)
			}

			c.Counters.AddTo(row)

			if c.EntityType == EntityBuild {
				result.Builds++
			} else {
				result.Tests++
			}
		}

		if len(keys) > 0 {
			sort.Strings(keys)

			statuses := make([]HardwareStatus, 0, len(keys))
			for _, k := range keys {
				statuses = append(statuses, *rows[k])
			}

			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "origin"},
					{Name: "platform"},
					{Name: "checkout_id"},
				},
				DoUpdates: mergeAssignments(),
			}).CreateInBatches(&statuses, insertBatchSize).Error; err != nil {
				return fmt.Errorf("merging hardware status: %w", err)
			}
		}

		for _, ids := range chunk(batch.TestIDs, insertBatchSize) {
			if err := tx.Where("test_id IN ?", ids).
				Delete(&PendingTest{}).Error; err != nil {
				return fmt.Errorf("deleting pending tests: %w", err)
			}
		}

		for _, ids := range chunk(batch.BuildIDs, insertBatchSize) {
			if err := tx.Where("build_id IN ?", ids).
				Delete(&PendingBuild{}).Error; err != nil {
				return fmt.Errorf("deleting pending builds: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("committing batch: %w", err)
	}

	return result, nil
}

func clearCounters(h *HardwareStatus) {
	h.BuildPass, h.BuildFailed, h.BuildInc = 0, 0, 0
	h.BootPass, h.BootFailed, h.BootInc = 0, 0, 0
	h.TestPass, h.TestFailed, h.TestInc = 0, 0, 0
}

// recordEntry inserts one ledger entry and reports whether it was new. A
// conflicting insert affects no rows; on postgres it also waits for a
// concurrent transaction holding the same entry to finish first.
func recordEntry(tx *gorm.DB, c *Contribution) (bool, error) {
	entry := ProcessedHardwareStatus{
		HardwareKey: c.HardwareKey,
		EntityID:    c.EntityID,
		EntityType:  c.EntityType,
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return false, fmt.Errorf("recording %s %s: %w", c.EntityType, c.EntityID, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// sortedContributions orders entries so concurrent writers take ledger locks
// in the same order.
func sortedContributions(in []Contribution) []Contribution {
	out := slices.Clone(in)

	slices.SortFunc(out, func(a, b Contribution) int {
		return cmp.Or(
			strings.Compare(a.HardwareKey, b.HardwareKey),
			strings.Compare(string(a.EntityType), string(b.EntityType)),
			strings.Compare(a.EntityID, b.EntityID),
		)
	})

	return out
}

// ListProcessed returns every ledger entry recorded for the given keys.
func (s *store) ListProcessed(
	ctx context.Context, hardwareKeys []string,
) ([]ProcessedHardwareStatus, error) {
	var out []ProcessedHardwareStatus

	for _, keys := range chunk(hardwareKeys, insertBatchSize) {
		var rows []ProcessedHardwareStatus
		if err := s.db.WithContext(ctx).
			Select("hardware_key", "entity_id", "entity_type").
			Where("hardware_key IN ?", keys).
			Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("listing processed entries: %w", err)
		}

		out = append(out, rows...)
	}

	return out, nil
}

func (s *store) GetHardwareStatus(
	ctx context.Context, origin, platform, checkoutID string,
) (*HardwareStatus, error) {
	var row HardwareStatus

	err := s.db.WithContext(ctx).
		Where("origin = ? AND platform = ? AND checkout_id = ?",
			origin, platform, checkoutID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting hardware status: %w", err)
	}

	return &row, nil
}

// ListHardwareStatus returns all aggregate rows of a checkout ordered by
// origin and platform.
func (s *store) ListHardwareStatus(
	ctx context.Context, checkoutID string,
) ([]HardwareStatus, error) {
	var rows []HardwareStatus
	if err := s.db.WithContext(ctx).
		Where("checkout_id = ?", checkoutID).
		Order("origin ASC, platform ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing hardware status: %w", err)
	}

	return rows, nil
}

func chunk(ids []string, size int) [][]string {
	if len(ids) == 0 {
		return nil
	}

	out := make([][]string, 0, (len(ids)+size-1)/size)

	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		out = append(out, ids[i:end])
	}

	return out
}
