package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/kernelci/hwaggregator/pkg/config"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// insertBatchSize bounds the rows per INSERT statement so parameter counts
// stay under driver limits.
const insertBatchSize = 500

// Store provides persistence for raw CI entities, the pending queue, the
// idempotency ledger and the hardware aggregate.
type Store interface {
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Raw entities, written by ingestion and read by the resolver.
	SaveCheckouts(ctx context.Context, checkouts []Checkout) error
	SaveBuilds(ctx context.Context, builds []Build) error
	SaveTests(ctx context.Context, tests []Test) error
	GetBuildsByID(ctx context.Context, ids []string) (map[string]Build, error)
	GetCheckoutsByID(ctx context.Context, ids []string) (map[string]Checkout, error)
	GetTestsByID(ctx context.Context, ids []string) ([]Test, error)

	// Latest checkout tracking.
	UpsertLatestCheckouts(ctx context.Context, rows []LatestCheckout) (int64, error)
	GetLatestCheckout(
		ctx context.Context, origin, treeName, url, branch string,
	) (*LatestCheckout, error)

	// Pending queue.
	EnqueuePendingTests(ctx context.Context, rows []PendingTest) (int64, error)
	EnqueuePendingBuilds(ctx context.Context, rows []PendingBuild) (int64, error)
	ListPendingTests(ctx context.Context, afterID uint, limit int) ([]PendingTest, error)
	ListPendingBuilds(ctx context.Context) ([]PendingBuild, error)
	CountPending(ctx context.Context) (tests, builds int64, err error)
	ExpirePending(ctx context.Context, before time.Time) (tests, builds int64, err error)

	// Ledger and aggregate.
	ListProcessed(ctx context.Context, hardwareKeys []string) ([]ProcessedHardwareStatus, error)
	CommitBatch(ctx context.Context, batch *Batch) (*CommitResult, error)
	GetHardwareStatus(
		ctx context.Context, origin, platform, checkoutID string,
	) (*HardwareStatus, error)
	ListHardwareStatus(ctx context.Context, checkoutID string) ([]HardwareStatus, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch s.cfg.Driver {
	case config.DriverSQLite:
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case config.DriverPostgres:
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	switch {
	case s.cfg.Driver == config.DriverSQLite:
		// SQLite serializes writers, and every ":memory:" connection is a
		// separate database.
		sqlDB.SetMaxOpenConns(1)
	case s.cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(s.cfg.MaxOpenConns)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Checkout{},
		&Build{},
		&Test{},
		&LatestCheckout{},
		&PendingTest{},
		&PendingBuild{},
		&HardwareStatus{},
		&ProcessedHardwareStatus{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	return nil
}

// --- Raw entities ---

func (s *store) SaveCheckouts(ctx context.Context, checkouts []Checkout) error {
	if len(checkouts) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&checkouts, insertBatchSize).Error; err != nil {
		return fmt.Errorf("saving checkouts: %w", err)
	}

	return nil
}

func (s *store) SaveBuilds(ctx context.Context, builds []Build) error {
	if len(builds) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&builds, insertBatchSize).Error; err != nil {
		return fmt.Errorf("saving builds: %w", err)
	}

	return nil
}

func (s *store) SaveTests(ctx context.Context, tests []Test) error {
	if len(tests) == 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&tests, insertBatchSize).Error; err != nil {
		return fmt.Errorf("saving tests: %w", err)
	}

	return nil
}

// GetBuildsByID bulk-fetches builds. Unknown ids are simply absent from the
// returned map.
func (s *store) GetBuildsByID(
	ctx context.Context, ids []string,
) (map[string]Build, error) {
	out := make(map[string]Build, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var builds []Build
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&builds).Error; err != nil {
		return nil, fmt.Errorf("getting builds by id: %w", err)
	}

	for _, b := range builds {
		out[b.ID] = b
	}

	return out, nil
}

// GetCheckoutsByID bulk-fetches checkouts. Unknown ids are simply absent
// from the returned map.
func (s *store) GetCheckoutsByID(
	ctx context.Context, ids []string,
) (map[string]Checkout, error) {
	out := make(map[string]Checkout, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	var checkouts []Checkout
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Find(&checkouts).Error; err != nil {
		return nil, fmt.Errorf("getting checkouts by id: %w", err)
	}

	for _, c := range checkouts {
		out[c.ID] = c
	}

	return out, nil
}

func (s *store) GetTestsByID(ctx context.Context, ids []string) ([]Test, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var tests []Test
	if err := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&tests).Error; err != nil {
		return nil, fmt.Errorf("getting tests by id: %w", err)
	}

	return tests, nil
}

// --- Latest checkout ---

// UpsertLatestCheckouts records each row as the latest checkout of its
// tree/branch unless a strictly newer one is already stored. It returns the
// number of rows inserted or replaced.
func (s *store) UpsertLatestCheckouts(
	ctx context.Context, rows []LatestCheckout,
) (int64, error) {
	var modified int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// One statement per row: a multi-row upsert may not touch the same
		// tree twice.
		for i := range rows {
			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "origin"},
					{Name: "tree_name"},
					{Name: "git_repository_url"},
					{Name: "git_repository_branch"},
				},
				DoUpdates: clause.Assignments(map[string]any{
					"checkout_id": gorm.Expr("excluded.checkout_id"),
					"start_time":  gorm.Expr("excluded.start_time"),
				}),
				Where: clause.Where{Exprs: []clause.Expression{
					gorm.Expr("latest_checkout.start_time < excluded.start_time"),
				}},
			}).Create(&rows[i])
			if result.Error != nil {
				return fmt.Errorf("upserting latest checkout %q: %w",
					rows[i].CheckoutID, result.Error)
			}

			modified += result.RowsAffected
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return modified, nil
}

func (s *store) GetLatestCheckout(
	ctx context.Context, origin, treeName, url, branch string,
) (*LatestCheckout, error) {
	var row LatestCheckout

	err := s.db.WithContext(ctx).
		Where("origin = ? AND tree_name = ? AND git_repository_url = ? AND git_repository_branch = ?",
			origin, treeName, url, branch).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting latest checkout: %w", err)
	}

	return &row, nil
}
