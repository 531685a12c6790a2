package store

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// DummyBuildPrefix marks synthetic builds created by maestro to host tests
// that were not produced by a real build. They never count as builds.
const DummyBuildPrefix = "maestro:dummy_"

// EntityType discriminates ledger rows.
type EntityType string

// Ledger entity types.
const (
	EntityTest  EntityType = "TEST"
	EntityBuild EntityType = "BUILD"
)

// Checkout is a raw checkout row written by ingestion. Immutable.
type Checkout struct {
	ID                  string `gorm:"primaryKey"`
	Origin              string `gorm:"not null;index"`
	TreeName            string
	GitRepositoryURL    string
	GitRepositoryBranch string
	StartTime           time.Time
}

func (Checkout) TableName() string { return "checkouts" }

// Build is a raw build row written by ingestion. Immutable.
type Build struct {
	ID         string `gorm:"primaryKey"`
	CheckoutID string `gorm:"not null;index"`
	Origin     string
	Status     string
}

func (Build) TableName() string { return "builds" }

// IsDummy reports whether the build is a synthetic placeholder.
func (b *Build) IsDummy() bool {
	return strings.HasPrefix(b.ID, DummyBuildPrefix)
}

// Test is a raw test row written by ingestion. Immutable.
type Test struct {
	ID                    string `gorm:"primaryKey"`
	BuildID               string `gorm:"not null;index"`
	Origin                string
	Path                  string
	Status                string
	EnvironmentMisc       datatypes.JSONMap
	EnvironmentCompatible *string
}

func (Test) TableName() string { return "tests" }

// Platform returns environment_misc.platform, or "" when it is missing or
// not a string.
func (t *Test) Platform() string {
	if t.EnvironmentMisc == nil {
		return ""
	}

	platform, _ := t.EnvironmentMisc["platform"].(string)

	return platform
}

// LatestCheckout tracks the newest checkout per tree/branch.
type LatestCheckout struct {
	ID                  uint      `gorm:"primaryKey"`
	CheckoutID          string    `gorm:"not null"`
	Origin              string    `gorm:"not null;uniqueIndex:idx_latest_checkout_tree"`
	TreeName            string    `gorm:"not null;uniqueIndex:idx_latest_checkout_tree"`
	GitRepositoryURL    string    `gorm:"not null;uniqueIndex:idx_latest_checkout_tree"`
	GitRepositoryBranch string    `gorm:"not null;uniqueIndex:idx_latest_checkout_tree"`
	StartTime           time.Time `gorm:"not null"`
}

func (LatestCheckout) TableName() string { return "latest_checkout" }

// PendingTest stages a test until its build and checkout are resolvable.
// ID is monotonically increasing and drives cursor paging.
type PendingTest struct {
	ID         uint   `gorm:"primaryKey"`
	TestID     string `gorm:"not null;uniqueIndex"`
	BuildID    string `gorm:"not null;index"`
	Origin     string
	Platform   string `gorm:"not null"`
	Compatible *string
	Status     string
	Path       string
	IsBoot     bool
	CreatedAt  time.Time `gorm:"index"`
}

func (PendingTest) TableName() string { return "pending_test" }

// PendingBuild stages a build until its checkout is resolvable.
type PendingBuild struct {
	ID         uint   `gorm:"primaryKey"`
	BuildID    string `gorm:"not null;uniqueIndex"`
	CheckoutID string `gorm:"not null;index"`
	Origin     string
	Status     string
	CreatedAt  time.Time `gorm:"index"`
}

func (PendingBuild) TableName() string { return "pending_build" }

// HardwareStatus is the materialized aggregate for one
// (origin, platform, checkout). Counters only ever grow.
type HardwareStatus struct {
	ID          uint   `gorm:"primaryKey"`
	CheckoutID  string `gorm:"not null;uniqueIndex:idx_hardware_status_identity"`
	Origin      string `gorm:"not null;uniqueIndex:idx_hardware_status_identity"`
	Platform    string `gorm:"not null;uniqueIndex:idx_hardware_status_identity"`
	HardwareKey string `gorm:"size:64;not null;index"`
	Compatibles *string
	StartTime   time.Time

	BuildPass   int `gorm:"not null"`
	BuildFailed int `gorm:"not null"`
	BuildInc    int `gorm:"not null"`
	BootPass    int `gorm:"not null"`
	BootFailed  int `gorm:"not null"`
	BootInc     int `gorm:"not null"`
	TestPass    int `gorm:"not null"`
	TestFailed  int `gorm:"not null"`
	TestInc     int `gorm:"not null"`

	UpdatedAt time.Time
}

func (HardwareStatus) TableName() string { return "hardware_status" }

// CompatiblesList decodes the compatibles column.
func (h *HardwareStatus) CompatiblesList() []string {
	return DecodeCompatibles(h.Compatibles)
}

// ProcessedHardwareStatus is one ledger entry: the entity has already been
// counted towards the hardware key and must never count again.
type ProcessedHardwareStatus struct {
	ID          uint       `gorm:"primaryKey"`
	HardwareKey string     `gorm:"size:64;not null;uniqueIndex:idx_processed_hw_entity"`
	EntityID    string     `gorm:"not null;uniqueIndex:idx_processed_hw_entity"`
	EntityType  EntityType `gorm:"size:8;not null;uniqueIndex:idx_processed_hw_entity"`
	CreatedAt   time.Time
}

func (ProcessedHardwareStatus) TableName() string { return "processed_hardware_status" }

// EncodeCompatibles renders a compatible list as the JSON text stored in
// compatibles columns. A nil list stays NULL.
func EncodeCompatibles(list []string) *string {
	if list == nil {
		return nil
	}

	raw, err := json.Marshal(list)
	if err != nil {
		return nil
	}

	encoded := string(raw)

	return &encoded
}

// DecodeCompatibles parses a compatibles column. NULL, "null" and malformed
// values yield nil.
func DecodeCompatibles(s *string) []string {
	if IsNullCompatibles(s) {
		return nil
	}

	var out []string
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		return nil
	}

	return out
}

// IsNullCompatibles reports whether a compatibles column holds no value.
func IsNullCompatibles(s *string) bool {
	return s == nil || *s == "" || *s == "null"
}
