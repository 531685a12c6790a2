package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kernelci/hwaggregator/pkg/store"
)

// Submission is a KCIDB-style submission document.
type Submission struct {
	Checkouts []CheckoutRecord `json:"checkouts"`
	Builds    []BuildRecord    `json:"builds"`
	Tests     []TestRecord     `json:"tests"`
}

// CheckoutRecord is one checkout as submitted.
type CheckoutRecord struct {
	ID                  string     `json:"id"`
	Origin              string     `json:"origin"`
	TreeName            string     `json:"tree_name"`
	GitRepositoryURL    string     `json:"git_repository_url"`
	GitRepositoryBranch string     `json:"git_repository_branch"`
	StartTime           *time.Time `json:"start_time"`
}

// BuildRecord is one build as submitted.
type BuildRecord struct {
	ID         string `json:"id"`
	CheckoutID string `json:"checkout_id"`
	Origin     string `json:"origin"`
	Status     string `json:"status"`
}

// TestRecord is one test as submitted.
type TestRecord struct {
	ID          string       `json:"id"`
	BuildID     string       `json:"build_id"`
	Origin      string       `json:"origin"`
	Path        string       `json:"path"`
	Status      string       `json:"status"`
	Environment *Environment `json:"environment,omitempty"`
}

// Environment describes where a test ran.
type Environment struct {
	Compatible []string       `json:"compatible,omitempty"`
	Misc       map[string]any `json:"misc,omitempty"`
}

// ParseSubmission decodes one submission document.
func ParseSubmission(r io.Reader) (*Submission, error) {
	var sub Submission

	if err := json.NewDecoder(r).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decoding submission: %w", err)
	}

	if err := sub.validate(); err != nil {
		return nil, err
	}

	return &sub, nil
}

// LoadFile reads and decodes a submission file.
func LoadFile(path string) (*Submission, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening submission: %w", err)
	}
	defer f.Close()

	sub, err := ParseSubmission(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return sub, nil
}

func (s *Submission) validate() error {
	for i, c := range s.Checkouts {
		if c.ID == "" {
			return fmt.Errorf("checkouts[%d]: missing id", i)
		}
	}

	for i, b := range s.Builds {
		if b.ID == "" || b.CheckoutID == "" {
			return fmt.Errorf("builds[%d]: missing id or checkout_id", i)
		}
	}

	for i, t := range s.Tests {
		if t.ID == "" || t.BuildID == "" {
			return fmt.Errorf("tests[%d]: missing id or build_id", i)
		}
	}

	return nil
}

// Merge concatenates submissions.
func Merge(subs ...*Submission) *Submission {
	out := &Submission{}

	for _, s := range subs {
		if s == nil {
			continue
		}

		out.Checkouts = append(out.Checkouts, s.Checkouts...)
		out.Builds = append(out.Builds, s.Builds...)
		out.Tests = append(out.Tests, s.Tests...)
	}

	return out
}

// Rows converts the submission into raw store rows.
func (s *Submission) Rows() ([]store.Checkout, []store.Build, []store.Test) {
	checkouts := make([]store.Checkout, 0, len(s.Checkouts))
	for _, c := range s.Checkouts {
		row := store.Checkout{
			ID:                  c.ID,
			Origin:              c.Origin,
			TreeName:            c.TreeName,
			GitRepositoryURL:    c.GitRepositoryURL,
			GitRepositoryBranch: c.GitRepositoryBranch,
		}

		if c.StartTime != nil {
			row.StartTime = c.StartTime.UTC()
		}

		checkouts = append(checkouts, row)
	}

	builds := make([]store.Build, 0, len(s.Builds))
	for _, b := range s.Builds {
		builds = append(builds, store.Build{
			ID:         b.ID,
			CheckoutID: b.CheckoutID,
			Origin:     b.Origin,
			Status:     b.Status,
		})
	}

	tests := make([]store.Test, 0, len(s.Tests))
	for _, t := range s.Tests {
		row := store.Test{
			ID:      t.ID,
			BuildID: t.BuildID,
			Origin:  t.Origin,
			Path:    t.Path,
			Status:  t.Status,
		}

		if t.Environment != nil {
			if t.Environment.Misc != nil {
				row.EnvironmentMisc = t.Environment.Misc
			}

			row.EnvironmentCompatible = store.EncodeCompatibles(t.Environment.Compatible)
		}

		tests = append(tests, row)
	}

	return checkouts, builds, tests
}
