// Package status reduces raw KCIDB status strings to the three buckets the
// hardware aggregate counts, and classifies test paths as boot or functional.
package status

import "strings"

// Status is the simplified outcome of a build or test.
type Status string

const (
	Pass       Status = "PASS"
	Fail       Status = "FAIL"
	Incomplete Status = "INCOMPLETE"
)

// bootPath is the KCIDB path of boot tests. Sub-tests hang below it with
// either a "." or "/" separator.
const bootPath = "boot"

// Simplify maps a raw status to PASS, FAIL or INCOMPLETE. KCIDB statuses
// are upper case; only the exact strings PASS and FAIL count as such, and
// everything else (ERROR, SKIP, MISS, DONE, empty, "pass") is INCOMPLETE.
func Simplify(raw string) Status {
	switch raw {
	case string(Pass):
		return Pass
	case string(Fail):
		return Fail
	default:
		return Incomplete
	}
}

// IsBoot reports whether a test path belongs to the boot tree.
func IsBoot(path string) bool {
	if path == bootPath {
		return true
	}

	return strings.HasPrefix(path, bootPath+".") ||
		strings.HasPrefix(path, bootPath+"/")
}

// Counts is a pass/fail/incomplete triple.
type Counts struct {
	Pass       int
	Failed     int
	Incomplete int
}

// Count returns the single-entity contribution of a raw status.
func Count(raw string) Counts {
	switch Simplify(raw) {
	case Pass:
		return Counts{Pass: 1}
	case Fail:
		return Counts{Failed: 1}
	default:
		return Counts{Incomplete: 1}
	}
}

// Add sums two triples.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Pass:       c.Pass + o.Pass,
		Failed:     c.Failed + o.Failed,
		Incomplete: c.Incomplete + o.Incomplete,
	}
}
