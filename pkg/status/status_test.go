package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimplify(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{raw: "PASS", want: Pass},
		{raw: "FAIL", want: Fail},
		{raw: "pass", want: Incomplete},
		{raw: " FAIL ", want: Incomplete},
		{raw: "ERROR", want: Incomplete},
		{raw: "SKIP", want: Incomplete},
		{raw: "MISS", want: Incomplete},
		{raw: "DONE", want: Incomplete},
		{raw: "", want: Incomplete},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, Simplify(tt.raw))
		})
	}
}

func TestIsBoot(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{path: "boot", want: true},
		{path: "boot.login", want: true},
		{path: "boot/login", want: true},
		{path: "baseline.login", want: false},
		{path: "bootrr", want: false},
		{path: "kselftest.boot", want: false},
		{path: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, IsBoot(tt.path))
		})
	}
}

func TestCount(t *testing.T) {
	assert.Equal(t, Counts{Pass: 1}, Count("PASS"))
	assert.Equal(t, Counts{Failed: 1}, Count("FAIL"))
	assert.Equal(t, Counts{Incomplete: 1}, Count("ERROR"))

	sum := Count("PASS").Add(Count("FAIL")).Add(Count("SKIP")).Add(Count("PASS"))
	assert.Equal(t, Counts{Pass: 2, Failed: 1, Incomplete: 1}, sum)
}
