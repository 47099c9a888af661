package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"packaging-coordinator/internal/models"
)

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2", "1.2.0", 0},
		{"1.10.0", "1.9.9", 1},
		{"24.08", "24.7", 1},
		{"v2.3.0-beta1", "2.3.0", 1},
		{"1.2.3.4", "1.2.3", 1},
		{"128.0", "129.0.1", -1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Compare(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.UpdateMajor, Classify("128.0.1", "129.0"))
	assert.Equal(t, models.UpdateMinor, Classify("1.2.9", "1.3.0"))
	assert.Equal(t, models.UpdatePatch, Classify("1.2.3", "1.2.4"))
	assert.Equal(t, models.UpdatePatch, Classify("1.2.3", "1.2.3.1"))
}

func TestNewest(t *testing.T) {
	assert.Equal(t, "24.08", Newest([]string{"23.01", "24.08", "9.20", "24.7"}))
	assert.Equal(t, "", Newest(nil))
}
