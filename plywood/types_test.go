package plywood

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetTypes(t *testing.T) {
	assert.True(t, SetString.IsSet())
	assert.False(t, String.IsSet())
	assert.Equal(t, SetString, SetOf(String))
	assert.Equal(t, SetString, SetOf(SetString))
	assert.Equal(t, String, ElementOf(SetString))
	assert.Equal(t, Number, ElementOf(Number))
}

func TestFormatISO(t *testing.T) {
	assert.Equal(t, "2020-01-02T03:04:05Z",
		FormatISO(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)))
	assert.Equal(t, "2020-01-02T03:04:05.250Z",
		FormatISO(time.Date(2020, 1, 2, 3, 4, 5, 250_000_000, time.UTC)))

	// Non-UTC instants normalize.
	loc := time.FixedZone("plus1", 3600)
	assert.Equal(t, "2020-01-02T02:04:05Z",
		FormatISO(time.Date(2020, 1, 2, 3, 4, 5, 0, loc)))
}

func TestTimeRangeInterval(t *testing.T) {
	r := TimeRange{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t, "2020-01-01T00:00:00Z/2020-02-01T00:00:00Z", r.Interval())
	assert.Equal(t, "[)", r.EffectiveBounds())
}

func TestSetContains(t *testing.T) {
	s := NewSet(String, "a", "b")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("c"))
	assert.Equal(t, []string{"a", "b"}, s.Strings())
}
