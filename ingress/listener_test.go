package ingress

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReportWellFormed(t *testing.T) {
	r, ok := parseReport("sensor-1|10.0.0.1:9000|52.1|16.7|true|123.45")
	require.True(t, ok)
	require.Equal(t, "sensor-1", r.Identity)
	require.Equal(t, "10.0.0.1:9000", r.Addr)
	require.Equal(t, 52.1, r.Lat)
	require.Equal(t, 16.7, r.Lon)
	require.True(t, r.IsTargetSource)
	require.Equal(t, 123.45, r.RangeM)
}

// S6: a message missing a field is dropped without affecting subsequent parses.
func TestParseReportMissingFieldDropped(t *testing.T) {
	_, ok := parseReport("sensor-1|10.0.0.1:9000|52.1|16.7|true")
	require.False(t, ok)

	r, ok := parseReport("sensor-1|10.0.0.1:9000|52.1|16.7|true|123.45")
	require.True(t, ok)
	require.Equal(t, "sensor-1", r.Identity)
}

func TestParseReportNonNumericFieldDropped(t *testing.T) {
	_, ok := parseReport("sensor-1|10.0.0.1:9000|notalat|16.7|true|123.45")
	require.False(t, ok)
}

func TestParseReportBadBoolDropped(t *testing.T) {
	_, ok := parseReport("sensor-1|10.0.0.1:9000|52.1|16.7|maybe|123.45")
	require.False(t, ok)
}

// strconv.ParseBool would accept "1"/"t"/"T" as true; the wire format
// requires the literal tokens true/false, so these must be dropped.
func TestParseReportNonLiteralBoolDropped(t *testing.T) {
	for _, tok := range []string{"1", "0", "t", "T", "TRUE", "False"} {
		_, ok := parseReport("sensor-1|10.0.0.1:9000|52.1|16.7|" + tok + "|123.45")
		require.False(t, ok, "token %q should not parse", tok)
	}
}
