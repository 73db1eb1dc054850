package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudo-init-do/settlement/internal/apperr"
)

func TestScheduleApply(t *testing.T) {
	cases := []struct {
		name   string
		s      Schedule
		amount int64
		want   int64
	}{
		{"ten percent", Percent("10"), 500000, 50000},
		{"rounds half up", Percent("1.5"), 333, 5},
		{"flat", Flat(5000), 123456, 5000},
		{"zero percent", Percent("0"), 1000, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.s.Apply(tc.amount))
		})
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("PERCENT", "7.5")
	require.NoError(t, err)
	assert.Equal(t, ModePercent, s.Mode)
	assert.Equal(t, "7.5%", s.String())

	s, err = ParseSchedule("", "")
	require.NoError(t, err)
	assert.Equal(t, ModeFlat, s.Mode)
	assert.Equal(t, int64(0), s.Apply(100))

	_, err = ParseSchedule("tiered", "1")
	require.Error(t, err)
	_, err = ParseSchedule("percent", "120")
	require.Error(t, err)
	_, err = ParseSchedule("flat", "-1")
	require.Error(t, err)
}

func TestCommissionSplit(t *testing.T) {
	split := CommissionSplit(Percent("10"))

	s, err := split(5000, 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, Split{VendorShare: 4500, RiderShare: 0, PlatformFee: 500}, s)

	s, err = split(10000, 1500, 11500)
	require.NoError(t, err)
	assert.Equal(t, Split{VendorShare: 9000, RiderShare: 1500, PlatformFee: 1000}, s)
	assert.Equal(t, int64(11500), s.Total())

	s, err = split(10000, 1500, 12000)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), s.PlatformFee)

	_, err = split(10000, 1500, 11000)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestUnitConversion(t *testing.T) {
	assert.Equal(t, int64(500050), MinorUnits(decimal.RequireFromString("5000.50")))
	assert.Equal(t, "30", MajorUnits(3000).String())
}
