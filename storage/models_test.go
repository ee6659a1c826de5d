package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ovpnca/storage"
)

func TestTimeRoundTripAcrossZones(t *testing.T) {
	for _, loc := range []*time.Location{
		time.UTC,
		time.FixedZone("east", 9*3600),
		time.FixedZone("west", -7*3600),
	} {
		t.Run(loc.String(), func(t *testing.T) {
			in := time.Date(2024, 3, 1, 23, 30, 15, 0, loc)
			text := storage.FormatTime(in)
			assert.Equal(t, in.UTC().Format(storage.TimeLayout), text)

			out, err := storage.ParseTime(text)
			require.NoError(t, err)
			assert.True(t, in.Equal(out), "want %s, got %s", in, out)
		})
	}
}

func TestTimeZero(t *testing.T) {
	assert.Empty(t, storage.FormatTime(time.Time{}))

	got, err := storage.ParseTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}
