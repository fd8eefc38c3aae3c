package geoip

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testDataset = `# start,end,country,state1,state2,city,postcode,lat,lon,timezone
16777216,16777471,AU,Queensland,,South Brisbane,,-27.4767,153.017,

  # generated
	# mirrored, daily
16777472,16778239,CN,Fujian,,Wenzhou,,26.0614,119.306,
 16778240 , 16779263 ,AU,Victoria,,Melbourne,, -37.814 , 144.963 ,
16779264,16781311,CN,,,,,,,
16781312,16785407,JP,Tokyo,,"Chiyoda, Tokyo",,35.6895,139.692,
not-a-number,16785500,XX,,,,,1,1,
16785408,16793599
`

func TestLoad(t *testing.T) {
	t.Parallel()

	rt, err := Load(strings.NewReader(testDataset))
	require.NoError(t, err)
	require.Equal(t, 6, rt.Len())
	require.Equal(t, LoadStats{Rows: 6, Skipped: 1, WithCoord: 4}, rt.Stats())

	ranges := rt.Ranges()
	require.Equal(t, IPRange{Start: 16777216, End: 16777471, Coords: Coords{Lat: -27.4767, Lon: 153.017}, HasCoords: true}, ranges[0])
	require.Equal(t, IPRange{Start: 16778240, End: 16779263, Coords: Coords{Lat: -37.814, Lon: 144.963}, HasCoords: true}, ranges[2])
	require.False(t, ranges[3].HasCoords)
	require.Equal(t, Coords{Lat: 35.6895, Lon: 139.692}, ranges[4].Coords)
	require.Equal(t, IPRange{Start: 16785408, End: 16793599}, ranges[5])
}

func TestLoadCustomColumns(t *testing.T) {
	t.Parallel()

	rt, err := Load(strings.NewReader("1.0.0.0,1.0.0.255,10.5,20.5\n"), WithCoordColumns(2, 3))
	require.NoError(t, err)
	coords, ok := rt.Find(16777300)
	require.True(t, ok)
	require.Equal(t, Coords{Lat: 10.5, Lon: 20.5}, coords)

	_, err = Load(strings.NewReader(""), WithCoordColumns(1, 3))
	require.Error(t, err)
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	_, err := Load(strings.NewReader("0,99,,,,,,1,1\n12345\n"))
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	require.ErrorIs(t, err, ErrMalformedRow)
	require.Equal(t, 2, loadErr.Line)

	_, err = Load(iotest.ErrReader(errors.New("disk on fire")))
	require.ErrorAs(t, err, &loadErr)
	require.EqualError(t, err, "could not load range table from reader: disk on fire")

	_, err = LoadFile(afero.NewMemMapFs(), "/missing.csv")
	require.ErrorAs(t, err, &loadErr)
	require.Equal(t, "/missing.csv", loadErr.Source)
}

func TestLoadValidation(t *testing.T) {
	t.Parallel()

	unsorted := "100,199\n0,99\n"
	rt, err := Load(strings.NewReader(unsorted))
	require.NoError(t, err)
	require.ErrorIs(t, rt.Validate(), ErrUnsorted)
	_, err = Load(strings.NewReader(unsorted), WithValidation())
	require.ErrorIs(t, err, ErrUnsorted)

	overlapping := "0,100\n100,199\n"
	_, err = Load(strings.NewReader(overlapping), WithValidation())
	require.ErrorIs(t, err, ErrOverlap)

	_, err = Load(strings.NewReader("0,99\n100,199\n"), WithValidation())
	require.NoError(t, err)
}

func TestLoadFileIdempotent(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	err := afero.WriteFile(fs, "/data/dbip.csv", []byte(testDataset), 0o644)
	require.NoError(t, err)

	first, err := LoadFile(fs, "/data/dbip.csv")
	require.NoError(t, err)
	second, err := LoadFile(fs, "/data/dbip.csv")
	require.NoError(t, err)
	require.Equal(t, first.Ranges(), second.Ranges())

	for ip := uint32(16777000); ip < 16794000; ip += 37 {
		firstCoords, firstOk := first.Find(ip)
		secondCoords, secondOk := second.Find(ip)
		require.Equal(t, firstOk, secondOk)
		require.Equal(t, firstCoords, secondCoords)
	}
}
