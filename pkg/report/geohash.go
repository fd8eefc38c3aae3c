package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/relayscan/relayscan/pkg/geohash"
)

var ErrMissingCoordinates = errors.New("report must contain Latitude and Longitude columns")

// GeohashPath returns the default output path for AppendGeohashFile, the input
// path with a _geohash suffix before the extension.
func GeohashPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_geohash" + ext
}

// AppendGeohashFile reads the report at input and writes it with a Geohash
// column to output. It returns the number of data rows written.
func AppendGeohashFile(fs afero.Fs, input, output string, precision int) (int, error) {
	in, err := fs.Open(input)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	// Rows are buffered in memory so input and output may be the same file.
	rows, err := readReport(in)
	if err != nil {
		return 0, fmt.Errorf("could not read report %s: %w", input, err)
	}
	out, err := fs.Create(output)
	if err != nil {
		return 0, err
	}
	n, err := appendGeohash(out, rows, precision)
	if err != nil {
		out.Close()
		return 0, err
	}
	err = out.Close()
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AppendGeohash copies the report from r to w, filling a Geohash column from
// the Latitude and Longitude columns. Rows with missing or invalid
// coordinates get an empty geohash. An existing Geohash column is overwritten.
func AppendGeohash(r io.Reader, w io.Writer, precision int) (int, error) {
	rows, err := readReport(r)
	if err != nil {
		return 0, err
	}
	return appendGeohash(w, rows, precision)
}

func readReport(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrMissingCoordinates
	}
	return rows, nil
}

func appendGeohash(w io.Writer, rows [][]string, precision int) (int, error) {
	if _, err := geohash.Encode(0, 0, precision); err != nil {
		return 0, err
	}

	header := slices.Clone(rows[0])
	latIdx := slices.Index(header, ColumnLatitude)
	lonIdx := slices.Index(header, ColumnLongitude)
	if latIdx < 0 || lonIdx < 0 {
		return 0, ErrMissingCoordinates
	}
	hashIdx := slices.Index(header, ColumnGeohash)
	if hashIdx < 0 {
		header = append(header, ColumnGeohash)
		hashIdx = len(header) - 1
	}

	cw := csv.NewWriter(w)
	err := cw.Write(header)
	if err != nil {
		return 0, err
	}
	for _, row := range rows[1:] {
		out := make([]string, len(header))
		copy(out, row)
		out[hashIdx] = ""
		lat, latErr := parseCoord(row, latIdx)
		lon, lonErr := parseCoord(row, lonIdx)
		if latErr == nil && lonErr == nil {
			hash, err := geohash.Encode(lat, lon, precision)
			if err != nil {
				return 0, err
			}
			out[hashIdx] = hash
		}
		err := cw.Write(out)
		if err != nil {
			return 0, err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, err
	}
	return len(rows) - 1, nil
}

func parseCoord(row []string, idx int) (float64, error) {
	if idx >= len(row) {
		return 0, errors.New("missing value")
	}
	v := strings.TrimSpace(row[idx])
	if v == "" {
		return 0, errors.New("empty value")
	}
	return strconv.ParseFloat(v, 64)
}
