package report

import (
	"bufio"
	"cmp"
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/relayscan/relayscan/pkg/geohash"
	"github.com/relayscan/relayscan/pkg/locate"
)

const (
	ColumnURL       = "Relay URL"
	ColumnLatitude  = "Latitude"
	ColumnLongitude = "Longitude"
	ColumnGeohash   = "Geohash"
)

// ReadRelays reads newline delimited relay URLs. Blank lines and lines
// starting with # are skipped, duplicates keep their first position.
func ReadRelays(r io.Reader) ([]string, error) {
	relays := []string{}
	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		relays = append(relays, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("could not read relay list: %w", err)
	}
	return relays, nil
}

// WriteRelays writes one relay URL per line.
func WriteRelays(w io.Writer, relays []string) error {
	bw := bufio.NewWriter(w)
	for _, relay := range relays {
		_, err := bw.WriteString(relay + "\n")
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteCSV writes the located relays sorted by URL. A Geohash column is
// appended when precision is greater than zero.
func WriteCSV(w io.Writer, results []locate.GeoResult, precision int) error {
	sorted := slices.Clone(results)
	slices.SortStableFunc(sorted, func(a, b locate.GeoResult) int {
		return cmp.Compare(a.URL, b.URL)
	})

	cw := csv.NewWriter(w)
	header := []string{ColumnURL, ColumnLatitude, ColumnLongitude}
	if precision > 0 {
		header = append(header, ColumnGeohash)
	}
	err := cw.Write(header)
	if err != nil {
		return err
	}
	for _, res := range sorted {
		row := []string{res.URL, formatFloat(res.Coords.Lat), formatFloat(res.Coords.Lon)}
		if precision > 0 {
			hash, err := geohash.Encode(res.Coords.Lat, res.Coords.Lon, precision)
			if err != nil {
				return err
			}
			row = append(row, hash)
		}
		err := cw.Write(row)
		if err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
