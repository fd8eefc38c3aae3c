package geoip

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/relayscan/relayscan/internal/option"
)

var (
	ErrMalformedRow = errors.New("row has fewer than 2 fields")
	ErrUnsorted     = errors.New("ranges are not sorted by start address")
	ErrOverlap      = errors.New("ranges overlap")
)

// Coords is a latitude and longitude pair in degrees.
type Coords struct {
	Lat float64
	Lon float64
}

// IPRange is an inclusive range of IPv4 addresses in numeric form.
// HasCoords is false when the dataset carries no location for the range.
type IPRange struct {
	Start     uint32
	End       uint32
	Coords    Coords
	HasCoords bool
}

// Contains returns true if ip is within the inclusive range.
func (r IPRange) Contains(ip uint32) bool {
	return ip >= r.Start && ip <= r.End
}

// LoadError is returned when the dataset cannot be loaded at all.
type LoadError struct {
	Err    error
	Source string
	Line   int
}

func (e *LoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("could not load range table from %s: line %d: %v", e.Source, e.Line, e.Err)
	}
	return fmt.Sprintf("could not load range table from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadStats describes the outcome of a load.
type LoadStats struct {
	Rows      int
	Skipped   int
	WithCoord int
}

type LoadConfig struct {
	Source    string
	LatColumn int
	LonColumn int
	Validate  bool
}

type LoadOption = option.Option[LoadConfig]

// WithCoordColumns sets the zero based column offsets of latitude and longitude.
func WithCoordColumns(lat, lon int) LoadOption {
	return func(cfg *LoadConfig) error {
		if lat < 2 || lon < 2 {
			return errors.New("coordinate columns must come after the start and end columns")
		}
		if lat == lon {
			return errors.New("latitude and longitude columns must differ")
		}
		cfg.LatColumn = lat
		cfg.LonColumn = lon
		return nil
	}
}

// WithValidation enables a pass after loading that checks the ranges are
// sorted and non overlapping. Lookups against an unvalidated table that breaks
// this precondition return incorrect results.
func WithValidation() LoadOption {
	return func(cfg *LoadConfig) error {
		cfg.Validate = true
		return nil
	}
}

// WithSource sets the name used for the source in errors.
func WithSource(source string) LoadOption {
	return func(cfg *LoadConfig) error {
		cfg.Source = source
		return nil
	}
}

// RangeTable is an immutable set of IPv4 ranges sorted by start address.
// It is safe for concurrent use once returned by Load.
type RangeTable struct {
	ranges []IPRange
	stats  LoadStats
}

// NewRangeTable creates a table from ranges that are already sorted and non overlapping.
// The slice is copied.
func NewRangeTable(ranges []IPRange) *RangeTable {
	rt := &RangeTable{
		ranges: append([]IPRange(nil), ranges...),
	}
	rt.stats.Rows = len(ranges)
	for _, r := range ranges {
		if r.HasCoords {
			rt.stats.WithCoord++
		}
	}
	return rt
}

// LoadFile reads the dataset at path from the filesystem.
func LoadFile(fs afero.Fs, path string, opts ...LoadOption) (*RangeTable, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer f.Close()
	opts = append([]LoadOption{WithSource(path)}, opts...)
	return Load(f, opts...)
}

// Load parses comma separated rows of start, end, ..., latitude, longitude.
// Blank lines and lines whose first non-space character is # are skipped.
// Rows whose bounds are not valid numbers are skipped, rows with fewer than
// two fields fail the load.
func Load(r io.Reader, opts ...LoadOption) (*RangeTable, error) {
	cfg, err := option.Build(LoadConfig{
		Source:    "reader",
		LatColumn: 7,
		LonColumn: 8,
	}, opts...)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	rt := &RangeTable{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				rt.stats.Skipped++
				continue
			}
			return nil, &LoadError{Source: cfg.Source, Err: err}
		}
		if isBlank(record) || isComment(record) {
			continue
		}
		if len(record) < 2 {
			line, _ := reader.FieldPos(0)
			return nil, &LoadError{Source: cfg.Source, Line: line, Err: ErrMalformedRow}
		}
		ipRange, err := parseRow(record, cfg.LatColumn, cfg.LonColumn)
		if err != nil {
			rt.stats.Skipped++
			continue
		}
		rt.ranges = append(rt.ranges, ipRange)
		rt.stats.Rows++
		if ipRange.HasCoords {
			rt.stats.WithCoord++
		}
	}

	if cfg.Validate {
		if err := rt.Validate(); err != nil {
			return nil, &LoadError{Source: cfg.Source, Err: err}
		}
	}
	return rt, nil
}

func isBlank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func isComment(record []string) bool {
	return strings.HasPrefix(strings.TrimSpace(record[0]), "#")
}

func parseRow(record []string, latCol, lonCol int) (IPRange, error) {
	start, err := parseBound(record[0])
	if err != nil {
		return IPRange{}, err
	}
	end, err := parseBound(record[1])
	if err != nil {
		return IPRange{}, err
	}
	if start > end {
		return IPRange{}, &ParseError{Input: strings.Join(record[:2], ","), Reason: "start is after end"}
	}
	ipRange := IPRange{
		Start: start,
		End:   end,
	}
	if latCol >= len(record) || lonCol >= len(record) {
		return ipRange, nil
	}
	latStr := strings.TrimSpace(record[latCol])
	lonStr := strings.TrimSpace(record[lonCol])
	if latStr == "" || lonStr == "" {
		return ipRange, nil
	}
	lat, latErr := strconv.ParseFloat(latStr, 64)
	lon, lonErr := strconv.ParseFloat(lonStr, 64)
	if latErr != nil || lonErr != nil {
		return ipRange, nil
	}
	ipRange.Coords = Coords{Lat: lat, Lon: lon}
	ipRange.HasCoords = true
	return ipRange, nil
}

// parseBound accepts both the numeric and the dotted quad form of an address.
func parseBound(field string) (uint32, error) {
	field = strings.TrimSpace(field)
	if strings.Contains(field, ".") {
		return ParseIPv4(field)
	}
	v, err := strconv.ParseUint(field, 10, 32)
	if err != nil {
		return 0, &ParseError{Input: field, Reason: "not an unsigned 32 bit integer"}
	}
	return uint32(v), nil
}

// Validate checks that ranges are sorted by start and do not overlap.
func (rt *RangeTable) Validate() error {
	for i := 1; i < len(rt.ranges); i++ {
		prev, cur := rt.ranges[i-1], rt.ranges[i]
		if cur.Start < prev.Start {
			return fmt.Errorf("range %d starting at %s: %w", i, FormatIPv4(cur.Start), ErrUnsorted)
		}
		if cur.Start <= prev.End {
			return fmt.Errorf("range %d starting at %s: %w", i, FormatIPv4(cur.Start), ErrOverlap)
		}
	}
	return nil
}

func (rt *RangeTable) Len() int {
	return len(rt.ranges)
}

// Ranges returns a copy of the ranges in the table.
func (rt *RangeTable) Ranges() []IPRange {
	return append([]IPRange(nil), rt.ranges...)
}

func (rt *RangeTable) Stats() LoadStats {
	return rt.stats
}
