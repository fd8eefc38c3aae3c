package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
)

// Duration decodes TOML strings such as "10s" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type File struct {
	LogLevel    string `toml:"log_level"`
	MetricsAddr string `toml:"metrics_addr"`
	History     string `toml:"history"`
	Locate      Locate `toml:"locate"`
	Probe       Probe  `toml:"probe"`
}

type Probe struct {
	ShortCircuit *bool    `toml:"short_circuit"`
	Nickname     string   `toml:"nickname"`
	Kind         int      `toml:"kind"`
	Concurrency  int      `toml:"concurrency"`
	Timeout      Duration `toml:"timeout"`
}

type Locate struct {
	ValidateDataset  *bool    `toml:"validate_dataset"`
	GeohashPrecision *int     `toml:"geohash_precision"`
	Dataset          string   `toml:"dataset"`
	DatasetURL       string   `toml:"dataset_url"`
	GeoAPIURL        string   `toml:"geo_api_url"`
	DNSServers       []string `toml:"dns_servers"`
	Concurrency      int      `toml:"concurrency"`
}

// Load reads and validates a TOML configuration file. Unknown keys are rejected.
func Load(fs afero.Fs, path string) (File, error) {
	f, err := fs.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("could not open config %s: %w", path, err)
	}
	defer f.Close()
	cfg := File{}
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	err = dec.Decode(&cfg)
	if err != nil {
		return File{}, fmt.Errorf("could not decode config %s: %w", path, err)
	}
	err = cfg.Validate()
	if err != nil {
		return File{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (f File) Validate() error {
	errs := []error{}
	if f.Probe.Kind < 0 || f.Probe.Kind > 65535 {
		errs = append(errs, fmt.Errorf("probe kind %d is out of range", f.Probe.Kind))
	}
	if f.Probe.Concurrency < 0 {
		errs = append(errs, errors.New("probe concurrency cannot be negative"))
	}
	if f.Probe.Timeout < 0 {
		errs = append(errs, errors.New("probe timeout cannot be negative"))
	}
	if f.Locate.Concurrency < 0 {
		errs = append(errs, errors.New("locate concurrency cannot be negative"))
	}
	if f.Locate.GeohashPrecision != nil && (*f.Locate.GeohashPrecision < 0 || *f.Locate.GeohashPrecision > 12) {
		errs = append(errs, fmt.Errorf("geohash precision %d is out of range", *f.Locate.GeohashPrecision))
	}
	for _, raw := range []string{f.Locate.DatasetURL, f.Locate.GeoAPIURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("invalid url scheme must be http or https: %s", raw))
		}
	}
	return errors.Join(errs...)
}

// Fill sets dst to v when dst still holds the default and v is set. Command
// line flags therefore take precedence over the file.
func Fill[T comparable](dst *T, def, v T) {
	var zero T
	if *dst != def || v == zero {
		return
	}
	*dst = v
}

// FillPtr is Fill for optional file values.
func FillPtr[T comparable](dst *T, def T, v *T) {
	if v == nil || *dst != def {
		return
	}
	*dst = *v
}
