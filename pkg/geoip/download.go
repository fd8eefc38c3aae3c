package geoip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/httpx"
	"github.com/relayscan/relayscan/pkg/throttle"
)

// DefaultDatasetURL points at the DB-IP city lite dataset in numeric IPv4 form.
const DefaultDatasetURL = "https://raw.githubusercontent.com/sapics/ip-location-db/refs/heads/main/dbip-city/dbip-city-ipv4-num.csv.gz"

var gzipMagic = []byte{0x1f, 0x8b}

type DownloadConfig struct {
	Byterate throttle.Byterate
}

type DownloadOption = option.Option[DownloadConfig]

// WithByterate limits how fast the dataset is written to disk.
func WithByterate(br throttle.Byterate) DownloadOption {
	return func(cfg *DownloadConfig) error {
		if br < 0 {
			return errors.New("byterate cannot be negative")
		}
		cfg.Byterate = br
		return nil
	}
}

// EnsureDataset downloads the dataset to path unless it already exists.
// It returns true if a download took place.
func EnsureDataset(ctx context.Context, client *http.Client, fs afero.Fs, datasetURL, path string, opts ...DownloadOption) (bool, error) {
	ok, err := afero.Exists(fs, path)
	if err != nil {
		return false, err
	}
	if ok {
		return false, nil
	}
	err = Download(ctx, client, fs, datasetURL, path, opts...)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Download fetches the dataset and writes it to path. Gzip compressed bodies
// are decompressed. The file is written to a temporary path and renamed so a
// failed download never leaves a partial dataset behind.
func Download(ctx context.Context, client *http.Client, fs afero.Fs, datasetURL, path string, opts ...DownloadOption) error {
	log := logr.FromContextOrDiscard(ctx).WithName("dataset")

	cfg := DownloadConfig{}
	err := option.Apply(&cfg, opts...)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, datasetURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	err = httpx.CheckResponseStatus(resp, http.StatusOK)
	if err != nil {
		return err
	}

	br := bufio.NewReader(resp.Body)
	var body io.Reader = br
	magic, err := br.Peek(len(gzipMagic))
	if err == nil && bytes.Equal(magic, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return err
		}
		defer gz.Close()
		body = gz
	}

	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmpPath := path + ".tmp"
	f, err := fs.Create(tmpPath)
	if err != nil {
		return err
	}
	n, err := io.Copy(throttle.NewWriter(ctx, f, cfg.Byterate), body)
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		//nolint: errcheck // Best effort removal of partial file.
		fs.Remove(tmpPath)
		if err != nil {
			return err
		}
		return closeErr
	}
	err = fs.Rename(tmpPath, path)
	if err != nil {
		return err
	}
	log.Info("downloaded dataset", "url", datasetURL, "path", path, "bytes", n)
	return nil
}
