package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/relayscan/relayscan/internal/config"
	"github.com/relayscan/relayscan/internal/version"
	"github.com/relayscan/relayscan/pkg/geohash"
	"github.com/relayscan/relayscan/pkg/geoip"
	"github.com/relayscan/relayscan/pkg/history"
	"github.com/relayscan/relayscan/pkg/httpx"
	"github.com/relayscan/relayscan/pkg/locate"
	"github.com/relayscan/relayscan/pkg/metrics"
	"github.com/relayscan/relayscan/pkg/pipeline"
	"github.com/relayscan/relayscan/pkg/probe"
	"github.com/relayscan/relayscan/pkg/report"
	"github.com/relayscan/relayscan/pkg/resolve"
	"github.com/relayscan/relayscan/pkg/throttle"
	"github.com/relayscan/relayscan/pkg/workerpool"
)

const (
	stdio              = "-"
	defaultDataset     = "dbip-city-ipv4-num.csv"
	defaultConcurrency = workerpool.DefaultConcurrency
)

type ProbeCmd struct {
	Input          string        `arg:"--input,env:INPUT" default:"-" help:"Relay list to probe, - reads from stdin."`
	Output         string        `arg:"--output,env:OUTPUT" default:"-" help:"File to write capable relays to, - writes to stdout."`
	Nickname       string        `arg:"--nickname,env:NICKNAME" default:"relayscan" help:"Nickname tag set on test events."`
	Kind           int           `arg:"--kind,env:KIND" default:"20000" help:"Event kind that relays must support."`
	Concurrency    int           `arg:"--concurrency,env:CONCURRENCY" default:"10" help:"Amount of relays probed at the same time."`
	Timeout        time.Duration `arg:"--timeout,env:TIMEOUT" default:"10s" help:"Timeout for each read and write test."`
	RateLimit      float64       `arg:"--rate-limit,env:RATE_LIMIT" default:"0" help:"Max relays dialed per second, 0 disables the limit."`
	NoShortCircuit bool          `arg:"--no-short-circuit,env:NO_SHORT_CIRCUIT" help:"Run the write test even when the read test failed."`
}

type LocateCmd struct {
	Input            string   `arg:"--input,env:INPUT" default:"-" help:"Relay list to locate, - reads from stdin."`
	Output           string   `arg:"--output,env:OUTPUT" default:"-" help:"File to write the CSV report to, - writes to stdout."`
	Dataset          string   `arg:"--dataset,env:DATASET" default:"dbip-city-ipv4-num.csv" help:"Path to the IP range dataset."`
	DatasetURL       string   `arg:"--dataset-url,env:DATASET_URL" help:"URL the dataset is downloaded from when missing, defaults to the dbip-city IPv4 dataset."`
	GeoAPIURL        string   `arg:"--geo-api-url,env:GEO_API_URL" help:"Remote geolocation API consulted for addresses missing from the dataset, {ip} is replaced by the address."`
	DNSServers       []string `arg:"--dns-servers,env:DNS_SERVERS" help:"DNS servers used to resolve relay hosts, system resolver is used when empty."`
	GeohashPrecision int      `arg:"--geohash-precision,env:GEOHASH_PRECISION" default:"0" help:"Precision of the Geohash column, 0 disables the column."`
	Concurrency      int      `arg:"--concurrency,env:CONCURRENCY" default:"10" help:"Amount of relays located at the same time."`
	ValidateDataset  bool     `arg:"--validate-dataset,env:VALIDATE_DATASET" default:"true" help:"When true the dataset is checked to be sorted and non overlapping."`
}

type RunCmd struct {
	Input             string        `arg:"--input,env:INPUT" default:"-" help:"Relay list to scan, - reads from stdin."`
	Output            string        `arg:"--output,env:OUTPUT" default:"-" help:"File to write the CSV report to, - writes to stdout."`
	History           string        `arg:"--history,env:HISTORY" help:"Path to the run history database, history is not recorded when empty."`
	Nickname          string        `arg:"--nickname,env:NICKNAME" default:"relayscan" help:"Nickname tag set on test events."`
	Dataset           string        `arg:"--dataset,env:DATASET" default:"dbip-city-ipv4-num.csv" help:"Path to the IP range dataset."`
	DatasetURL        string        `arg:"--dataset-url,env:DATASET_URL" help:"URL the dataset is downloaded from when missing, defaults to the dbip-city IPv4 dataset."`
	GeoAPIURL         string        `arg:"--geo-api-url,env:GEO_API_URL" help:"Remote geolocation API consulted for addresses missing from the dataset, {ip} is replaced by the address."`
	DNSServers        []string      `arg:"--dns-servers,env:DNS_SERVERS" help:"DNS servers used to resolve relay hosts, system resolver is used when empty."`
	Kind              int           `arg:"--kind,env:KIND" default:"20000" help:"Event kind that relays must support."`
	ProbeConcurrency  int           `arg:"--probe-concurrency,env:PROBE_CONCURRENCY" default:"10" help:"Amount of relays probed at the same time."`
	LocateConcurrency int           `arg:"--locate-concurrency,env:LOCATE_CONCURRENCY" default:"10" help:"Amount of relays located at the same time."`
	GeohashPrecision  int           `arg:"--geohash-precision,env:GEOHASH_PRECISION" default:"0" help:"Precision of the Geohash column, 0 disables the column."`
	Timeout           time.Duration `arg:"--timeout,env:TIMEOUT" default:"10s" help:"Timeout for each read and write test."`
	RateLimit         float64       `arg:"--rate-limit,env:RATE_LIMIT" default:"0" help:"Max relays dialed per second, 0 disables the limit."`
	NoShortCircuit    bool          `arg:"--no-short-circuit,env:NO_SHORT_CIRCUIT" help:"Run the write test even when the read test failed."`
	ValidateDataset   bool          `arg:"--validate-dataset,env:VALIDATE_DATASET" default:"true" help:"When true the dataset is checked to be sorted and non overlapping."`
}

type DatasetCmd struct {
	Dataset    string            `arg:"--dataset,env:DATASET" default:"dbip-city-ipv4-num.csv" help:"Path to write the dataset to."`
	DatasetURL string            `arg:"--dataset-url,env:DATASET_URL" help:"URL to download the dataset from."`
	Rate       throttle.Byterate `arg:"--rate,env:RATE" default:"0" help:"Max download rate such as 5 MBps, 0 disables the limit."`
	Force      bool              `arg:"--force,env:FORCE" help:"Download the dataset even if it already exists."`
}

type GeohashCmd struct {
	Input     string `arg:"--input,env:INPUT,required" help:"Report CSV containing Latitude and Longitude columns."`
	Output    string `arg:"--output,env:OUTPUT" help:"Path to write the report to, defaults to the input path with a _geohash suffix."`
	Precision int    `arg:"--precision,env:PRECISION" default:"7" help:"Geohash precision."`
}

type HistoryCmd struct {
	History string `arg:"--history,env:HISTORY" help:"Path to the run history database."`
	Limit   int    `arg:"--limit,env:LIMIT" default:"10" help:"Amount of runs to print, 0 prints all runs."`
}

type VersionCmd struct {
	Output string `arg:"--output,env:OUTPUT" default:"text" help:"Output format, text or json."`
}

type Arguments struct {
	Probe       *ProbeCmd   `arg:"subcommand:probe"`
	Locate      *LocateCmd  `arg:"subcommand:locate"`
	Run         *RunCmd     `arg:"subcommand:run"`
	Dataset     *DatasetCmd `arg:"subcommand:dataset"`
	Geohash     *GeohashCmd `arg:"subcommand:geohash"`
	History     *HistoryCmd `arg:"subcommand:history"`
	Version     *VersionCmd `arg:"subcommand:version"`
	Config      string      `arg:"--config,env:CONFIG" help:"Path to a TOML configuration file, flags take precedence over the file."`
	MetricsAddr string      `arg:"--metrics-addr,env:METRICS_ADDR" help:"Address to serve metrics on while running, metrics are not served when empty."`
	LogLevel    slog.Level  `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	args := &Arguments{}
	arg.MustParse(args)

	fs := afero.NewOsFs()
	cfgErr := applyConfig(fs, args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	if cfgErr != nil {
		log.Error(cfgErr, "could not load configuration")
		return 1
	}
	err := run(ctx, fs, args)
	if err != nil {
		log.Error(err, "run exit with error")
		return 1
	}
	log.Info("gracefully shutdown")
	return 0
}

func run(ctx context.Context, fs afero.Fs, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	var cmd func(context.Context) error
	switch {
	case args.Probe != nil:
		cmd = func(ctx context.Context) error { return probeCommand(ctx, fs, args.Probe) }
	case args.Locate != nil:
		cmd = func(ctx context.Context) error { return locateCommand(ctx, fs, args.Locate) }
	case args.Run != nil:
		cmd = func(ctx context.Context) error { return runCommand(ctx, fs, args.Run) }
	case args.Dataset != nil:
		cmd = func(ctx context.Context) error { return datasetCommand(ctx, fs, args.Dataset) }
	case args.Geohash != nil:
		cmd = func(ctx context.Context) error { return geohashCommand(ctx, fs, args.Geohash) }
	case args.History != nil:
		cmd = func(ctx context.Context) error { return historyCommand(ctx, os.Stdout, args.History) }
	case args.Version != nil:
		return versionCommand(os.Stdout, fs, args.Version)
	default:
		return errors.New("unknown subcommand")
	}
	return withMetrics(ctx, args.MetricsAddr, cmd)
}

func probeCommand(ctx context.Context, fs afero.Fs, args *ProbeCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	relays, err := readRelays(fs, args.Input)
	if err != nil {
		return err
	}
	prober, err := probe.NewProber(
		probe.WithKind(args.Kind),
		probe.WithTimeout(args.Timeout),
		probe.WithNickname(args.Nickname),
		probe.WithShortCircuit(!args.NoShortCircuit),
		probe.WithUserAgent(version.Load(fs).UserAgent()),
	)
	if err != nil {
		return err
	}
	results, err := pipeline.Probe(ctx, prober, relays, probePoolOptions(args.Concurrency, args.Timeout, args.RateLimit)...)
	if err != nil {
		return err
	}
	capable := []string{}
	for _, res := range results {
		if res.Capable() {
			capable = append(capable, res.URL)
		}
	}
	log.Info("probed relays", "candidates", len(relays), "capable", len(capable), "kind", args.Kind)
	return writeOutput(fs, args.Output, func(w io.Writer) error {
		return report.WriteRelays(w, capable)
	})
}

func locateCommand(ctx context.Context, fs afero.Fs, args *LocateCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	relays, err := readRelays(fs, args.Input)
	if err != nil {
		return err
	}
	resolver, err := newLocateResolver(ctx, fs, args.Dataset, args.DatasetURL, args.GeoAPIURL, args.DNSServers, args.ValidateDataset)
	if err != nil {
		return err
	}
	results, err := pipeline.Locate(ctx, resolver, relays, pipeline.WithLocateConcurrency(args.Concurrency), pipeline.WithLocateTimeout(locateUnitTimeout))
	if err != nil {
		return err
	}
	log.Info("located relays", "relays", len(relays), "located", len(results))
	return writeOutput(fs, args.Output, func(w io.Writer) error {
		return report.WriteCSV(w, results, args.GeohashPrecision)
	})
}

func runCommand(ctx context.Context, fs afero.Fs, args *RunCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	relays, err := readRelays(fs, args.Input)
	if err != nil {
		return err
	}
	// The dataset is loaded before probing so a broken dataset fails fast.
	resolver, err := newLocateResolver(ctx, fs, args.Dataset, args.DatasetURL, args.GeoAPIURL, args.DNSServers, args.ValidateDataset)
	if err != nil {
		return err
	}
	prober, err := probe.NewProber(
		probe.WithKind(args.Kind),
		probe.WithTimeout(args.Timeout),
		probe.WithNickname(args.Nickname),
		probe.WithShortCircuit(!args.NoShortCircuit),
		probe.WithUserAgent(version.Load(fs).UserAgent()),
	)
	if err != nil {
		return err
	}

	pipelineOpts := probePoolOptions(args.ProbeConcurrency, args.Timeout, args.RateLimit)
	pipelineOpts = append(pipelineOpts,
		pipeline.WithLocateConcurrency(args.LocateConcurrency),
		pipeline.WithLocateTimeout(locateUnitTimeout),
	)
	if args.History != "" {
		store, err := history.Open(args.History)
		if err != nil {
			return err
		}
		defer store.Close()
		pipelineOpts = append(pipelineOpts, pipeline.WithHistory(store, args.Kind))
	}
	rep, err := pipeline.Run(ctx, prober, resolver, relays, pipelineOpts...)
	if err != nil {
		return err
	}
	log.Info("scan complete", "candidates", rep.Stats.Candidates, "capable", rep.Stats.Capable, "located", rep.Stats.Located, "duration", rep.Stats.Finished.Sub(rep.Stats.Started).String())
	return writeOutput(fs, args.Output, func(w io.Writer) error {
		return report.WriteCSV(w, rep.Results, args.GeohashPrecision)
	})
}

func datasetCommand(ctx context.Context, fs afero.Fs, args *DatasetCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	datasetURL := args.DatasetURL
	if datasetURL == "" {
		datasetURL = geoip.DefaultDatasetURL
	}
	client := datasetClient()
	downloadOpts := []geoip.DownloadOption{geoip.WithByterate(args.Rate)}
	if args.Force {
		return geoip.Download(ctx, client, fs, datasetURL, args.Dataset, downloadOpts...)
	}
	ok, err := geoip.EnsureDataset(ctx, client, fs, datasetURL, args.Dataset, downloadOpts...)
	if err != nil {
		return err
	}
	if !ok {
		log.Info("dataset already exists", "path", args.Dataset)
	}
	return nil
}

func geohashCommand(ctx context.Context, fs afero.Fs, args *GeohashCmd) error {
	log := logr.FromContextOrDiscard(ctx)

	output := args.Output
	if output == "" {
		output = report.GeohashPath(args.Input)
	}
	n, err := report.AppendGeohashFile(fs, args.Input, output, args.Precision)
	if err != nil {
		return err
	}
	log.Info("wrote geohash report", "rows", n, "path", output)
	return nil
}

func historyCommand(_ context.Context, w io.Writer, args *HistoryCmd) error {
	if args.History == "" {
		return errors.New("history path is required")
	}
	store, err := history.Open(args.History)
	if err != nil {
		return err
	}
	defer store.Close()
	runs, err := store.Runs(args.Limit)
	if err != nil {
		return err
	}
	for _, r := range runs {
		_, err := fmt.Fprintf(w, "%s\t%s\tkind=%d\tcandidates=%d\tcapable=%d\tlocated=%d\tduration=%s\n", r.ID, r.Started.UTC().Format(time.RFC3339), r.Kind, r.Candidates, r.Capable, r.Located, r.Duration.Round(time.Millisecond))
		if err != nil {
			return err
		}
	}
	return nil
}

func versionCommand(w io.Writer, fs afero.Fs, args *VersionCmd) error {
	info := version.Load(fs)
	switch args.Output {
	case "text":
		_, err := io.WriteString(w, info.String())
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	default:
		return fmt.Errorf("unknown output format %s", args.Output)
	}
}

// Unit timeout for locating a single relay, DNS fallback and remote API retries included.
const locateUnitTimeout = 30 * time.Second

func probePoolOptions(concurrency int, timeout time.Duration, rateLimit float64) []pipeline.Option {
	opts := []pipeline.Option{
		pipeline.WithProbeConcurrency(concurrency),
		// Both tests have their own timeout, the slack covers signing and closing connections.
		pipeline.WithProbeTimeout(2*timeout + 5*time.Second),
	}
	if rateLimit > 0 {
		opts = append(opts, pipeline.WithRateLimit(rateLimit))
	}
	return opts
}

func newLocateResolver(ctx context.Context, fs afero.Fs, dataset, datasetURL, geoAPIURL string, dnsServers []string, validate bool) (*locate.Resolver, error) {
	log := logr.FromContextOrDiscard(ctx)

	if datasetURL == "" {
		datasetURL = geoip.DefaultDatasetURL
	}
	downloaded, err := geoip.EnsureDataset(ctx, datasetClient(), fs, datasetURL, dataset)
	if err != nil {
		return nil, err
	}
	if downloaded {
		log.Info("dataset was missing and has been downloaded", "path", dataset)
	}
	loadOpts := []geoip.LoadOption{}
	if validate {
		loadOpts = append(loadOpts, geoip.WithValidation())
	}
	table, err := geoip.LoadFile(fs, dataset, loadOpts...)
	if err != nil {
		return nil, err
	}
	stats := table.Stats()
	metrics.DatasetRanges.WithLabelValues("true").Set(float64(stats.WithCoord))
	metrics.DatasetRanges.WithLabelValues("false").Set(float64(table.Len() - stats.WithCoord))
	log.Info("loaded dataset", "path", dataset, "ranges", table.Len(), "skipped", stats.Skipped, "withCoords", stats.WithCoord)

	var locator geoip.Locator = table
	if geoAPIURL != "" {
		client := httpx.BaseClient()
		client.Transport = httpx.WrapTransport("geoapi", client.Transport)
		remote, err := geoip.NewHTTPLocator(geoip.WithAPIURL(geoAPIURL), geoip.WithHTTPClient(client))
		if err != nil {
			return nil, err
		}
		locator = geoip.Chain{table, remote}
	}

	var hosts resolve.HostResolver
	if len(dnsServers) > 0 {
		hosts, err = resolve.NewDNSResolver(resolve.WithServers(dnsServers...))
	} else {
		hosts, err = resolve.NewNetResolver()
	}
	if err != nil {
		return nil, err
	}
	return locate.NewResolver(hosts, locator), nil
}

func datasetClient() *http.Client {
	// The dataset is large so the request is only bounded by the context.
	return &http.Client{
		Transport: httpx.WrapTransport("dataset", httpx.BaseTransport()),
	}
}

func readRelays(fs afero.Fs, path string) ([]string, error) {
	if path == stdio {
		return report.ReadRelays(os.Stdin)
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return report.ReadRelays(f)
}

func writeOutput(fs afero.Fs, path string, write func(io.Writer) error) error {
	if path == stdio {
		return write(os.Stdout)
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	err = write(f)
	if err != nil {
		return errors.Join(err, f.Close())
	}
	return f.Close()
}

var registerMetrics = sync.OnceFunc(func() {
	metrics.Register()
	httpx.RegisterMetrics(metrics.DefaultRegisterer)
})

// withMetrics serves metrics on addr for as long as cmd runs.
func withMetrics(ctx context.Context, addr string, cmd func(context.Context) error) error {
	if addr == "" {
		return cmd(ctx)
	}

	registerMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	cmdCtx, cancel := context.WithCancel(gCtx)
	defer cancel()
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-cmdCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		defer cancel()
		return cmd(cmdCtx)
	})
	return g.Wait()
}

func applyConfig(fs afero.Fs, args *Arguments) error {
	if args.Config == "" {
		return nil
	}
	file, err := config.Load(fs, args.Config)
	if err != nil {
		return err
	}
	if file.LogLevel != "" && args.LogLevel == slog.LevelInfo {
		err := args.LogLevel.UnmarshalText([]byte(file.LogLevel))
		if err != nil {
			return fmt.Errorf("invalid log level in config: %w", err)
		}
	}
	config.Fill(&args.MetricsAddr, "", file.MetricsAddr)

	p := file.Probe
	l := file.Locate
	switch {
	case args.Probe != nil:
		cmd := args.Probe
		config.Fill(&cmd.Kind, probe.DefaultKind, p.Kind)
		config.Fill(&cmd.Timeout, probe.DefaultTimeout, time.Duration(p.Timeout))
		config.Fill(&cmd.Concurrency, defaultConcurrency, p.Concurrency)
		config.Fill(&cmd.Nickname, probe.DefaultNickname, p.Nickname)
		fillShortCircuit(&cmd.NoShortCircuit, p.ShortCircuit)
	case args.Locate != nil:
		cmd := args.Locate
		config.Fill(&cmd.Dataset, defaultDataset, l.Dataset)
		config.Fill(&cmd.DatasetURL, "", l.DatasetURL)
		config.Fill(&cmd.GeoAPIURL, "", l.GeoAPIURL)
		config.Fill(&cmd.Concurrency, defaultConcurrency, l.Concurrency)
		config.FillPtr(&cmd.GeohashPrecision, 0, l.GeohashPrecision)
		config.FillPtr(&cmd.ValidateDataset, true, l.ValidateDataset)
		if len(cmd.DNSServers) == 0 {
			cmd.DNSServers = l.DNSServers
		}
	case args.Run != nil:
		cmd := args.Run
		config.Fill(&cmd.History, "", file.History)
		config.Fill(&cmd.Kind, probe.DefaultKind, p.Kind)
		config.Fill(&cmd.Timeout, probe.DefaultTimeout, time.Duration(p.Timeout))
		config.Fill(&cmd.ProbeConcurrency, defaultConcurrency, p.Concurrency)
		config.Fill(&cmd.Nickname, probe.DefaultNickname, p.Nickname)
		fillShortCircuit(&cmd.NoShortCircuit, p.ShortCircuit)
		config.Fill(&cmd.Dataset, defaultDataset, l.Dataset)
		config.Fill(&cmd.DatasetURL, "", l.DatasetURL)
		config.Fill(&cmd.GeoAPIURL, "", l.GeoAPIURL)
		config.Fill(&cmd.LocateConcurrency, defaultConcurrency, l.Concurrency)
		config.FillPtr(&cmd.GeohashPrecision, 0, l.GeohashPrecision)
		config.FillPtr(&cmd.ValidateDataset, true, l.ValidateDataset)
		if len(cmd.DNSServers) == 0 {
			cmd.DNSServers = l.DNSServers
		}
	case args.Dataset != nil:
		config.Fill(&args.Dataset.Dataset, defaultDataset, l.Dataset)
		config.Fill(&args.Dataset.DatasetURL, "", l.DatasetURL)
	case args.Geohash != nil:
		if l.GeohashPrecision != nil && *l.GeohashPrecision > 0 {
			config.Fill(&args.Geohash.Precision, geohash.DefaultPrecision, *l.GeohashPrecision)
		}
	case args.History != nil:
		config.Fill(&args.History.History, "", file.History)
	}
	return nil
}

func fillShortCircuit(noShortCircuit *bool, shortCircuit *bool) {
	if shortCircuit == nil || *noShortCircuit {
		return
	}
	*noShortCircuit = !*shortCircuit
}
