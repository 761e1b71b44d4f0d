package harvest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"harvester/internal/config"
	"harvester/internal/dataset"
	"harvester/internal/domain"
	"harvester/internal/extract"
	"harvester/internal/geolite"
	"harvester/internal/imperva"
	"harvester/internal/metrics"
	"harvester/internal/report"
	"harvester/internal/watermark"
)

// LabelLayout names dataset files and reports after the run start time.
const LabelLayout = "2006-01-02-150405"

type Fetcher interface {
	FetchAll(ctx context.Context, q imperva.Query) (*imperva.FetchResult, error)
}

// Sink receives every non-empty run after the datasets were merged. Sink
// failures are logged and never fail the run.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch domain.RunBatch) error
}

// Outcome describes what a run did on disk.
type Outcome struct {
	Run domain.SyncRun

	// Empty is set when the API returned no incidents; nothing was written.
	Empty bool

	Files          dataset.Files
	GeoPath        string
	ReportPath     string
	WatermarkSaved bool
}

type Job struct {
	cfg       *config.Config
	fetcher   Fetcher
	datasets  *dataset.Store
	watermark *watermark.Store
	logger    *log.Logger

	geo     geolite.Lookuper
	geoDir  string
	sinks   []Sink
	metrics *metrics.Recorder
	now     func() time.Time
	newID   func() string
}

type Option func(*Job)

func WithSinks(sinks ...Sink) Option {
	return func(j *Job) {
		j.sinks = append(j.sinks, sinks...)
	}
}

// WithGeo enables the <stem>_ip_geo.json enrichment file.
func WithGeo(l geolite.Lookuper) Option {
	return func(j *Job) {
		j.geo = l
	}
}

// WithGeoDir opens the GeoLite databases in dir at the start of every run,
// so databases refreshed between runs are picked up. Missing databases
// disable enrichment for that run.
func WithGeoDir(dir string) Option {
	return func(j *Job) {
		j.geoDir = dir
	}
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(j *Job) {
		j.metrics = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *Job) {
		j.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(j *Job) {
		j.newID = newID
	}
}

func New(cfg *config.Config, fetcher Fetcher, logger *log.Logger, opts ...Option) *Job {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	j := &Job{
		cfg:       cfg,
		fetcher:   fetcher,
		datasets:  dataset.NewStore(cfg.Storage.DataDir, logger),
		watermark: watermark.NewStore(cfg.WatermarkPath()),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run performs one delta sync: fetch everything newer than the watermark,
// merge it into the datasets, advance the watermark and write the report.
func (j *Job) Run(ctx context.Context) (*Outcome, error) {
	startedAt := j.now()
	runID := j.newID()
	label := startedAt.Format(LabelLayout)
	logger := j.logger.With("run_id", runID)

	since, ok, err := j.watermark.Load()
	if err != nil {
		return nil, j.fail(startedAt, fmt.Errorf("load watermark: %w", err))
	}
	if ok {
		if j.metrics != nil {
			j.metrics.SetWatermark(since)
		}
		logger.Info("Using last query timestamp", "since", watermark.ToTime(since).Format(time.DateTime))
	} else {
		logger.Info("No previous query timestamp found, fetching all incidents")
	}

	fetched, err := j.fetcher.FetchAll(ctx, imperva.Query{
		AccountID: j.cfg.Imperva.AccountID,
		Since:     since,
		PageSize:  j.cfg.Imperva.PageSize,
	})
	if err != nil {
		return nil, j.fail(startedAt, fmt.Errorf("fetch incidents: %w", err))
	}

	outcome := &Outcome{
		Run: domain.SyncRun{
			ID:        runID,
			AccountID: j.cfg.Imperva.AccountID,
			Label:     label,
			StartedAt: startedAt,
			Since:     since,
			Pages:     fetched.Pages,
			Incidents: len(fetched.Incidents),
			Truncated: fetched.Truncated,
		},
	}

	if len(fetched.Incidents) == 0 {
		logger.Warn("No incidents fetched from API")
		outcome.Empty = true
		outcome.Run.FinishedAt = j.now()
		j.observe(outcome.Run, metrics.ResultEmpty, startedAt)
		return outcome, nil
	}

	extracted := extract.Incidents(fetched.Incidents)
	logger.Info("Extracted indicators", "ips", len(extracted.IPs), "domains", len(extracted.Domains))

	files := j.datasets.Files(j.cfg.Stem(label))
	outcome.Files = files

	ipMerge, err := j.datasets.SaveIPs(files, extracted.IPs)
	if err != nil {
		return nil, j.fail(startedAt, err)
	}
	domainMerge, err := j.datasets.SaveDomains(files, extracted.Domains)
	if err != nil {
		return nil, j.fail(startedAt, err)
	}

	outcome.Run.NewIPs = len(ipMerge.List.Added)
	outcome.Run.NewDomains = len(domainMerge.Added)
	outcome.Run.TotalIPs = len(ipMerge.List.All)
	outcome.Run.TotalDomains = len(domainMerge.All)

	if geo, closeGeo := j.openGeo(logger); geo != nil {
		path := filepath.Join(j.cfg.Storage.DataDir, j.cfg.Stem(label)+"_ip_geo.json")
		count, err := geolite.WriteGeoFile(path, ipMerge.List.All, geo)
		closeGeo()
		if err != nil {
			logger.Warn("Could not write IP geo details", "path", path, "error", err)
		} else {
			logger.Info("Saved IP geo details", "path", path, "count", count)
			outcome.GeoPath = path
		}
	}

	if fetched.Truncated {
		// The next run asks for the same window again. Merges are idempotent,
		// so entries already written this time are not duplicated.
		logger.Warn("Pagination stopped early, keeping previous timestamp", "error", fetched.Cause)
	} else {
		next := watermark.FromTime(startedAt)
		if err := j.watermark.Save(next); err != nil {
			return nil, j.fail(startedAt, err)
		}
		outcome.Run.Watermark = next
		outcome.WatermarkSaved = true
		logger.Info("Saved query timestamp", "path", j.watermark.Path(), "timestamp", next)
	}

	outcome.Run.FinishedAt = j.now()
	j.deliver(ctx, logger, domain.RunBatch{
		Run:        outcome.Run,
		IPs:        extracted.IPs,
		Domains:    extracted.Domains.Sorted(),
		NewIPs:     ipMerge.List.Added,
		NewDomains: domainMerge.Added,
	})

	reportPath, err := report.Write(j.cfg.Storage.ReportsDir, report.Summary{
		Label:          label,
		GeneratedAt:    outcome.Run.FinishedAt,
		Incidents:      outcome.Run.Incidents,
		UniqueIPs:      outcome.Run.TotalIPs,
		UniqueDomains:  outcome.Run.TotalDomains,
		IPListPath:     files.IPList,
		IPDetailsPath:  files.IPDetails,
		DomainListPath: files.DomainList,
		WatermarkPath:  j.watermark.Path(),
		GeoPath:        outcome.GeoPath,
	})
	if err != nil {
		return nil, j.fail(startedAt, err)
	}
	outcome.ReportPath = reportPath
	logger.Info("Summary report created", "path", reportPath)

	logger.Info("Data extraction completed successfully",
		"incidents", outcome.Run.Incidents,
		"unique_ips", outcome.Run.TotalIPs,
		"unique_domains", outcome.Run.TotalDomains,
	)
	j.observe(outcome.Run, metrics.ResultSuccess, startedAt)
	return outcome, nil
}

func (j *Job) openGeo(logger *log.Logger) (geolite.Lookuper, func()) {
	if j.geo != nil {
		return j.geo, func() {}
	}
	if j.geoDir == "" {
		return nil, nil
	}

	resolver, err := geolite.Open(j.geoDir)
	if errors.Is(err, geolite.ErrUnavailable) {
		logger.Debug("GeoLite databases not found, skipping geo details", "dir", j.geoDir)
		return nil, nil
	}
	if err != nil {
		logger.Warn("Could not open GeoLite databases", "dir", j.geoDir, "error", err)
		return nil, nil
	}
	return resolver, func() {
		if err := resolver.Close(); err != nil {
			logger.Debug("Closing GeoLite databases failed", "error", err)
		}
	}
}

func (j *Job) deliver(ctx context.Context, logger *log.Logger, batch domain.RunBatch) {
	for _, sink := range j.sinks {
		if err := sink.Deliver(ctx, batch); err != nil {
			logger.Warn("Sink delivery failed", "sink", sink.Name(), "error", err)
			continue
		}
		logger.Debug("Sink delivery completed", "sink", sink.Name())
	}
}

func (j *Job) observe(run domain.SyncRun, result string, startedAt time.Time) {
	if j.metrics == nil {
		return
	}
	j.metrics.ObserveRun(run, result, j.now().Sub(startedAt))
}

func (j *Job) fail(startedAt time.Time, err error) error {
	if j.metrics != nil {
		j.metrics.ObserveFailure(j.now().Sub(startedAt))
	}
	return err
}
