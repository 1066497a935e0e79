package materialization

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ingest-platform/internal/domain"
	"ingest-platform/internal/ingest/region"
	"ingest-platform/internal/metrics"
	"ingest-platform/internal/warehouse"
)

// TempDatasetDefaultTableExpiration is the default lifetime of tables in the
// intermediate results dataset.
const TempDatasetDefaultTableExpiration = 24 * time.Hour

// ResultsDataset is the dataset holding materialized ingest view results.
func ResultsDataset(regionCode string, instance domain.IngestInstance) string {
	return fmt.Sprintf("%s_ingest_view_results%s", strings.ToLower(regionCode), instance.DatasetSuffix())
}

// TempResultsDataset is the dataset holding intermediate bound snapshots.
func TempResultsDataset(regionCode string) string {
	return strings.ToLower(regionCode) + "_ingest_view_temp_results"
}

// Config wires a Materializer.
type Config struct {
	Region                *region.Region
	Env                   string
	RawDataSourceInstance domain.IngestInstance
	IngestInstance        domain.IngestInstance
	Metadata              domain.MaterializationMetadataRepository
	Warehouse             warehouse.Client
	Metrics               *metrics.Metrics
	Logger                *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Materializer persists ingest view deltas for one region and instance.
type Materializer struct {
	region                *region.Region
	env                   string
	rawDataSourceInstance domain.IngestInstance
	ingestInstance        domain.IngestInstance
	metadata              domain.MaterializationMetadataRepository
	client                warehouse.Client
	metrics               *metrics.Metrics
	logger                *slog.Logger
	now                   func() time.Time
	requestID             string
	views                 map[string]*region.ViewQueryBuilder
}

// NewMaterializer creates a Materializer for the views launchable in cfg.IngestInstance.
func NewMaterializer(cfg Config) (*Materializer, error) {
	if cfg.Region == nil || cfg.Metadata == nil || cfg.Warehouse == nil {
		return nil, domain.ErrValidation("materializer requires a region, metadata store and warehouse client")
	}
	if !cfg.IngestInstance.Valid() || !cfg.RawDataSourceInstance.Valid() {
		return nil, domain.ErrValidation("materializer requires valid ingest and raw data source instances")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	views := make(map[string]*region.ViewQueryBuilder)
	for _, name := range cfg.Region.LaunchableViews(cfg.IngestInstance) {
		b, err := cfg.Region.View(name)
		if err != nil {
			return nil, err
		}
		views[name] = b
	}

	requestID := domain.NewRequestID()
	return &Materializer{
		region:                cfg.Region,
		env:                   cfg.Env,
		rawDataSourceInstance: cfg.RawDataSourceInstance,
		ingestInstance:        cfg.IngestInstance,
		metadata:              cfg.Metadata,
		client:                cfg.Warehouse,
		metrics:               cfg.Metrics,
		now:                   cfg.Now,
		requestID:             requestID,
		views:                 views,
		logger: cfg.Logger.With(
			"region", cfg.Region.RegionCode,
			"instance", string(cfg.IngestInstance),
			"request_id", requestID,
		),
	}, nil
}

// RequestID is the suffix this materializer appends to intermediate table names.
func (m *Materializer) RequestID() string { return m.requestID }

// MaterializeViewForArgs materializes the view delta described by args. It
// returns false without doing any work when the args were already
// materialized, and false when a concurrent job completed them first.
func (m *Materializer) MaterializeViewForArgs(ctx context.Context, args domain.MaterializationArgs) (bool, error) {
	start := time.Now()
	done, err := m.materialize(ctx, args)
	switch {
	case err != nil:
		m.metrics.RecordMaterialization(m.region.RegionCode, args.IngestViewName, metrics.OutcomeFailed, 0)
	case done:
		m.metrics.RecordMaterialization(m.region.RegionCode, args.IngestViewName, metrics.OutcomeMaterialized, time.Since(start))
	default:
		m.metrics.RecordMaterialization(m.region.RegionCode, args.IngestViewName, metrics.OutcomeSkipped, 0)
	}
	return done, err
}

func (m *Materializer) materialize(ctx context.Context, args domain.MaterializationArgs) (bool, error) {
	if !m.region.IsIngestLaunchedInEnv(m.env) {
		return false, domain.ErrConfiguration("ingest not enabled for region [%s] in env %q", m.region.RegionCode, m.env)
	}
	if err := args.Validate(); err != nil {
		return false, err
	}
	if args.IngestInstance != m.ingestInstance {
		return false, domain.ErrValidation("args for %s passed to materializer for %s", args.IngestInstance, m.ingestInstance)
	}
	view, ok := m.views[args.IngestViewName]
	if !ok {
		return false, domain.ErrConfiguration("ingest view %s is not launchable in %s for region %s",
			args.IngestViewName, m.ingestInstance, m.region.RegionCode)
	}

	logger := m.logger.With("ingest_view", args.IngestViewName, "args", args.String())

	existing, err := m.metadata.Get(ctx, m.region.RegionCode, args)
	var notFound *domain.NotFoundError
	switch {
	case err == nil && existing.MaterializationTime != nil:
		logger.Warn("already materialized view for args, returning")
		return false, nil
	case err != nil && !errors.As(err, &notFound):
		return false, fmt.Errorf("look up materialization job: %w", err)
	}

	if _, err := m.metadata.Register(ctx, m.region.RegionCode, args, m.now()); err != nil {
		return false, fmt.Errorf("register materialization job: %w", err)
	}

	tempDataset := TempResultsDataset(m.region.RegionCode)
	if err := m.client.CreateDatasetIfNecessary(ctx, tempDataset, TempDatasetDefaultTableExpiration); err != nil {
		return false, err
	}

	logger.Info("loading bound snapshots into intermediate tables")
	if err := m.loadIntermediateTables(ctx, view, args, tempDataset); err != nil {
		return false, err
	}

	diff, err := m.diffQuery(args, tempDataset)
	if err != nil {
		return false, err
	}
	query := m.resultsQuery(view, args, diff)
	logger.Debug("generated final materialization query", "query", query)

	resultsDataset := ResultsDataset(m.region.RegionCode, m.ingestInstance)
	if err := m.client.CreateDatasetIfNecessary(ctx, resultsDataset, 0); err != nil {
		return false, err
	}
	dest := warehouse.TableRef{Dataset: resultsDataset, Table: args.IngestViewName}
	if err := m.client.SaveQueryResults(ctx, query, dest); err != nil {
		return false, err
	}

	m.deleteIntermediateTables(ctx, logger, args, tempDataset)

	if err := m.metadata.MarkMaterialized(ctx, m.region.RegionCode, args, m.now()); err != nil {
		var conflict *domain.ConflictError
		if errors.As(err, &conflict) {
			logger.Warn("materialization job already completed by another worker", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("mark materialized: %w", err)
	}

	logger.Info("materialized ingest view", "results_table", dest.String())
	return true, nil
}

func (m *Materializer) loadIntermediateTables(ctx context.Context, view *region.ViewQueryBuilder, args domain.MaterializationArgs, tempDataset string) error {
	g, gctx := errgroup.WithContext(ctx)

	upperBound := args.UpperBoundDatetimeInclusive
	upperTable := UpperBoundTableName(args, m.requestID)
	g.Go(func() error {
		return m.loadBoundSnapshot(gctx, view, &upperBound, warehouse.TableRef{Dataset: tempDataset, Table: upperTable})
	})

	if args.LowerBoundDatetimeExclusive != nil {
		lowerTable, err := LowerBoundTableName(args, m.requestID)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return m.loadBoundSnapshot(gctx, view, args.LowerBoundDatetimeExclusive, warehouse.TableRef{Dataset: tempDataset, Table: lowerTable})
		})
	}

	return g.Wait()
}

func (m *Materializer) loadBoundSnapshot(ctx context.Context, view *region.ViewQueryBuilder, bound *time.Time, dest warehouse.TableRef) error {
	query, err := view.BuildQuery(m.client.Dialect(), region.QueryStructureConfig{
		RawDataSourceInstance:     m.rawDataSourceInstance,
		RawDataDatetimeUpperBound: bound,
	})
	if err != nil {
		return err
	}
	m.logger.Debug("generated bound query", "table", dest.String(), "query", query)

	job, err := m.client.LoadQueryIntoTable(ctx, query, dest)
	if err != nil {
		return err
	}
	if _, err := job.Result(ctx); err != nil {
		return fmt.Errorf("load %s: %w", dest, err)
	}
	return nil
}

// diffQuery selects the delta between the intermediate tables.
func (m *Materializer) diffQuery(args domain.MaterializationArgs, tempDataset string) (string, error) {
	d := m.client.Dialect()
	query := "SELECT * FROM " + d.QualifiedTable(tempDataset, UpperBoundTableName(args, m.requestID))
	if args.LowerBoundDatetimeExclusive == nil {
		return query, nil
	}
	lowerTable, err := LowerBoundTableName(args, m.requestID)
	if err != nil {
		return "", err
	}
	return DateDiffQuery(d, query, "SELECT * FROM "+d.QualifiedTable(tempDataset, lowerTable)), nil
}

// resultsQuery is diff with the materialization and bound columns added,
// ordered by the view's order-by columns.
func (m *Materializer) resultsQuery(view *region.ViewQueryBuilder, args domain.MaterializationArgs, diff string) string {
	d := m.client.Dialect()
	diff = strings.TrimRight(strings.TrimSpace(diff), ";")

	lower := d.NullDatetime()
	if args.LowerBoundDatetimeExclusive != nil {
		lower = d.DatetimeLiteral(*args.LowerBoundDatetimeExclusive)
	}
	query := fmt.Sprintf(`SELECT *,
    %s AS %s,
    %s AS %s,
    %s AS %s
FROM (
%s
) AS diff`,
		d.CurrentDatetime(), MaterializationTimeCol,
		d.DatetimeLiteral(args.UpperBoundDatetimeInclusive), UpperBoundDatetimeCol,
		lower, LowerBoundDatetimeCol,
		diff)
	return region.AddOrderBySuffix(query, view.OrderByCols)
}

func (m *Materializer) deleteIntermediateTables(ctx context.Context, logger *slog.Logger, args domain.MaterializationArgs, tempDataset string) {
	tables := []string{UpperBoundTableName(args, m.requestID)}
	if lower, err := LowerBoundTableName(args, m.requestID); err == nil {
		tables = append(tables, lower)
	}
	for _, table := range tables {
		ref := warehouse.TableRef{Dataset: tempDataset, Table: table}
		if err := m.client.DeleteTable(ctx, ref, true); err != nil {
			logger.Warn("failed to delete intermediate table", "table", ref.String(), "error", err)
			continue
		}
		logger.Debug("deleted intermediate table", "table", ref.String())
	}
}
