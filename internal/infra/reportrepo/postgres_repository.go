package reportrepo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yanqian/weereg/internal/domain/registry"
)

// PostgresRepository implements registry.Repository using pgx.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Insert appends one report.
func (r *PostgresRepository) Insert(ctx context.Context, report registry.Report) error {
	_, err := r.pool.Exec(ctx, rebind(insertSQL), reportArgs(report)...)
	return err
}

// MaxLastSeen returns the station's newest last_seen.
func (r *PostgresRepository) MaxLastSeen(ctx context.Context, stationURL string) (int64, bool, error) {
	var latest *int64
	if err := r.pool.QueryRow(ctx, rebind(maxLastSeenSQL), stationURL).Scan(&latest); err != nil {
		return 0, false, err
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// LatestPerStation returns the current roster ordered by ascending last_seen.
func (r *PostgresRepository) LatestPerStation(ctx context.Context, since int64, limit int) ([]registry.Report, error) {
	rows, err := r.pool.Query(ctx, rebind(latestPerStationSQL), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []registry.Report
	for rows.Next() {
		report, err := scanPgReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(reports)
	return reports, nil
}

// FieldHistogram buckets the newest report per station per window.
func (r *PostgresRepository) FieldHistogram(ctx context.Context, field registry.Field, since *int64, batchSize int) (registry.Stats, error) {
	var stopAt *int64
	if err := r.pool.QueryRow(ctx, stopSQL).Scan(&stopAt); err != nil {
		return nil, err
	}
	if stopAt == nil {
		return registry.Stats{}, nil
	}
	stopDay := registry.StopDay(*stopAt)
	args := []any{stopDay, int64(batchSize)}
	if since != nil {
		args = append(args, *since)
	}
	rows, err := r.pool.Query(ctx, rebind(histogramSQL(field, since != nil)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []registry.BucketCount
	for rows.Next() {
		var (
			row   registry.BucketCount
			value *string
		)
		if err := rows.Scan(&row.Bucket, &value, &row.Count); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		if value != nil {
			row.Value = *value
		}
		counts = append(counts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return registry.BuildStats(counts, stopDay, batchSize), nil
}

// ApplySchema drops and recreates the stations table.
func (r *PostgresRepository) ApplySchema(ctx context.Context) error {
	statements, err := Schema("postgres")
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		return nil
	})
}

func scanPgReport(row pgx.Row) (registry.Report, error) {
	var (
		report                                 registry.Report
		description, stationType, stationModel *string
		weewxInfo, pythonInfo, platformInfo    *string
		configPath, entryPath, lastAddr        *string
	)
	err := row.Scan(
		&report.StationURL,
		&description,
		&report.Latitude,
		&report.Longitude,
		&stationType,
		&stationModel,
		&weewxInfo,
		&pythonInfo,
		&platformInfo,
		&configPath,
		&entryPath,
		&lastAddr,
		&report.LastSeen,
	)
	if err != nil {
		return registry.Report{}, err
	}
	report.Description = deref(description)
	report.StationType = deref(stationType)
	report.StationModel = deref(stationModel)
	report.WeewxInfo = deref(weewxInfo)
	report.PythonInfo = deref(pythonInfo)
	report.PlatformInfo = deref(platformInfo)
	report.ConfigPath = deref(configPath)
	report.EntryPath = deref(entryPath)
	report.LastAddr = deref(lastAddr)
	return report, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ registry.Repository = (*PostgresRepository)(nil)
