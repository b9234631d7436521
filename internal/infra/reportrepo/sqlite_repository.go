package reportrepo

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yanqian/weereg/internal/domain/registry"
)

// SQLiteRepository implements registry.Repository on a single-file SQLite database.
type SQLiteRepository struct {
	db     *sql.DB
	DBPath string
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath. The stations table
// is created when missing.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if dbPath == "" {
		dbPath = filepath.Join("data", "weereg.db")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	repo := &SQLiteRepository{db: db, DBPath: dbPath}
	var exists int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'stations'`).Scan(&exists)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("inspect schema: %w", err)
	}
	if exists == 0 {
		if err := repo.ApplySchema(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return repo, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Insert appends one report.
func (r *SQLiteRepository) Insert(ctx context.Context, report registry.Report) error {
	_, err := r.db.ExecContext(ctx, insertSQL, reportArgs(report)...)
	return err
}

// MaxLastSeen returns the station's newest last_seen.
func (r *SQLiteRepository) MaxLastSeen(ctx context.Context, stationURL string) (int64, bool, error) {
	var latest sql.NullInt64
	if err := r.db.QueryRowContext(ctx, maxLastSeenSQL, stationURL).Scan(&latest); err != nil {
		return 0, false, err
	}
	return latest.Int64, latest.Valid, nil
}

// LatestPerStation returns the current roster ordered by ascending last_seen.
func (r *SQLiteRepository) LatestPerStation(ctx context.Context, since int64, limit int) ([]registry.Report, error) {
	rows, err := r.db.QueryContext(ctx, latestPerStationSQL, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var reports []registry.Report
	for rows.Next() {
		report, err := scanSQLReport(rows)
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
func (r *SQLiteRepository) FieldHistogram(ctx context.Context, field registry.Field, since *int64, batchSize int) (registry.Stats, error) {
	var stopAt sql.NullInt64
	if err := r.db.QueryRowContext(ctx, stopSQL).Scan(&stopAt); err != nil {
		return nil, err
	}
	if !stopAt.Valid {
		return registry.Stats{}, nil
	}
	stopDay := registry.StopDay(stopAt.Int64)
	args := []any{stopDay, int64(batchSize)}
	if since != nil {
		args = append(args, *since)
	}
	rows, err := r.db.QueryContext(ctx, histogramSQL(field, since != nil), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []registry.BucketCount
	for rows.Next() {
		var (
			row   registry.BucketCount
			value sql.NullString
		)
		if err := rows.Scan(&row.Bucket, &value, &row.Count); err != nil {
			return nil, fmt.Errorf("scan histogram row: %w", err)
		}
		row.Value = value.String
		counts = append(counts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return registry.BuildStats(counts, stopDay, batchSize), nil
}

// ApplySchema drops and recreates the stations table.
func (r *SQLiteRepository) ApplySchema(ctx context.Context) error {
	statements, err := Schema("sqlite")
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit()
}

func scanSQLReport(rows *sql.Rows) (registry.Report, error) {
	var (
		report                                 registry.Report
		description, stationType, stationModel sql.NullString
		weewxInfo, pythonInfo, platformInfo    sql.NullString
		configPath, entryPath, lastAddr        sql.NullString
	)
	err := rows.Scan(
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
	report.Description = description.String
	report.StationType = stationType.String
	report.StationModel = stationModel.String
	report.WeewxInfo = weewxInfo.String
	report.PythonInfo = pythonInfo.String
	report.PlatformInfo = platformInfo.String
	report.ConfigPath = configPath.String
	report.EntryPath = entryPath.String
	report.LastAddr = lastAddr.String
	return report, nil
}

var _ registry.Repository = (*SQLiteRepository)(nil)
