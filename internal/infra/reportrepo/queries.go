package reportrepo

import (
	"embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/yanqian/weereg/internal/domain/registry"
)

//go:embed sql/*.sql
var schemaFiles embed.FS

// Schema returns the statements that (re)create the stations table for a driver.
func Schema(driver string) ([]string, error) {
	contents, err := schemaFiles.ReadFile("sql/" + driver + ".sql")
	if err != nil {
		return nil, fmt.Errorf("no schema for driver %q: %w", driver, err)
	}
	var statements []string
	for _, stmt := range strings.Split(string(contents), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements, nil
}

var reportColumns = []string{
	"station_url",
	"description",
	"latitude",
	"longitude",
	"station_type",
	"station_model",
	"weewx_info",
	"python_info",
	"platform_info",
	"config_path",
	"entry_path",
	"last_addr",
	"last_seen",
}

var (
	columnList = strings.Join(reportColumns, ", ")

	insertSQL = fmt.Sprintf(
		"INSERT INTO stations (%s) VALUES (%s)",
		columnList, strings.TrimSuffix(strings.Repeat("?, ", len(reportColumns)), ", "),
	)

	maxLastSeenSQL = `SELECT MAX(last_seen) FROM stations WHERE station_url = ?`

	stopSQL = `SELECT MAX(last_seen) FROM stations`

	// Newest row per station; the outer ORDER BY picks the most recently seen stations for
	// the LIMIT and callers reverse the rows into ascending order.
	latestPerStationSQL = fmt.Sprintf(`
		SELECT %[1]s
		FROM (
			SELECT %[1]s,
			       ROW_NUMBER() OVER (PARTITION BY station_url ORDER BY last_seen DESC, id DESC) AS rn
			FROM stations
		) latest
		WHERE rn = 1 AND last_seen > ?
		ORDER BY last_seen DESC, station_url DESC
		LIMIT ?`, columnList)
)

// histogramSQL groups the newest row per (station, bucket) by field value. Arguments are the
// stop day, the batch size and, when withSince is set, the lower bound.
func histogramSQL(field registry.Field, withSince bool) string {
	where := ""
	if withSince {
		where = "WHERE last_seen >= ?"
	}
	return fmt.Sprintf(`
		SELECT bucket, value, COUNT(*)
		FROM (
			SELECT bucket, value,
			       ROW_NUMBER() OVER (PARTITION BY station_url, bucket ORDER BY last_seen DESC, id DESC) AS rn
			FROM (
				SELECT id, station_url, last_seen, %s AS value,
				       (? - (last_seen / 86400)) / ? AS bucket
				FROM stations
				%s
			) bucketed
		) ranked
		WHERE rn = 1
		GROUP BY bucket, value`, field.Column(), where)
}

func reportArgs(r registry.Report) []any {
	return []any{
		r.StationURL,
		nullable(r.Description),
		r.Latitude,
		r.Longitude,
		nullable(r.StationType),
		nullable(r.StationModel),
		nullable(r.WeewxInfo),
		nullable(r.PythonInfo),
		nullable(r.PlatformInfo),
		nullable(r.ConfigPath),
		nullable(r.EntryPath),
		nullable(r.LastAddr),
		r.LastSeen,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rebind rewrites ? placeholders into Postgres' $n form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func reverse(reports []registry.Report) {
	for i, j := 0, len(reports)-1; i < j; i, j = i+1, j-1 {
		reports[i], reports[j] = reports[j], reports[i]
	}
}
