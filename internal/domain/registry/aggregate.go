package registry

import "sort"

const secondsPerDay = 86400

// LatestPerStation reduces reports, in insertion order, to the newest report per station.
// Only stations whose newest report is after since are kept; when more than limit stations
// qualify the most recently seen ones win. The result is ordered by ascending last_seen.
func LatestPerStation(reports []Report, since int64, limit int) []Report {
	latest := make(map[string]Report)
	for _, r := range reports {
		if cur, ok := latest[r.StationURL]; !ok || r.LastSeen >= cur.LastSeen {
			latest[r.StationURL] = r
		}
	}
	out := make([]Report, 0, len(latest))
	for _, r := range latest {
		if r.LastSeen > since {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen == out[j].LastSeen {
			return out[i].StationURL < out[j].StationURL
		}
		return out[i].LastSeen < out[j].LastSeen
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// BucketCount is one (bucket, value) group produced by a histogram query. An empty Value
// means the reports had no value for the field.
type BucketCount struct {
	Bucket int64
	Value  string
	Count  int64
}

// StopDay returns the UTC day number of a unix timestamp.
func StopDay(lastSeen int64) int64 {
	return floorDiv(lastSeen, secondsPerDay)
}

// BucketIndex places a timestamp into its batchSize-day window counted back from stopDay.
func BucketIndex(stopDay, lastSeen int64, batchSize int) int64 {
	return floorDiv(stopDay-StopDay(lastSeen), int64(batchSize))
}

// BucketStart is the unix time of the first instant of the bucket.
func BucketStart(stopDay, bucket int64, batchSize int) int64 {
	bs := int64(batchSize)
	return (stopDay - bs*(bucket+1) + 1) * secondsPerDay
}

// Histogram computes the field histogram from reports in insertion order. stopAt is the
// newest last_seen of the whole table, which anchors the buckets even when since excludes it.
func Histogram(reports []Report, field Field, since *int64, batchSize int, stopAt int64) Stats {
	if len(reports) == 0 {
		return Stats{}
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	stopDay := StopDay(stopAt)

	type key struct {
		station string
		bucket  int64
	}
	survivors := make(map[key]Report)
	for _, r := range reports {
		if since != nil && r.LastSeen < *since {
			continue
		}
		k := key{station: r.StationURL, bucket: BucketIndex(stopDay, r.LastSeen, batchSize)}
		if cur, ok := survivors[k]; !ok || r.LastSeen >= cur.LastSeen {
			survivors[k] = r
		}
	}

	type group struct {
		bucket int64
		value  string
	}
	counts := make(map[group]int64)
	for k, r := range survivors {
		counts[group{bucket: k.bucket, value: field.Value(r)}]++
	}
	rows := make([]BucketCount, 0, len(counts))
	for g, n := range counts {
		rows = append(rows, BucketCount{Bucket: g.bucket, Value: g.value, Count: n})
	}
	return BuildStats(rows, stopDay, batchSize)
}

// BuildStats folds grouped rows into per-value series ordered oldest bucket first.
func BuildStats(rows []BucketCount, stopDay int64, batchSize int) Stats {
	sorted := make([]BucketCount, 0, len(rows))
	for _, row := range rows {
		if row.Value == "" {
			row.Value = MissingValue
		}
		sorted = append(sorted, row)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value < sorted[j].Value
		}
		return sorted[i].Bucket > sorted[j].Bucket
	})
	stats := make(Stats)
	for _, row := range sorted {
		series := stats[row.Value]
		ts := BucketStart(stopDay, row.Bucket, batchSize)
		if n := len(series.Timestamps); n > 0 && series.Timestamps[n-1] == ts {
			series.Counts[n-1] += row.Count
		} else {
			series.Timestamps = append(series.Timestamps, ts)
			series.Counts = append(series.Counts, row.Count)
		}
		stats[row.Value] = series
	}
	return stats
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
