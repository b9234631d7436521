package registry

import (
	"regexp"
	"sort"
)

// Canonical keys that user-local installation paths collapse into.
const (
	CanonicalConfigPath = "~/weewx-data/weewx.conf"
	CanonicalEntryPath  = "~/weewx-venv/weewxd.py"
)

type consolidationRule struct {
	match *regexp.Regexp
	key   func(groups []string) string
}

var (
	userInstallPattern = regexp.MustCompile(`^(~|/home/[^/]+|/Users/[^/]+)/(weewx-data|[^/]*venv[^/]*)(/|$)`)
	versionPattern     = regexp.MustCompile(`^(\d+)\.(\d+)\.\d+`)
	platformPattern    = regexp.MustCompile(`^([A-Za-z][A-Za-z_]*)(?:-(\d+))?`)
)

func constantKey(key string) func([]string) string {
	return func([]string) string { return key }
}

func majorMinor(groups []string) string {
	return groups[1] + "." + groups[2]
}

func platformName(groups []string) string {
	if groups[2] == "" {
		return groups[1]
	}
	return groups[1] + "-" + groups[2]
}

var consolidationRules = map[Field]consolidationRule{
	FieldConfigPath:   {match: userInstallPattern, key: constantKey(CanonicalConfigPath)},
	FieldEntryPath:    {match: userInstallPattern, key: constantKey(CanonicalEntryPath)},
	FieldWeewxInfo:    {match: versionPattern, key: majorMinor},
	FieldPythonInfo:   {match: versionPattern, key: majorMinor},
	FieldPlatformInfo: {match: platformPattern, key: platformName},
}

// Consolidate merges statistic keys the field's rule considers equivalent, summing their
// counts per bucket timestamp. Fields without a rule are returned unchanged.
func Consolidate(stats Stats, field Field) Stats {
	rule, ok := consolidationRules[field]
	if !ok {
		return stats
	}

	totals := make(map[string]map[int64]int64, len(stats))
	order := make(map[string][]int64, len(stats))
	for raw, series := range stats {
		key := raw
		if raw != MissingValue {
			if groups := rule.match.FindStringSubmatch(raw); groups != nil {
				key = rule.key(groups)
			}
		}
		running, ok := totals[key]
		if !ok {
			running = make(map[int64]int64, len(series.Timestamps))
			totals[key] = running
		}
		for i, ts := range series.Timestamps {
			if _, seen := running[ts]; !seen {
				order[key] = append(order[key], ts)
			}
			running[ts] += series.Counts[i]
		}
	}

	out := make(Stats, len(totals))
	for key, running := range totals {
		stamps := order[key]
		sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
		series := Series{
			Timestamps: make([]int64, 0, len(stamps)),
			Counts:     make([]int64, 0, len(stamps)),
		}
		for _, ts := range stamps {
			series.Timestamps = append(series.Timestamps, ts)
			series.Counts = append(series.Counts, running[ts])
		}
		out[key] = series
	}
	return out
}
