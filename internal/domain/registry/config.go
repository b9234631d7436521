package registry

import "time"

// Default knobs mirroring the production registry.
const (
	DefaultMinDelay      = 23 * time.Hour
	DefaultStationsLimit = 2000
	DefaultBatchSize     = 7
)

// DefaultSillyURLs are placeholder hosts and paths copied from sample configurations.
var DefaultSillyURLs = []string{
	"example.com",
	"example.org",
	"example.net",
	"acme.com",
	"weewx.com/test",
}

// Config holds runtime knobs for the registry service.
type Config struct {
	MinDelay      time.Duration
	StationsLimit int
	BatchSize     int
	SillyURLs     []string
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = DefaultMinDelay
	}
	if c.StationsLimit <= 0 {
		c.StationsLimit = DefaultStationsLimit
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SillyURLs == nil {
		c.SillyURLs = DefaultSillyURLs
	}
	return c
}
