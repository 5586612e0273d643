package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"

	"github.com/you/holochat-metrics/internal/dedup"
)

type Config struct {
	Orgs     []string
	Channels []string
	Marked   MarkedConfig
	Holodex  HolodexConfig
	Schedule ScheduleConfig
	Poll     PollConfig
	Dedup    DedupConfig
	Journal  JournalConfig
	HTTP     HTTPConfig

	BreakerThreshold int
	SnapshotDir      string
	WebhookURL       string
	Trace            bool
}

type MarkedConfig struct {
	IDs  []string
	File string
}

type HolodexConfig struct {
	Keys    []string
	BaseURL string
}

// ScheduleConfig holds the discovery and session timing.
type ScheduleConfig struct {
	ScanInterval    time.Duration
	RefreshInterval time.Duration
	LeadTime        time.Duration
	EndedGrace      time.Duration
	StopDelay       time.Duration
	RemoveDelay     time.Duration
	StartGap        time.Duration
	CacheTTL        time.Duration
}

type PollConfig struct {
	MaxDelay   time.Duration
	MaxRetries int
}

type DedupConfig struct {
	ExactBelowViewers int
	SmallBelowViewers int
	SmallCapacity     int
	LargeCapacity     int
	FalsePositive     float64
	// UserFilter is "exact" or "bloom" and applies to the unique-author sets.
	UserFilter   string
	UserCapacity int
}

type JournalConfig struct {
	Path       string
	BatchSize  int
	FlushMaxMS int
}

type HTTPConfig struct {
	Addr           string
	RateLimitRPS   int
	RateLimitBurst int
	CORSOrigins    []string
}

const (
	defaultOrg              = "Hololive"
	defaultHolodexURL       = "https://holodex.net/api/v2"
	defaultScanInterval     = 3 * time.Minute
	defaultRefreshInterval  = 90 * time.Second
	defaultLeadTime         = 15 * time.Minute
	defaultEndedGrace       = 10 * time.Minute
	defaultStopDelay        = 5 * time.Minute
	defaultRemoveDelay      = 10 * time.Minute
	defaultStartGap         = 2 * time.Second
	defaultCacheTTL         = 30 * time.Second
	defaultPollMaxDelay     = 10 * time.Second
	defaultPollRetries      = 5
	defaultBreakerThreshold = 30
	defaultJournalPath      = "holochat.db"
	defaultBatchSize        = 1
	defaultHTTPAddr         = ":9090"
	defaultUserCapacity     = 200_000
)

// Load reads HOLOCHAT_* variables. A .env file in the working directory, or
// the file named by HOLOCHAT_ENV_FILE, fills in anything not already set.
func Load() Config {
	envFile := strings.TrimSpace(os.Getenv("HOLOCHAT_ENV_FILE"))
	if envFile != "" {
		_ = godotenv.Load(envFile)
	} else {
		_ = godotenv.Load()
	}

	cfg := Config{}

	cfg.Orgs = splitList(os.Getenv("HOLOCHAT_ORGS"))
	if len(cfg.Orgs) == 0 {
		cfg.Orgs = []string{defaultOrg}
	}
	cfg.Channels = splitList(os.Getenv("HOLOCHAT_CHANNELS"))

	cfg.Marked.IDs = splitList(os.Getenv("HOLOCHAT_MARKED_CHANNELS"))
	cfg.Marked.File = strings.TrimSpace(os.Getenv("HOLOCHAT_MARKED_FILE"))

	cfg.Holodex.Keys = splitList(os.Getenv("HOLOCHAT_HOLODEX_KEYS"))
	if len(cfg.Holodex.Keys) == 0 {
		if key := strings.TrimSpace(os.Getenv("HOLODEX_API_KEY")); key != "" {
			cfg.Holodex.Keys = []string{key}
		}
	}
	cfg.Holodex.BaseURL = readString("HOLOCHAT_HOLODEX_URL", defaultHolodexURL)

	cfg.Schedule = ScheduleConfig{
		ScanInterval:    readDuration("HOLOCHAT_SCAN_INTERVAL", defaultScanInterval),
		RefreshInterval: readDuration("HOLOCHAT_REFRESH_INTERVAL", defaultRefreshInterval),
		LeadTime:        readDuration("HOLOCHAT_LEAD_TIME", defaultLeadTime),
		EndedGrace:      readDuration("HOLOCHAT_ENDED_GRACE", defaultEndedGrace),
		StopDelay:       readDuration("HOLOCHAT_STOP_DELAY", defaultStopDelay),
		RemoveDelay:     readDuration("HOLOCHAT_REMOVE_DELAY", defaultRemoveDelay),
		StartGap:        readDuration("HOLOCHAT_START_GAP", defaultStartGap),
		CacheTTL:        readDuration("HOLOCHAT_DISCOVERY_CACHE_TTL", defaultCacheTTL),
	}

	cfg.Poll = PollConfig{
		MaxDelay:   readDuration("HOLOCHAT_POLL_MAX_DELAY", defaultPollMaxDelay),
		MaxRetries: readInt("HOLOCHAT_POLL_MAX_RETRIES", defaultPollRetries),
	}
	cfg.BreakerThreshold = readInt("HOLOCHAT_BREAKER_THRESHOLD", defaultBreakerThreshold)

	cfg.Dedup = DedupConfig{
		ExactBelowViewers: readInt("HOLOCHAT_DEDUP_EXACT_BELOW", dedup.DefaultSizing.ExactBelowViewers),
		SmallBelowViewers: readInt("HOLOCHAT_DEDUP_SMALL_BELOW", dedup.DefaultSizing.SmallBelowViewers),
		SmallCapacity:     readInt("HOLOCHAT_DEDUP_SMALL_CAPACITY", int(dedup.DefaultSizing.SmallCapacity)),
		LargeCapacity:     readInt("HOLOCHAT_DEDUP_LARGE_CAPACITY", int(dedup.DefaultSizing.LargeCapacity)),
		FalsePositive:     readFloat("HOLOCHAT_DEDUP_FPR", dedup.DefaultSizing.FalsePositive),
		UserFilter:        strings.ToLower(readString("HOLOCHAT_USER_FILTER", "exact")),
		UserCapacity:      readInt("HOLOCHAT_USER_CAPACITY", defaultUserCapacity),
	}
	if cfg.Dedup.UserFilter != "bloom" {
		cfg.Dedup.UserFilter = "exact"
	}

	cfg.SnapshotDir = strings.TrimSpace(os.Getenv("HOLOCHAT_SNAPSHOT_DIR"))
	cfg.WebhookURL = strings.TrimSpace(os.Getenv("HOLOCHAT_WEBHOOK_URL"))
	cfg.Trace = readBool("HOLOCHAT_TRACE", false)

	cfg.Journal = JournalConfig{
		Path:       readString("HOLOCHAT_JOURNAL_PATH", defaultJournalPath),
		BatchSize:  readInt("HOLOCHAT_JOURNAL_BATCH_SIZE", defaultBatchSize),
		FlushMaxMS: readInt("HOLOCHAT_JOURNAL_FLUSH_MAX_MS", 0),
	}

	cfg.HTTP = HTTPConfig{
		Addr:           readString("HOLOCHAT_HTTP_ADDR", defaultHTTPAddr),
		RateLimitRPS:   readInt("HOLOCHAT_HTTP_RATE_LIMIT_RPS", 0),
		RateLimitBurst: readInt("HOLOCHAT_HTTP_RATE_LIMIT_BURST", 0),
		CORSOrigins:    splitList(os.Getenv("HOLOCHAT_HTTP_CORS_ORIGINS")),
	}

	return cfg
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	return dedupe(parts)
}

// dedupe drops blanks and exact duplicates. Channel ids are case sensitive so
// unlike a login list the comparison keeps case.
func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func readString(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readFloat(name string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f >= 1 {
		return def
	}
	return f
}

func readBool(name string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

// readDuration accepts a Go duration ("90s", "5m") or a bare number of
// seconds. Negative values fall back to def; zero is kept.
func readDuration(name string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return def
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// Sizing returns the event filter tunables.
func (c Config) Sizing() dedup.Sizing {
	return dedup.Sizing{
		ExactBelowViewers: c.Dedup.ExactBelowViewers,
		SmallBelowViewers: c.Dedup.SmallBelowViewers,
		SmallCapacity:     uint(c.Dedup.SmallCapacity),
		LargeCapacity:     uint(c.Dedup.LargeCapacity),
		FalsePositive:     c.Dedup.FalsePositive,
	}
}

// UserPolicy returns the policy for the unique-author sets.
func (c Config) UserPolicy() dedup.Policy {
	if c.Dedup.UserFilter == "bloom" {
		return dedup.Bloom(uint(c.Dedup.UserCapacity), c.Dedup.FalsePositive)
	}
	return dedup.Exact()
}

func (c Config) FlushInterval() time.Duration {
	if c.Journal.FlushMaxMS <= 0 {
		return 0
	}
	return time.Duration(c.Journal.FlushMaxMS) * time.Millisecond
}

func (c Config) Batch() int {
	if c.Journal.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.Journal.BatchSize
}

type Summary struct {
	Orgs        []string `json:"orgs"`
	Channels    int      `json:"channels"`
	Marked      int      `json:"marked"`
	MarkedFile  string   `json:"marked_file,omitempty"`
	HolodexKeys int      `json:"holodex_keys"`
	ScanEvery   string   `json:"scan_every"`
	Refresh     string   `json:"refresh_every"`
	StopDelay   string   `json:"stop_delay"`
	RemoveDelay string   `json:"remove_delay"`
	UserFilter  string   `json:"user_filter"`
	Journal     string   `json:"journal"`
	Snapshots   string   `json:"snapshots,omitempty"`
	HTTPAddr    string   `json:"http"`
	Webhook     bool     `json:"webhook"`
}

func (c Config) Summary() Summary {
	return Summary{
		Orgs:        append([]string(nil), c.Orgs...),
		Channels:    len(c.Channels),
		Marked:      len(c.Marked.IDs),
		MarkedFile:  c.Marked.File,
		HolodexKeys: len(c.Holodex.Keys),
		ScanEvery:   c.Schedule.ScanInterval.String(),
		Refresh:     c.Schedule.RefreshInterval.String(),
		StopDelay:   c.Schedule.StopDelay.String(),
		RemoveDelay: c.Schedule.RemoveDelay.String(),
		UserFilter:  c.Dedup.UserFilter,
		Journal:     c.Journal.Path,
		Snapshots:   c.SnapshotDir,
		HTTPAddr:    c.HTTP.Addr,
		Webhook:     c.WebhookURL != "",
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}

func (c Config) Redacted() map[string]any {
	keys := make([]string, 0, len(c.Holodex.Keys))
	for _, k := range c.Holodex.Keys {
		keys = append(keys, redactString(k))
	}
	return map[string]any{
		"orgs":     append([]string(nil), c.Orgs...),
		"channels": append([]string(nil), c.Channels...),
		"marked": map[string]any{
			"ids":  append([]string(nil), c.Marked.IDs...),
			"file": c.Marked.File,
		},
		"holodex": map[string]any{
			"keys":     keys,
			"base_url": c.Holodex.BaseURL,
		},
		"schedule": map[string]any{
			"scan_interval":    c.Schedule.ScanInterval.String(),
			"refresh_interval": c.Schedule.RefreshInterval.String(),
			"lead_time":        c.Schedule.LeadTime.String(),
			"ended_grace":      c.Schedule.EndedGrace.String(),
			"stop_delay":       c.Schedule.StopDelay.String(),
			"remove_delay":     c.Schedule.RemoveDelay.String(),
			"start_gap":        c.Schedule.StartGap.String(),
		},
		"poll": map[string]any{
			"max_delay":   c.Poll.MaxDelay.String(),
			"max_retries": c.Poll.MaxRetries,
		},
		"breaker_threshold": c.BreakerThreshold,
		"dedup": map[string]any{
			"exact_below":    c.Dedup.ExactBelowViewers,
			"small_below":    c.Dedup.SmallBelowViewers,
			"small_capacity": c.Dedup.SmallCapacity,
			"large_capacity": c.Dedup.LargeCapacity,
			"fpr":            c.Dedup.FalsePositive,
			"user_filter":    c.Dedup.UserFilter,
		},
		"journal": map[string]any{
			"path":     c.Journal.Path,
			"batch":    c.Journal.BatchSize,
			"flush_ms": c.Journal.FlushMaxMS,
		},
		"http": map[string]any{
			"addr":         c.HTTP.Addr,
			"rate_rps":     c.HTTP.RateLimitRPS,
			"rate_burst":   c.HTTP.RateLimitBurst,
			"cors_origins": append([]string(nil), c.HTTP.CORSOrigins...),
		},
		"snapshot_dir": c.SnapshotDir,
		"webhook_url":  redactString(c.WebhookURL),
		"trace":        c.Trace,
	}
}

func (c Config) RedactedJSON() []byte {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return data
}

func redactString(value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return "***REDACTED*** (len=" + strconv.Itoa(len(value)) + ")"
}
