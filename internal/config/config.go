package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Schedule  ScheduleConfig  `yaml:"schedule"`
	Steam     SteamConfig     `yaml:"steam"`
	Extended  ExtendedConfig  `yaml:"extended"`
	Retention RetentionConfig `yaml:"retention"`
	Records   RecordsConfig   `yaml:"records"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	News      NewsConfig      `yaml:"news"`
	Upcoming  UpcomingConfig  `yaml:"upcoming"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Server    ServerConfig    `yaml:"server"`
}

// DatabaseConfig configures SQLite storage.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zap logger and optional Sentry forwarding.
type LoggingConfig struct {
	Debug     bool   `yaml:"debug"`
	SentryDSN string `yaml:"sentry_dsn"`
}

// ScheduleConfig holds cron specs for each job. A spec may carry a
// CRON_TZ= prefix; Timezone applies to specs without one.
type ScheduleConfig struct {
	Timezone  string `yaml:"timezone"`
	Live      string `yaml:"live"`
	Extended  string `yaml:"extended"`
	DailyPeak string `yaml:"daily_peak"`
	Prune     string `yaml:"prune"`
	News      string `yaml:"news"`
}

// Location resolves the default scheduler time zone, falling back to UTC.
func (s ScheduleConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SteamConfig configures the Steam Web API and store endpoints.
type SteamConfig struct {
	APIKey         string `yaml:"api_key"`
	RankURL        string `yaml:"rank_url"`
	PlayerCountURL string `yaml:"player_count_url"`
	AppDetailsURL  string `yaml:"app_details_url"`
	UpcomingURL    string `yaml:"upcoming_url"`
	TopN           int    `yaml:"top_n"`
	LiveBatchSize  int    `yaml:"live_batch_size"`
	Timeout        string `yaml:"timeout"`
}

// ParseTimeout returns the per-request timeout.
func (s SteamConfig) ParseTimeout() time.Duration {
	return parseDuration(s.Timeout, 15*time.Second)
}

// ExtendedConfig configures the extended-coverage poll.
type ExtendedConfig struct {
	Delay string `yaml:"delay"`
}

// ParseDelay returns the inter-request delay.
func (e ExtendedConfig) ParseDelay() time.Duration {
	return parseDuration(e.Delay, 500*time.Millisecond)
}

// RetentionConfig configures pruning horizons.
type RetentionConfig struct {
	SnapshotDays int `yaml:"snapshot_days"`
	NewsDays     int `yaml:"news_days"`
}

// RecordsConfig configures record detection.
type RecordsConfig struct {
	Windows []int `yaml:"windows"`
}

// BackfillConfig configures historical imports from SteamCharts.
type BackfillConfig struct {
	BaseURL       string `yaml:"base_url"`
	Days          int    `yaml:"days"`
	TopPages      int    `yaml:"top_pages"`
	PageDelay     string `yaml:"page_delay"`
	ItemDelay     string `yaml:"item_delay"`
	MetadataDelay string `yaml:"metadata_delay"`
	UserAgent     string `yaml:"user_agent"`
}

// ParsePageDelay returns the delay between top-page scrapes.
func (b BackfillConfig) ParsePageDelay() time.Duration {
	return parseDuration(b.PageDelay, 2*time.Second)
}

// ParseItemDelay returns the delay between per-item history fetches.
func (b BackfillConfig) ParseItemDelay() time.Duration {
	return parseDuration(b.ItemDelay, 1500*time.Millisecond)
}

// ParseMetadataDelay returns the delay between metadata fetches.
func (b BackfillConfig) ParseMetadataDelay() time.Duration {
	return parseDuration(b.MetadataDelay, 300*time.Millisecond)
}

// NewsConfig configures the news relevance matcher.
type NewsConfig struct {
	Feeds         []FeedItem `yaml:"feeds"`
	Keywords      []string   `yaml:"keywords"`
	MinNameLength int        `yaml:"min_name_length"`
	Timeout       string     `yaml:"timeout"`
}

// ParseTimeout returns the per-feed timeout.
func (n NewsConfig) ParseTimeout() time.Duration {
	return parseDuration(n.Timeout, 10*time.Second)
}

// FeedItem is a single RSS feed entry.
type FeedItem struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// UpcomingConfig configures the upcoming-items cache.
type UpcomingConfig struct {
	CacheTTL string `yaml:"cache_ttl"`
}

// ParseCacheTTL returns the upcoming list TTL.
func (u UpcomingConfig) ParseCacheTTL() time.Duration {
	return parseDuration(u.CacheTTL, 24*time.Hour)
}

// ExecutorConfig sizes the background task pool.
type ExecutorConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// AlertsConfig configures record-event alert destinations.
type AlertsConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DefaultNewsKeywords are the player-count phrases an article must mention.
var DefaultNewsKeywords = []string{
	"concurrent", "player count", "ccu", "steam peak", "peak players",
	"million players", "players online", "active players", "playerbase",
	"player base", "simultaneous players", "steam charts", "steamcharts",
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Path: "./ccuradar.db"},
		Schedule: ScheduleConfig{
			Timezone:  "UTC",
			Live:      "0 * * * *",
			Extended:  "30 * * * *",
			DailyPeak: "55 23 * * *",
			Prune:     "0 1 * * *",
			News:      "CRON_TZ=America/New_York 0 9 * * *",
		},
		Steam: SteamConfig{
			RankURL:        "https://api.steampowered.com/ISteamChartsService/GetMostPlayedGames/v1/",
			PlayerCountURL: "https://api.steampowered.com/ISteamUserStats/GetNumberOfCurrentPlayers/v1/",
			AppDetailsURL:  "https://store.steampowered.com/api/appdetails",
			UpcomingURL:    "https://api.steampowered.com/ISteamChartsService/GetMostWishlistedUpcomingGames/v1/",
			TopN:           100,
			LiveBatchSize:  10,
			Timeout:        "15s",
		},
		Extended:  ExtendedConfig{Delay: "500ms"},
		Retention: RetentionConfig{SnapshotDays: 30, NewsDays: 30},
		Records:   RecordsConfig{Windows: []int{7, 30, 90}},
		Backfill: BackfillConfig{
			BaseURL:       "https://steamcharts.com",
			Days:          365,
			TopPages:      5,
			PageDelay:     "2s",
			ItemDelay:     "1500ms",
			MetadataDelay: "300ms",
			UserAgent:     "ccuradar/1.0 (backfill)",
		},
		News: NewsConfig{
			Feeds: []FeedItem{
				{Name: "PC Gamer", URL: "https://www.pcgamer.com/rss/"},
				{Name: "Rock Paper Shotgun", URL: "https://www.rockpapershotgun.com/feed"},
				{Name: "Eurogamer", URL: "https://www.eurogamer.net/?format=rss"},
				{Name: "Kotaku", URL: "https://kotaku.com/rss"},
				{Name: "IGN", URL: "https://feeds.ign.com/ign/all"},
				{Name: "Polygon", URL: "https://www.polygon.com/rss/index.xml"},
				{Name: "PCGamesN", URL: "https://www.pcgamesn.com/feeds/all"},
				{Name: "GameSpot", URL: "https://www.gamespot.com/feeds/news"},
				{Name: "VGC", URL: "https://www.videogameschronicle.com/feed/"},
				{Name: "PC Invasion", URL: "https://www.pcinvasion.com/feed/"},
			},
			Keywords:      DefaultNewsKeywords,
			MinNameLength: 4,
			Timeout:       "10s",
		},
		Upcoming: UpcomingConfig{CacheTTL: "24h"},
		Executor: ExecutorConfig{Workers: 4, QueueSize: 256},
		Server:   ServerConfig{Port: 8080},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
// A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the jobs cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Steam.TopN <= 0 {
		errs = append(errs, errors.New("steam.top_n must be positive"))
	}
	if c.Retention.SnapshotDays <= 0 {
		errs = append(errs, errors.New("retention.snapshot_days must be positive"))
	}
	if c.Backfill.Days <= 0 {
		errs = append(errs, errors.New("backfill.days must be positive"))
	}
	for _, w := range c.Records.Windows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("records.windows: invalid window %d", w))
		}
	}
	return errors.Join(errs...)
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CCURADAR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("STEAM_API_KEY"); v != "" {
		cfg.Steam.APIKey = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		cfg.Logging.SentryDSN = v
	}
	if v := os.Getenv("CCURADAR_DEBUG"); v != "" {
		cfg.Logging.Debug = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
