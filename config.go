package cardbase

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"time"
)

// Config holds every setting the backend reads.
type Config struct {
	Database DatabaseConfig `json:"database"`
	Query    QueryConfig    `json:"query"`
	Cache    CacheConfig    `json:"cache"`
	Stream   StreamConfig   `json:"stream"`
	Views    ViewsConfig    `json:"views"`
	Connect  ConnectConfig  `json:"connect"`
	Logging  LoggingConfig  `json:"logging"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Database        string        `json:"database"`
	Username        string        `json:"username"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"sslMode"`
	MaintenanceDB   string        `json:"maintenanceDB"`
	MaxConnections  int           `json:"maxConnections"`
	MinConnections  int           `json:"minConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime"`
	TableNames      TableNames    `json:"tableNames"`
}

// TableNames names the persisted relations. Every name must be a plain
// lower-case SQL identifier.
type TableNames struct {
	Cards           string `json:"cards"`
	Links           string `json:"links"`
	OrgMemberships  string `json:"orgMemberships"`
	PendingRequests string `json:"pendingRequests"`
	NotifyChannel   string `json:"notifyChannel"`
	ChangeTrigger   string `json:"changeTrigger"`
	ChangeTriggerFn string `json:"changeTriggerFn"`
	IndexNamePrefix string `json:"indexNamePrefix"`
}

// QueryConfig contains query execution settings
type QueryConfig struct {
	DefaultLimit       int           `json:"defaultLimit"`
	MaxLimit           int           `json:"maxLimit"`
	StatementTimeout   time.Duration `json:"statementTimeout"`
	MaxLinkDepth       int           `json:"maxLinkDepth"`
	LinkEvaluationSize int           `json:"linkEvaluationSize"`
	ValidateTypes      bool          `json:"validateTypes"`
}

// CacheConfig controls the point-lookup cache.
type CacheConfig struct {
	Enabled          bool          `json:"enabled"`
	TTL              time.Duration `json:"ttl"`
	MaxEntries       int           `json:"maxEntries"`
	BreakerThreshold int           `json:"breakerThreshold"`
	BreakerWindow    time.Duration `json:"breakerWindow"`
	BreakerOpen      time.Duration `json:"breakerOpen"`
}

// StreamConfig controls live query subscriptions.
type StreamConfig struct {
	BufferSize           int           `json:"bufferSize"`
	HydrationConcurrency int64         `json:"hydrationConcurrency"`
	MinReconnectInterval time.Duration `json:"minReconnectInterval"`
	MaxReconnectInterval time.Duration `json:"maxReconnectInterval"`
}

// RefreshMode selects how materialized views are refreshed after writes.
type RefreshMode string

const (
	RefreshSync  RefreshMode = "sync"
	RefreshAsync RefreshMode = "async"
)

// ViewsConfig controls materialized view maintenance.
type ViewsConfig struct {
	RefreshMode RefreshMode   `json:"refreshMode"`
	QueueSize   int           `json:"queueSize"`
	MinInterval time.Duration `json:"minInterval"`
}

// ConnectConfig controls the startup connection loop.
type ConnectConfig struct {
	RetryAttempts int           `json:"retryAttempts"`
	RetryDelay    time.Duration `json:"retryDelay"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups"`
	MaxAgeDays int    `json:"maxAgeDays"`
	Compress   bool   `json:"compress"`
}

// MaxSlugLength is the width of the slug column.
const MaxSlugLength = 255

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "cardbase",
			Username:        "postgres",
			SSLMode:         "disable",
			MaintenanceDB:   "postgres",
			MaxConnections:  25,
			MinConnections:  2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			TableNames: TableNames{
				Cards:           "cards",
				Links:           "links",
				OrgMemberships:  "org_memberships",
				PendingRequests: "pending_action_requests",
				NotifyChannel:   "card_changes",
				ChangeTrigger:   "cards_notify_change",
				ChangeTriggerFn: "cards_notify_change_fn",
				IndexNamePrefix: "cards",
			},
		},
		Query: QueryConfig{
			DefaultLimit:       1000,
			MaxLimit:           1000,
			StatementTimeout:   10 * time.Second,
			MaxLinkDepth:       4,
			LinkEvaluationSize: 50,
			ValidateTypes:      false,
		},
		Cache: CacheConfig{
			Enabled:          true,
			TTL:              5 * time.Minute,
			MaxEntries:       10000,
			BreakerThreshold: 5,
			BreakerWindow:    30 * time.Second,
			BreakerOpen:      time.Minute,
		},
		Stream: StreamConfig{
			BufferSize:           64,
			HydrationConcurrency: 8,
			MinReconnectInterval: 10 * time.Second,
			MaxReconnectInterval: time.Minute,
		},
		Views: ViewsConfig{
			RefreshMode: RefreshAsync,
			QueueSize:   32,
			MinInterval: 500 * time.Millisecond,
		},
		Connect: ConnectConfig{
			RetryAttempts: 10,
			RetryDelay:    2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return &ConfigError{Field: "database.host", Message: "is required"}
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return &ConfigError{Field: "database.port", Message: "must be a valid TCP port"}
	}
	if c.Database.Database == "" {
		return &ConfigError{Field: "database.database", Message: "is required"}
	}
	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}

	names := map[string]string{
		"database.tableNames.cards":           c.Database.TableNames.Cards,
		"database.tableNames.links":           c.Database.TableNames.Links,
		"database.tableNames.orgMemberships":  c.Database.TableNames.OrgMemberships,
		"database.tableNames.pendingRequests": c.Database.TableNames.PendingRequests,
		"database.tableNames.notifyChannel":   c.Database.TableNames.NotifyChannel,
		"database.tableNames.changeTrigger":   c.Database.TableNames.ChangeTrigger,
		"database.tableNames.changeTriggerFn": c.Database.TableNames.ChangeTriggerFn,
		"database.tableNames.indexNamePrefix": c.Database.TableNames.IndexNamePrefix,
	}
	for field, name := range names {
		if !identifierPattern.MatchString(name) {
			return &ConfigError{Field: field, Message: fmt.Sprintf("%q is not a valid identifier", name)}
		}
	}

	if c.Query.MaxLimit <= 0 {
		return &ConfigError{Field: "query.maxLimit", Message: "must be greater than 0"}
	}
	if c.Query.DefaultLimit <= 0 || c.Query.DefaultLimit > c.Query.MaxLimit {
		return &ConfigError{Field: "query.defaultLimit", Message: "must be between 1 and maxLimit"}
	}
	if c.Query.MaxLinkDepth <= 0 {
		return &ConfigError{Field: "query.maxLinkDepth", Message: "must be greater than 0"}
	}
	if c.Query.LinkEvaluationSize <= 0 {
		return &ConfigError{Field: "query.linkEvaluationSize", Message: "must be greater than 0"}
	}

	if c.Cache.Enabled && c.Cache.MaxEntries <= 0 {
		return &ConfigError{Field: "cache.maxEntries", Message: "must be greater than 0 when the cache is enabled"}
	}

	if c.Stream.BufferSize < 0 {
		return &ConfigError{Field: "stream.bufferSize", Message: "must not be negative"}
	}
	if c.Stream.HydrationConcurrency <= 0 {
		return &ConfigError{Field: "stream.hydrationConcurrency", Message: "must be greater than 0"}
	}

	switch c.Views.RefreshMode {
	case RefreshSync:
	case RefreshAsync:
		if c.Views.QueueSize <= 0 {
			return &ConfigError{Field: "views.queueSize", Message: "must be greater than 0 in async mode"}
		}
	default:
		return &ConfigError{Field: "views.refreshMode", Message: fmt.Sprintf("unknown mode %q", c.Views.RefreshMode)}
	}

	if c.Connect.RetryAttempts < 1 {
		return &ConfigError{Field: "connect.retryAttempts", Message: "must be at least 1"}
	}

	return nil
}

// ConnString builds a libpq-style URL for the configured database.
func (d DatabaseConfig) ConnString() string {
	return d.connString(d.Database)
}

// MaintenanceConnString targets the maintenance database used to create the
// configured database when it does not exist.
func (d DatabaseConfig) MaintenanceConnString() string {
	name := d.MaintenanceDB
	if name == "" {
		name = "postgres"
	}
	return d.connString(name)
}

func (d DatabaseConfig) connString(database string) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	} else if d.Username != "" {
		u.User = url.User(d.Username)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
