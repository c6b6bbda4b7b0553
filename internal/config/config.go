package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"recordapi/internal/metadata"
)

type Config struct {
	Server     ServerConfig               `mapstructure:"server"`
	Database   DatabaseConfig             `mapstructure:"database"`
	Auth       AuthConfig                 `mapstructure:"auth"`
	Records    RecordsConfig              `mapstructure:"records"`
	Realtime   RealtimeConfig             `mapstructure:"realtime"`
	Log        LogConfig                  `mapstructure:"log"`
	RecordAPIs []metadata.RecordApiConfig `mapstructure:"record_apis"`

	// JSONSchemas are named schemas for CHECK(jsonschema('<name>', col)).
	// Names are lower cased by the loader.
	JSONSchemas map[string]string `mapstructure:"json_schemas"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path            string `mapstructure:"path"`
	ReadPoolSize    int    `mapstructure:"read_pool_size"`
	BusyTimeoutMs   int    `mapstructure:"busy_timeout_ms"`
	MaxWriteRetries int    `mapstructure:"max_write_retries"`
}

// DSN returns the modernc sqlite data source name for the database file.
// Pragmas are applied to every pooled connection.
func (d DatabaseConfig) DSN(readOnly bool) string {
	busy := d.BusyTimeoutMs
	if busy <= 0 {
		busy = 5000
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", d.Path, busy)
	if readOnly {
		return dsn + "&_pragma=query_only(1)"
	}
	return dsn + "&_txlock=immediate"
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	// UserIDFormat is how the token subject is bound to _USER_.id:
	// "uuid_blob", "text" or "integer".
	UserIDFormat string `mapstructure:"user_id_format"`
}

type RecordsConfig struct {
	DefaultLimit    int    `mapstructure:"default_limit"`
	RevealForbidden bool   `mapstructure:"reveal_forbidden"`
	UserTable       string `mapstructure:"user_table"`
	ValidateRules   bool   `mapstructure:"validate_rules"`
}

type RealtimeConfig struct {
	QueueSize  int           `mapstructure:"queue_size"`
	InboxLimit int           `mapstructure:"inbox_limit"`
	Heartbeat  time.Duration `mapstructure:"heartbeat"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Loader reads configuration from one viper instance so that a later Watch
// sees the same file and defaults.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader. An empty path searches for app.yaml in the
// working directory and two levels up.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("../..")
	}

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("database.path", "./data/main.db")
	v.SetDefault("database.read_pool_size", 4)
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.max_write_retries", 5)
	v.SetDefault("auth.jwt_secret", "changeme-secret")
	v.SetDefault("auth.user_id_format", "uuid_blob")
	v.SetDefault("records.default_limit", 50)
	v.SetDefault("records.reveal_forbidden", false)
	v.SetDefault("records.user_table", "_user")
	v.SetDefault("records.validate_rules", true)
	v.SetDefault("realtime.queue_size", 64)
	v.SetDefault("realtime.inbox_limit", 65536)
	v.SetDefault("realtime.heartbeat", "15s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix("RECORDAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// Load reads the config file and decodes it.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	err := l.v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		PermissionHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch calls fn with the re-decoded config whenever the file changes.
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		fn(l.decode())
	})
	l.v.WatchConfig()
}

// Load is a shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

var permissionType = reflect.TypeOf(metadata.Permission(0))

// PermissionHook decodes ACL bitmasks from integers, a "read|update" string
// or a list of names.
func PermissionHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != permissionType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return permissionMask(int64(v))
		case int64:
			return permissionMask(v)
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("permission mask %v is not an integer", v)
			}
			return permissionMask(int64(v))
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return permissionMask(n)
			}
			return metadata.ParsePermission(strings.FieldsFunc(v, func(r rune) bool {
				return r == '|' || r == ',' || r == ' '
			}))
		case []any:
			names := make([]string, 0, len(v))
			for _, item := range v {
				names = append(names, fmt.Sprint(item))
			}
			return metadata.ParsePermission(names)
		case []string:
			return metadata.ParsePermission(v)
		}
		return data, nil
	}
}

func permissionMask(n int64) (metadata.Permission, error) {
	if n < 0 || n > int64(metadata.PermAll) {
		return 0, fmt.Errorf("permission mask %d outside 0..%d", n, metadata.PermAll)
	}
	return metadata.Permission(n), nil
}
