// Package config loads the typed, deny-unknown-fields YAML
// configuration document, with environment-variable overrides for
// secrets. YAML was chosen over an INI format because INI cannot
// express array-of-struct sections like databases[] or
// sharded_tables[].
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	General       GeneralConfig        `yaml:"general"`
	Databases     []DatabaseConfig     `yaml:"databases"`
	Users         []UserConfig         `yaml:"users"`
	Mirrors       []MirrorConfig       `yaml:"mirrors"`
	ShardedTables []ShardedTableConfig `yaml:"sharded_tables"`
	TCP           TCPConfig            `yaml:"tcp"`
	Memory        MemoryConfig         `yaml:"memory"`
	Rewrite       RewriteConfig        `yaml:"rewrite"`
	FDW           FDWConfig            `yaml:"fdw"`
}

// GeneralConfig holds process-wide pooling and admin settings.
type GeneralConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	AdminPort           int    `yaml:"admin_port"`
	MetricsListen       string `yaml:"metrics_listen"`
	PoolerMode          string `yaml:"pooler_mode"` // transaction|session|statement
	AuthType            string `yaml:"auth_type"`   // trust|md5|scram-sha-256
	PreparedStatements  bool   `yaml:"prepared_statements"`
	CrossShardDisabled  bool   `yaml:"cross_shard_disabled"`
	QueryParserLevel    string `yaml:"query_parser"` // off|hints_only|full
	TwoPCEnabled        bool   `yaml:"two_pc_enabled"`
	CheckoutTimeoutMs   int    `yaml:"checkout_timeout_ms"`
	IdleTimeoutMs       int    `yaml:"idle_timeout_ms"`
	HealthcheckInterval int    `yaml:"healthcheck_interval_ms"`
	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
	LoadBalancerTickMs  int    `yaml:"load_balancer_tick_ms"`
}

// DatabaseConfig describes one backend address within a shard.
type DatabaseConfig struct {
	Name           string `yaml:"name"`
	Role           string `yaml:"role"` // primary|replica
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	Database       string `yaml:"database"`
	Shard          int    `yaml:"shard"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DatabaseNumber int    `yaml:"-"` // assigned at load time
}

// UserConfig describes a pooled frontend principal.
type UserConfig struct {
	Name              string `yaml:"name"`
	Database          string `yaml:"database"`
	Password          string `yaml:"password"`
	PoolSize          int    `yaml:"pool_size"`
	MinPoolSize       int    `yaml:"min_pool_size"`
	ReadWriteSplit    bool   `yaml:"read_write_split"`
	LoadBalancingMode string `yaml:"load_balancing_mode"`
}

// MirrorConfig mirrors traffic from one database onto another for
// shadow testing.
type MirrorConfig struct {
	Source      string  `yaml:"source"`
	Destination string  `yaml:"destination"`
	Queue       int     `yaml:"queue"`
	Exposure    float64 `yaml:"exposure"`
}

// ShardedTableConfig describes a sharded table's key column and
// distribution scheme.
type ShardedTableConfig struct {
	Database       string        `yaml:"database"`
	Name           string        `yaml:"name"`
	DataType       string        `yaml:"data_type"` // bigint|uuid|vector|text
	Column         string        `yaml:"column"`
	ColumnPosition int           `yaml:"column_position"`
	Centroids      [][]float64   `yaml:"centroids"`
	ListMap        []ListEntry   `yaml:"list"`
	RangeMap       []RangeConfig `yaml:"range"`
}

type ListEntry struct {
	Shard  int      `yaml:"shard"`
	Values []string `yaml:"values"`
}

type RangeConfig struct {
	Shard int    `yaml:"shard"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// TCPConfig holds the socket-level keepalive knobs for backend dials.
type TCPConfig struct {
	Keepalive   bool `yaml:"keepalive"`
	UserTimeout int  `yaml:"user_timeout_ms"`
	NoDelay     bool `yaml:"no_delay"`
}

// MemoryConfig bounds the plan cache and connection buffer sizing.
type MemoryConfig struct {
	PlanCacheMaxMemory int64 `yaml:"plan_cache_max_memory"`
	PlanCacheWorkers   int   `yaml:"plan_cache_workers"`
	BufferSize         int   `yaml:"buffer_size"`
}

// RewriteConfig controls query-rewrite behavior for sharded inserts.
type RewriteConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ShardKey    string `yaml:"shard_key"` // ignore|error
	SplitInsert bool   `yaml:"split_inserts"`
	PrimaryKey  string `yaml:"primary_key"` // ignore|error|rewrite
}

// FDWConfig controls the foreign-data-wrapper fallback sub-pool.
type FDWConfig struct {
	Enabled bool   `yaml:"enabled"`
	Schema  string `yaml:"schema"`
}

// Load reads and strictly validates a YAML configuration document,
// rejecting unknown top-level keys and unknown keys directly inside each
// section, and applying `${ENV_VAR}` expansion to password fields. Keys
// nested deeper than that (such as inside sharded_tables' list and range
// entries) are not checked.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := rejectUnknownFields(raw, &Config{}); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Databases {
		cfg.Databases[i].DatabaseNumber = i
		cfg.Databases[i].Password = expandEnv(cfg.Databases[i].Password)
	}
	for i := range cfg.Users {
		cfg.Users[i].Password = expandEnv(cfg.Users[i].Password)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("config %s: no databases defined", path)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			Host:                "0.0.0.0",
			Port:                6432,
			AdminPort:           6432,
			MetricsListen:       ":9090",
			PoolerMode:          "transaction",
			AuthType:            "scram-sha-256",
			PreparedStatements:  true,
			QueryParserLevel:    "full",
			CheckoutTimeoutMs:   5000,
			IdleTimeoutMs:       60000,
			HealthcheckInterval: 30000,
			LoadBalancerTickMs:  333,
		},
		TCP: TCPConfig{
			Keepalive: true,
			NoDelay:   true,
		},
		Memory: MemoryConfig{
			PlanCacheMaxMemory: 32 * 1024 * 1024,
			PlanCacheWorkers:   4,
		},
		Rewrite: RewriteConfig{
			PrimaryKey: "ignore",
			ShardKey:   "ignore",
		},
	}
}

// expandEnv resolves a `${VAR}` reference to its environment value,
// leaving the string untouched if it isn't wrapped that way.
func expandEnv(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		name := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ""
	}
	return value
}

// rejectUnknownFields decodes raw into a map and checks top-level keys
// and the keys directly inside each section against the yaml tags
// declared on the config struct fields; entries nested below a section
// are not checked. It stands in for yaml.v3's UnmarshalStrict (folded
// into Decoder.KnownFields in later releases, which this project does
// not otherwise need a streaming decoder for).
func rejectUnknownFields(raw []byte, target any) error {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return checkKeys(doc, knownTopLevelKeys(), "")
}

func knownTopLevelKeys() map[string][]string {
	return map[string][]string{
		"general":          fieldTags(GeneralConfig{}),
		"databases[]":      fieldTags(DatabaseConfig{}),
		"users[]":          fieldTags(UserConfig{}),
		"mirrors[]":        fieldTags(MirrorConfig{}),
		"sharded_tables[]": fieldTags(ShardedTableConfig{}),
		"tcp":              fieldTags(TCPConfig{}),
		"memory":           fieldTags(MemoryConfig{}),
		"rewrite":          fieldTags(RewriteConfig{}),
		"fdw":              fieldTags(FDWConfig{}),
	}
}

func checkKeys(doc map[string]any, known map[string][]string, path string) error {
	top := []string{"general", "databases", "users", "mirrors", "sharded_tables", "tcp", "memory", "rewrite", "fdw"}
	for key := range doc {
		if !contains(top, key) {
			return fmt.Errorf("unknown top-level key %q", key)
		}
	}

	for key, val := range doc {
		sectionKey := key
		if key == "databases" || key == "users" || key == "mirrors" || key == "sharded_tables" {
			sectionKey = key + "[]"
		}
		allowed := known[sectionKey]
		if allowed == nil {
			continue
		}
		switch v := val.(type) {
		case map[string]any:
			if err := checkSectionKeys(v, allowed, key); err != nil {
				return err
			}
		case []any:
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					if err := checkSectionKeys(m, allowed, key); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

func checkSectionKeys(section map[string]any, allowed []string, sectionName string) error {
	for key := range section {
		if !contains(allowed, key) {
			return fmt.Errorf("unknown key %q in %s", key, sectionName)
		}
	}
	return nil
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

// fieldTags returns the yaml tag names declared on a struct's fields,
// used to validate incoming documents against the field set a
// zero-value struct literal of T declares.
func fieldTags(v any) []string {
	t := reflect.TypeOf(v)
	tags := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("yaml")
		if tag == "" || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		tags = append(tags, name)
	}
	return tags
}
