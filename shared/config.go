package shared

import (
	"encoding/json"
	"github.com/tailscale/hujson"
	"log"
	"os"
	"time"
)

const (
	configVarName  = "CONFIG"                      // If set, will load config.json from this path and not from devConfigPath
	secretsVarName = "SECRETS"                     // If set, will load secrets.json from this path and not from devSecretsPath
	devConfigPath  = "../../dev/config.dev.jsonc"  // Path to config.json in development environment
	devSecretsPath = "../../dev/secrets.dev.jsonc" // Path to secrets.json in development environment
)

type Config struct {
	Secrets           Secrets        `json:"-"`
	LogFile           string         `json:"log_file"`
	LogLevel          string         `json:"log_level"`
	ServicePort       uint           `json:"service_port"`
	Host              string         `json:"host"`
	Mount             string         `json:"mount"` // URL path prefix the federation endpoints live under, e.g. "/fedi"
	DbFile            string         `json:"db_file"`
	PublicationUrl    string         `json:"publication_url"` // canonical URL of the site whose posts we federate
	TimelineRetention int            `json:"timeline_retention"`
	KeepRawActivities bool           `json:"keep_raw_activities"`
	Actor             *ActorConfig   `json:"actor"`
	Feed              FeedSchedule   `json:"feed"`
	Refollow          RefollowConfig `json:"refollow"`
}

type ActorConfig struct {
	Handle                  string    `json:"handle"`
	Name                    string    `json:"name"`
	Summary                 string    `json:"summary"`
	Published               time.Time `json:"published"`
	ManuallyApprovesFollows bool      `json:"manually_approves_follows"`
	ProfilePic              string    `json:"profile_pic"`
	HeaderPic               string    `json:"header_pic"`
}

type FeedSchedule struct {
	Url              string `json:"url"`
	CheckIntervalSec int    `json:"check_interval_sec"`
}

type RefollowConfig struct {
	BatchSize        int `json:"batch_size"`
	BatchIntervalSec int `json:"batch_interval_sec"`
	ItemDelayMs      int `json:"item_delay_ms"`
	MaxAttempts      int `json:"max_attempts"`
	CooldownMinutes  int `json:"cooldown_minutes"`
}

type Secrets struct {
	PrivKeyPass string   `json:"privkey_passphrase"`
	ApiKeys     []string `json:"api_keys"`
	MetricsAuth string   `json:"metrics_auth"`
}

func LoadConfig() *Config {

	// Where are our config and secrets files?
	cfgPath := os.Getenv(configVarName)
	if len(cfgPath) == 0 {
		cfgPath = devConfigPath
	}
	secretsPath := os.Getenv(secretsVarName)
	if len(secretsPath) == 0 {
		secretsPath = devSecretsPath
	}

	// Read config file
	var config Config
	mustDeserializeFile(cfgPath, &config)
	// Read secrets member from secrets file
	mustDeserializeFile(secretsPath, &config.Secrets)

	applyDefaults(&config)

	return &config
}

func applyDefaults(cfg *Config) {
	if cfg.TimelineRetention == 0 {
		cfg.TimelineRetention = 1000
	}
	if cfg.Feed.CheckIntervalSec == 0 {
		cfg.Feed.CheckIntervalSec = 600
	}
	if cfg.Refollow.BatchSize == 0 {
		cfg.Refollow.BatchSize = 5
	}
	if cfg.Refollow.BatchIntervalSec == 0 {
		cfg.Refollow.BatchIntervalSec = 60
	}
	if cfg.Refollow.ItemDelayMs == 0 {
		cfg.Refollow.ItemDelayMs = 1000
	}
	if cfg.Refollow.MaxAttempts == 0 {
		cfg.Refollow.MaxAttempts = 3
	}
	if cfg.Refollow.CooldownMinutes == 0 {
		cfg.Refollow.CooldownMinutes = 60
	}
}

func mustDeserializeFile[T any](fileName string, obj *T) {
	var err error
	var cfgJson []byte
	cfgJson, err = os.ReadFile(fileName)
	if err != nil {
		log.Fatal(err)
	}
	// JSONC => JSON
	cfgJson, err = standardizeJSON(cfgJson)
	if err != nil {
		log.Fatal(err)
	}
	// Parse
	if err := json.Unmarshal(cfgJson, obj); err != nil {
		log.Fatal(err)
	}
}

func standardizeJSON(b []byte) ([]byte, error) {
	ast, err := hujson.Parse(b)
	if err != nil {
		return b, err
	}
	ast.Standardize()
	return ast.Pack(), nil
}
