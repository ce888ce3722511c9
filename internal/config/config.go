package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ark-network/ark-batch/pkg/client-sdk/batch"
	"github.com/ark-network/ark-batch/pkg/client-sdk/types"
	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const configFileName = "ark-batch"

var (
	supportedStores = supportedType{
		types.KVStore:       {},
		types.InMemoryStore: {},
	}
	supportedTransports = supportedType{
		"rest":      {},
		"websocket": {},
	}
)

type Config struct {
	Datadir   string
	LogLevel  int
	ServerUrl string
	Transport string
	StoreType string
	// Password unlocks the signer key, stored encrypted in the datadir.
	Password string `json:"-"`
	Seed     string `json:"-"`

	RequestTimeout     time.Duration
	SettleInterval     time.Duration
	SettleBeforeExpiry time.Duration
	Timeouts           batch.Timeouts
}

var (
	Datadir                     = "DATADIR"
	LogLevel                    = "LOG_LEVEL"
	ServerUrl                   = "SERVER_URL"
	Transport                   = "TRANSPORT"
	StoreType                   = "STORE_TYPE"
	Password                    = "PASSWORD"
	Seed                        = "SEED"
	RequestTimeout              = "REQUEST_TIMEOUT"
	SettleInterval              = "SETTLE_INTERVAL"
	SettleBeforeExpiry          = "SETTLE_BEFORE_EXPIRY"
	RegistrationTimeout         = "REGISTRATION_TIMEOUT"
	SelectionTimeout            = "SELECTION_TIMEOUT"
	NonceAggregationTimeout     = "NONCE_AGGREGATION_TIMEOUT"
	SignatureAggregationTimeout = "SIGNATURE_AGGREGATION_TIMEOUT"
	FinalizationTimeout         = "FINALIZATION_TIMEOUT"

	defaultDatadir            = btcutil.AppDataDir("ark-batch", false)
	defaultLogLevel           = int(log.InfoLevel)
	defaultTransport          = "rest"
	defaultStoreType          = types.KVStore
	defaultRequestTimeout     = 30 * time.Second
	defaultSettleInterval     = 10 * time.Minute
	defaultSettleBeforeExpiry = 24 * time.Hour
	defaultTimeouts           = batch.DefaultTimeouts()
)

// LoadConfig reads the config from the ARK_BATCH_ prefixed env vars and,
// if present, from the ark-batch config file in the datadir. Env vars take
// precedence.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARK_BATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(Datadir, defaultDatadir)
	v.SetDefault(LogLevel, defaultLogLevel)
	v.SetDefault(Transport, defaultTransport)
	v.SetDefault(StoreType, defaultStoreType)
	v.SetDefault(RequestTimeout, defaultRequestTimeout)
	v.SetDefault(SettleInterval, defaultSettleInterval)
	v.SetDefault(SettleBeforeExpiry, defaultSettleBeforeExpiry)
	v.SetDefault(RegistrationTimeout, defaultTimeouts.Registration)
	v.SetDefault(SelectionTimeout, defaultTimeouts.Selection)
	v.SetDefault(NonceAggregationTimeout, defaultTimeouts.NonceAggregation)
	v.SetDefault(SignatureAggregationTimeout, defaultTimeouts.SignatureAggregation)
	v.SetDefault(FinalizationTimeout, defaultTimeouts.Finalization)

	datadir := cleanAndExpandPath(v.GetString(Datadir))
	if err := makeDirectoryIfNotExists(datadir); err != nil {
		return nil, fmt.Errorf("error while creating datadir: %s", err)
	}

	v.SetConfigName(configFileName)
	v.AddConfigPath(datadir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error while reading config file: %s", err)
		}
	}

	cfg := &Config{
		Datadir:            datadir,
		LogLevel:           v.GetInt(LogLevel),
		ServerUrl:          v.GetString(ServerUrl),
		Transport:          strings.ToLower(v.GetString(Transport)),
		StoreType:          strings.ToLower(v.GetString(StoreType)),
		Password:           v.GetString(Password),
		Seed:               v.GetString(Seed),
		RequestTimeout:     v.GetDuration(RequestTimeout),
		SettleInterval:     v.GetDuration(SettleInterval),
		SettleBeforeExpiry: v.GetDuration(SettleBeforeExpiry),
		Timeouts: batch.Timeouts{
			Registration:         v.GetDuration(RegistrationTimeout),
			Selection:            v.GetDuration(SelectionTimeout),
			NonceAggregation:     v.GetDuration(NonceAggregationTimeout),
			SignatureAggregation: v.GetDuration(SignatureAggregationTimeout),
			Finalization:         v.GetDuration(FinalizationTimeout),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

// DbDir is where the persistent vtxo store lives.
func (c *Config) DbDir() string {
	return filepath.Join(c.Datadir, "db")
}

func (c *Config) validate() error {
	if len(c.ServerUrl) <= 0 {
		return fmt.Errorf("missing server url")
	}
	if !supportedTransports.supports(c.Transport) {
		return fmt.Errorf(
			"transport type not supported, please select one of: %s", supportedTransports,
		)
	}
	if !supportedStores.supports(c.StoreType) {
		return fmt.Errorf(
			"store type not supported, please select one of: %s", supportedStores,
		)
	}
	if c.LogLevel < int(log.PanicLevel) || c.LogLevel > int(log.TraceLevel) {
		return fmt.Errorf("invalid log level %d", c.LogLevel)
	}
	if c.SettleInterval <= 0 {
		return fmt.Errorf("settle interval must be positive")
	}
	if c.SettleBeforeExpiry < 0 {
		return fmt.Errorf("settle before expiry must not be negative")
	}
	for name, timeout := range map[string]time.Duration{
		RegistrationTimeout:         c.Timeouts.Registration,
		SelectionTimeout:            c.Timeouts.Selection,
		NonceAggregationTimeout:     c.Timeouts.NonceAggregation,
		SignatureAggregationTimeout: c.Timeouts.SignatureAggregation,
		FinalizationTimeout:         c.Timeouts.Finalization,
		RequestTimeout:              c.RequestTimeout,
	} {
		if timeout < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}

func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
