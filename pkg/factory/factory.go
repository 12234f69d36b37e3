package factory

import (
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/pbxbilling/callrater/internal/logger"
)

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "./config/callrater.yaml"

// DefaultEnvPath is the optional dotenv file merged into the environment
// before ${VAR} references in the YAML are expanded.
const DefaultEnvPath = ".env"

// Loader provides methods to load and validate the configuration.
type Loader interface {
	Load(path string) (*Config, error)
}

// DefaultLoader is a YAML file loader with dotenv overlay, defaults and
// validation.
type DefaultLoader struct {
	// EnvPath overrides DefaultEnvPath. A missing file is not an error.
	EnvPath string
}

// ReadConfig loads the configuration at path with the default loader.
func ReadConfig(path string) (*Config, error) {
	loader := &DefaultLoader{}
	return loader.Load(path)
}

// Load reads YAML from the given path, expands environment references,
// applies defaults, and validates.
func (l *DefaultLoader) Load(path string) (*Config, error) {
	envPath := l.EnvPath
	if envPath == "" {
		envPath = DefaultEnvPath
	}
	// godotenv never overrides variables that are already set.
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(errors.Cause(err)) {
		logger.CfgLog.Warnf("dotenv load skipped path=%s err=%v", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	return Parse(data)
}

// Parse decodes raw YAML into a Config, then applies defaults and validation.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal yaml")
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, errors.Wrap(err, "validate config")
	}
	return &cfg, nil
}

// Dump logs the effective configuration at debug level with secrets removed.
func Dump(cfg *Config) {
	if cfg == nil {
		return
	}
	redacted := *cfg
	redacted.Ami.Servers = make([]AmiServer, len(cfg.Ami.Servers))
	for index, server := range cfg.Ami.Servers {
		if server.Secret != "" {
			server.Secret = "***"
		}
		redacted.Ami.Servers[index] = server
	}
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "***"
	}
	if redacted.Storage.DSN != "" {
		redacted.Storage.DSN = "***"
	}

	dumper := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true, SortKeys: true}
	logger.CfgLog.Debugf("effective config:\n%s", dumper.Sdump(redacted))
}
