package factory

import (
	"fmt"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
)

// Config is the top-level configuration loaded from config/callrater.yaml.
type Config struct {
	Info    InfoSection    `yaml:"info"`
	Ami     AmiSection     `yaml:"ami"`
	Tracker TrackerSection `yaml:"tracker"`
	Rating  RatingSection  `yaml:"rating"`
	Tenant  TenantSection  `yaml:"tenant"`
	Invoice InvoiceSection `yaml:"invoice"`
	Storage StorageSection `yaml:"storage"`
	Redis   RedisSection   `yaml:"redis"`
	HTTP    HTTPSection    `yaml:"http"`
	Logging LoggingSection `yaml:"logging"`
}

// ---------- info ----------

type InfoSection struct {
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// ---------- ami (PBX → callrater) ----------

type AmiSection struct {
	Servers            []AmiServer `yaml:"servers"`
	EventMask          string      `yaml:"eventMask"`          // e.g. "call,cdr"
	DialTimeoutSec     int         `yaml:"dialTimeoutSec"`     // TCP connect + login bound
	ReadTimeoutSec     int         `yaml:"readTimeoutSec"`     // idle read bound before a keepalive Ping
	ReconnectInitialMs int         `yaml:"reconnectInitialMs"` // first backoff step
	ReconnectMaxSec    int         `yaml:"reconnectMaxSec"`    // backoff ceiling
}

type AmiServer struct {
	Name     string `yaml:"name"`    // unique logical name, e.g. "pbx-a"
	Address  string `yaml:"address"` // e.g. "127.0.0.1:5038"
	Username string `yaml:"username"`
	Secret   string `yaml:"secret"`
}

func (section AmiSection) DialTimeout() time.Duration {
	return time.Duration(section.DialTimeoutSec) * time.Second
}

func (section AmiSection) ReadTimeout() time.Duration {
	return time.Duration(section.ReadTimeoutSec) * time.Second
}

func (section AmiSection) ReconnectInitial() time.Duration {
	return time.Duration(section.ReconnectInitialMs) * time.Millisecond
}

func (section AmiSection) ReconnectMax() time.Duration {
	return time.Duration(section.ReconnectMaxSec) * time.Second
}

// ---------- tracker ----------

type TrackerSection struct {
	DisableCallRecords bool `yaml:"disableCallRecords"` // PBX writes CDRs itself
	HangupRetentionSec int  `yaml:"hangupRetentionSec"` // how long finished calls stay as tombstones
	PurgeIntervalSec   int  `yaml:"purgeIntervalSec"`
}

func (section TrackerSection) HangupRetention() time.Duration {
	return time.Duration(section.HangupRetentionSec) * time.Second
}

// ---------- rating ----------

type RatingSection struct {
	Workers          int  `yaml:"workers"`
	BatchSize        int  `yaml:"batchSize"`
	SweepIntervalSec int  `yaml:"sweepIntervalSec"`
	LookbackDays     int  `yaml:"lookbackDays"` // 0 = no lower bound
	RateOnHangup     bool `yaml:"rateOnHangup"` // rate synthesized CDRs immediately
}

// ---------- tenant ----------

type TenantSection struct {
	ReconcileIntervalSec int `yaml:"reconcileIntervalSec"`
	BatchSize            int `yaml:"batchSize"`
}

// ---------- invoice ----------

type InvoiceSection struct {
	AutoGenerate        bool   `yaml:"autoGenerate"`
	GenerateIntervalSec int    `yaml:"generateIntervalSec"`
	OverdueIntervalSec  int    `yaml:"overdueIntervalSec"`
	Workers             int    `yaml:"workers"`
	DueDays             int    `yaml:"dueDays"`
	NumberPrefix        string `yaml:"numberPrefix"`
	Location            string `yaml:"location"` // IANA zone used for billing periods
	LockTTLSec          int    `yaml:"lockTtlSec"`
	WebhookURL          string `yaml:"webhookUrl"`
}

func (section InvoiceSection) LoadLocation() (*time.Location, error) {
	return time.LoadLocation(section.Location)
}

// ---------- storage ----------

type StorageSection struct {
	Driver  string `yaml:"driver"` // "memory" | "sqlite" | "mysql"
	DSN     string `yaml:"dsn"`
	Tracing bool   `yaml:"tracing"`
}

// ---------- redis ----------

type RedisSection struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ---------- http ----------

type HTTPSection struct {
	ListenAddr string `yaml:"listenAddr"` // e.g. "0.0.0.0:8090"
}

// ---------- logging ----------

type LoggingSection struct {
	Level        string `yaml:"level"` // "debug" | "info" | "warn" | "error"
	ReportCaller bool   `yaml:"reportCaller"`
}

// ---------- defaults ----------

func applyDefaults(cfg *Config) {
	// ami
	if strings.TrimSpace(cfg.Ami.EventMask) == "" {
		cfg.Ami.EventMask = "call,cdr"
	}
	if cfg.Ami.DialTimeoutSec <= 0 {
		cfg.Ami.DialTimeoutSec = 10
	}
	if cfg.Ami.ReadTimeoutSec <= 0 {
		cfg.Ami.ReadTimeoutSec = 30
	}
	if cfg.Ami.ReconnectInitialMs <= 0 {
		cfg.Ami.ReconnectInitialMs = 500
	}
	if cfg.Ami.ReconnectMaxSec <= 0 {
		cfg.Ami.ReconnectMaxSec = 30
	}
	for index := range cfg.Ami.Servers {
		if strings.TrimSpace(cfg.Ami.Servers[index].Name) == "" {
			cfg.Ami.Servers[index].Name = fmt.Sprintf("pbx-%d", index+1)
		}
	}
	// tracker
	if cfg.Tracker.HangupRetentionSec <= 0 {
		cfg.Tracker.HangupRetentionSec = 3600
	}
	if cfg.Tracker.PurgeIntervalSec <= 0 {
		cfg.Tracker.PurgeIntervalSec = 600
	}
	// rating
	if cfg.Rating.Workers <= 0 {
		cfg.Rating.Workers = 4
	}
	if cfg.Rating.BatchSize <= 0 {
		cfg.Rating.BatchSize = 1000
	}
	if cfg.Rating.SweepIntervalSec <= 0 {
		cfg.Rating.SweepIntervalSec = 60
	}
	if cfg.Rating.LookbackDays < 0 {
		cfg.Rating.LookbackDays = 0
	}
	// tenant
	if cfg.Tenant.ReconcileIntervalSec <= 0 {
		cfg.Tenant.ReconcileIntervalSec = 300
	}
	if cfg.Tenant.BatchSize <= 0 {
		cfg.Tenant.BatchSize = 1000
	}
	// invoice
	if cfg.Invoice.GenerateIntervalSec <= 0 {
		cfg.Invoice.GenerateIntervalSec = 3600
	}
	if cfg.Invoice.OverdueIntervalSec <= 0 {
		cfg.Invoice.OverdueIntervalSec = 3600
	}
	if cfg.Invoice.Workers <= 0 {
		cfg.Invoice.Workers = 4
	}
	if cfg.Invoice.DueDays <= 0 {
		cfg.Invoice.DueDays = 30
	}
	if strings.TrimSpace(cfg.Invoice.NumberPrefix) == "" {
		cfg.Invoice.NumberPrefix = "INV"
	}
	if strings.TrimSpace(cfg.Invoice.Location) == "" {
		cfg.Invoice.Location = "UTC"
	}
	if cfg.Invoice.LockTTLSec <= 0 {
		cfg.Invoice.LockTTLSec = 60
	}
	// storage
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "memory"
	}
	// redis
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Address) == "" {
		cfg.Redis.Address = "localhost:6379"
	}
	// http
	if strings.TrimSpace(cfg.HTTP.ListenAddr) == "" {
		cfg.HTTP.ListenAddr = "0.0.0.0:8090"
	}
	// logging
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
}

// ---------- Validate ----------

func validateConfig(cfg *Config) error {
	// ami.servers
	seen := make(map[string]struct{}, len(cfg.Ami.Servers))
	for index, server := range cfg.Ami.Servers {
		if _, ok := seen[server.Name]; ok {
			return fmt.Errorf("ami.servers[%d].name duplicated: %q", index, server.Name)
		}
		seen[server.Name] = struct{}{}

		if !govalidator.IsDialString(server.Address) {
			return fmt.Errorf("ami.servers[%d].address is invalid: %q", index, server.Address)
		}
		if strings.TrimSpace(server.Username) == "" {
			return fmt.Errorf("ami.servers[%d].username is empty", index)
		}
	}

	// invoice
	if _, err := cfg.Invoice.LoadLocation(); err != nil {
		return fmt.Errorf("invoice.location unknown: %q", cfg.Invoice.Location)
	}
	if cfg.Invoice.WebhookURL != "" && !govalidator.IsRequestURL(cfg.Invoice.WebhookURL) {
		return fmt.Errorf("invoice.webhookUrl is invalid: %q", cfg.Invoice.WebhookURL)
	}

	// storage
	switch cfg.Storage.Driver {
	case "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("storage.driver unsupported: %q", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver != "memory" && strings.TrimSpace(cfg.Storage.DSN) == "" {
		return fmt.Errorf("storage.dsn required for driver %q", cfg.Storage.Driver)
	}

	// redis
	if cfg.Redis.Enabled && !govalidator.IsDialString(cfg.Redis.Address) {
		return fmt.Errorf("redis.address is invalid: %q", cfg.Redis.Address)
	}

	// http
	if !govalidator.IsDialString(cfg.HTTP.ListenAddr) {
		return fmt.Errorf("http.listenAddr is invalid: %q", cfg.HTTP.ListenAddr)
	}

	// logging
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level unsupported: %q", cfg.Logging.Level)
	}
	return nil
}
