package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the main appliance configuration, loaded from YAML. Grounded on
// internal/daemon/config.go's Config/DefaultConfig shape, restructured into
// the nested sections the spec's configuration schema names.
type Config struct {
	SiteID        string   `yaml:"site_id"`
	NetworkRanges []string `yaml:"network_ranges"`

	Discovery struct {
		Enabled          bool `yaml:"enabled"`
		ScheduleHour     int  `yaml:"schedule_hour"`
		ScheduleMinute   int  `yaml:"schedule_minute"`
		StaleAgentMins   int  `yaml:"stale_agent_minutes"`
	} `yaml:"discovery"`

	Directory struct {
		Enabled          bool   `yaml:"enabled"`
		DomainController string `yaml:"domain_controller"`
		BaseDN           string `yaml:"base_dn"`
		Username         string `yaml:"username"`
		Password         string `yaml:"password"`
	} `yaml:"directory"`

	Portscan struct {
		Enabled     bool `yaml:"enabled"`
		TimeoutMS   int  `yaml:"timeout_ms"`
		Concurrency int  `yaml:"concurrency"`
	} `yaml:"portscan"`

	Schedule struct {
		DailyHour          int `yaml:"daily_hour"`
		DailyMinute        int `yaml:"daily_minute"`
		RetentionDayOfMonth int `yaml:"retention_day_of_month"`
		ReplicationMinutes int `yaml:"replication_minutes"`
		LearningMinutes    int `yaml:"learning_minutes"`
		IncidentRetentionDays int `yaml:"incident_retention_days"`
	} `yaml:"schedule"`

	API struct {
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		MTLSEnabled bool   `yaml:"mtls_enabled"`
	} `yaml:"api"`

	Paths struct {
		DB            string `yaml:"db"`
		Credentials   string `yaml:"credentials"`
		EvidenceDir   string `yaml:"evidence_dir"`
		RunbooksDir   string `yaml:"runbooks_dir"`
		RulesDir      string `yaml:"rules_dir"`
		SigningKey    string `yaml:"signing_key"`
		SSHKnownHosts string `yaml:"ssh_known_hosts"`
		CADir         string `yaml:"ca_dir"`
	} `yaml:"paths"`

	Central struct {
		URL    string `yaml:"url"`
		SiteID string `yaml:"site_id"`
		APIKey string `yaml:"api_key"`
	} `yaml:"central"`

	WORM struct {
		Enabled             bool   `yaml:"enabled"`
		Mode                string `yaml:"mode"` // proxy | direct
		RetentionDays       int    `yaml:"retention_days"`
		MaxRetries          int    `yaml:"max_retries"`
		BatchSize           int    `yaml:"batch_size"`
		AutoUpload          bool   `yaml:"auto_upload"`
		ObjectStoreEndpoint string `yaml:"object_store_endpoint"`
		Bucket              string `yaml:"bucket"`
	} `yaml:"worm"`

	ExcludeMedicalByDefault bool `yaml:"exclude_medical_by_default"`

	Healing struct {
		Level1Enabled           bool    `yaml:"level1_enabled"`
		Level2Enabled           bool    `yaml:"level2_enabled"`
		Level3Enabled           bool    `yaml:"level3_enabled"`
		LearningEnabled         bool    `yaml:"learning_enabled"`
		FlapThreshold           int     `yaml:"flap_threshold"`
		FlapWindowMinutes       int     `yaml:"flap_window_minutes"`
		PromotionMinOccurrences int     `yaml:"promotion_min_occurrences"`
		PromotionMinL2          int     `yaml:"promotion_min_l2"`
		PromotionMinSuccess     float64 `yaml:"promotion_min_success"`
	} `yaml:"healing"`

	Safety struct {
		CooldownSeconds         int `yaml:"cooldown_seconds"`
		ClientHourly            int `yaml:"client_hourly"`
		GlobalHourly            int `yaml:"global_hourly"`
		CircuitFailureThreshold int `yaml:"circuit_failure_threshold"`
		CircuitTimeoutSeconds   int `yaml:"circuit_timeout"`
	} `yaml:"safety"`
}

// DefaultConfig returns a Config with the spec's stated defaults.
func DefaultConfig() Config {
	var c Config
	c.Discovery.Enabled = true
	c.Discovery.ScheduleHour = 2
	c.Discovery.StaleAgentMins = 15
	c.Portscan.Enabled = true
	c.Portscan.TimeoutMS = 500
	c.Portscan.Concurrency = 64
	c.Schedule.DailyHour = 2
	c.Schedule.RetentionDayOfMonth = 1
	c.Schedule.ReplicationMinutes = 15
	c.Schedule.LearningMinutes = 60
	c.Schedule.IncidentRetentionDays = 90
	c.API.Host = "127.0.0.1"
	c.API.Port = 8443
	c.Paths.DB = "/var/lib/msp/inventory.db"
	c.Paths.Credentials = "/etc/msp/credentials.yaml"
	c.Paths.EvidenceDir = "/var/lib/msp/evidence"
	c.Paths.RunbooksDir = "/etc/msp/runbooks"
	c.Paths.RulesDir = "/etc/msp/rules"
	c.Paths.SigningKey = "/var/lib/msp/signing.key"
	c.Paths.SSHKnownHosts = "/var/lib/msp/ssh_known_hosts"
	c.Paths.CADir = "/var/lib/msp/ca"
	c.WORM.Enabled = true
	c.WORM.Mode = "proxy"
	c.WORM.RetentionDays = 2555
	c.WORM.MaxRetries = 5
	c.WORM.BatchSize = 50
	c.WORM.AutoUpload = true
	c.ExcludeMedicalByDefault = true
	c.Healing.Level1Enabled = true
	c.Healing.Level2Enabled = true
	c.Healing.Level3Enabled = true
	c.Healing.LearningEnabled = true
	c.Healing.FlapThreshold = 3
	c.Healing.FlapWindowMinutes = 120
	c.Healing.PromotionMinOccurrences = 5
	c.Healing.PromotionMinL2 = 3
	c.Healing.PromotionMinSuccess = 0.9
	c.Safety.CooldownSeconds = 300
	c.Safety.ClientHourly = 100
	c.Safety.GlobalHourly = 1000
	c.Safety.CircuitFailureThreshold = 5
	c.Safety.CircuitTimeoutSeconds = 60
	return c
}

// LoadConfig reads and parses the main configuration file, applying
// defaults for anything left unset.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// exclude_medical_by_default is enforced true regardless of file content (I1).
	cfg.ExcludeMedicalByDefault = true
	return cfg, nil
}

// Credentials holds secrets kept out of the main configuration file to
// contain blast radius if it leaks (directory bind password, central
// command API key, L2 provider API key).
type Credentials struct {
	DirectoryPassword string `yaml:"directory_password"`
	CentralAPIKey     string `yaml:"central_api_key"`
	L2APIKey          string `yaml:"l2_api_key"`
}

// LoadCredentials reads the separate credentials file.
func LoadCredentials(path string) (Credentials, error) {
	var c Credentials
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read credentials: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse credentials: %w", err)
	}
	return c, nil
}
