package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hivetrap/hivetrap/logger"
	"github.com/hivetrap/hivetrap/util"

	"github.com/go-playground/validator/v10"
	"github.com/hjson/hjson-go/v4"
	"github.com/spf13/afero"
)

var Version string

const DefaultConfigPath = "./config.hjson"

var errReadingConfigFile = errors.New("encountered an error while reading the config file")

type (
	Config struct {
		Env       Env `json:"env" validate:"required"`
		HiveTrap
		Detection Detection `json:"detection" validate:"required"`
		Filtering Filtering `json:"filtering"`
		Lures     Lures     `json:"lures" validate:"required"`
	}

	// Env holds the deployment settings, one field per environment variable.
	// See env.go for the variable names and defaults.
	Env struct {
		HoneypotID            string        `json:"-" validate:"required"`
		APIKey                string        `json:"-"`
		APIEndpoint           string        `json:"-" validate:"required,url"`
		HeartbeatInterval     time.Duration `json:"-" validate:"gte=1s"`
		HeartbeatRetryCount   int           `json:"-" validate:"gte=0,lte=10"`
		HeartbeatRetryDelay   time.Duration `json:"-" validate:"gte=1s"`
		OfflineMode           bool          `json:"-"`
		ClearSpoolOnStart     bool          `json:"-"`
		MaxReportsPerIP       int           `json:"-" validate:"gte=1"`
		IPCacheTTL            time.Duration `json:"-" validate:"gte=1m"`
		StoreThrottledAttacks bool          `json:"-"`
		ReportUniqueTypesOnly bool          `json:"-"`
		ScanDuration          time.Duration `json:"-" validate:"gte=50ms,lte=10s"`
		LogDir                string        `json:"-" validate:"required"`
		KeysDir               string        `json:"-" validate:"required"`
		TLSCertFile           string        `json:"-"`
		TLSKeyFile            string        `json:"-"`
		RDNSEnabled           bool          `json:"-"`
		RDNSResolver          string        `json:"-" validate:"omitempty,hostname_port"`
		Modules               Modules       `json:"-"`
	}

	// Modules describes the protocol listeners. A disabled module is never
	// bound, an enabled one that fails to bind is reported as errored but
	// does not stop the rest.
	Modules struct {
		HTTP           Module
		HTTPS          Module
		SSH            Module
		FTP            Module
		SMTP           Module
		SMTPSubmission Module
		POP3           Module
		IMAP           Module
		MySQL          Module
	}

	Module struct {
		Enabled bool
		Port    int `validate:"required_if=Enabled true,omitempty,gte=1,lte=65535"`
	}

	HiveTrap struct {
		UpdateCheckEnabled bool `json:"update_check_enabled" validate:"boolean"`
	}

	// Detection holds the tunable pattern lists. The injection token sets
	// are part of the detection logic itself and are not configurable.
	Detection struct {
		SuspiciousEndpoints []string `json:"suspicious_endpoints" validate:"required,gt=0,dive,min=1"`
		ScannerUserAgents   []string `json:"scanner_user_agents" validate:"required,gt=0,dive,min=1"`
		SpamPhrases         []string `json:"spam_phrases" validate:"required,gt=0,dive,min=1"`
	}

	Filtering struct {
		// subnets do not need a validate tag because they are validated when they are unmarshalled
		NeverReportSubnets []util.Subnet `json:"never_report_subnets"`
	}

	// Lures are the fake service identities presented to clients.
	Lures struct {
		SSHBanner        string `json:"ssh_banner" validate:"required,ssh_version_banner"`
		MailHostname     string `json:"mail_hostname" validate:"required,fqdn"`
		FTPBanner        string `json:"ftp_banner" validate:"required"`
		HTTPServerHeader string `json:"http_server_header" validate:"required"`
		MySQLVersion     string `json:"mysql_version" validate:"required"`
	}
)

// ReadFileConfig attempts to read the config file at the specified path and
// returns a config object, using the default config if the file was unable to be read.
func ReadFileConfig(afs afero.Fs, path string) (*Config, error) {
	// read the config file
	contents, err := util.GetFileContents(afs, path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := unmarshal(contents, &cfg, nil); err != nil {
		return nil, fmt.Errorf("%w, located by default at '%s', please correct the issue in the config and try again:\n\t- %w", errReadingConfigFile, path, err)
	}

	return &cfg, nil
}

// LoadConfig returns the runtime config, reading the tuning file at path when
// it exists and falling back to the defaults otherwise. The environment is
// applied in both cases.
func LoadConfig(afs afero.Fs, path string) (*Config, error) {
	exists, err := afero.Exists(afs, path)
	if err != nil {
		return nil, err
	}

	if exists {
		return ReadFileConfig(afs, path)
	}

	cfg := GetDefaultConfig()
	if err := cfg.setEnv(); err != nil {
		return nil, fmt.Errorf("unable to set environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFromMemory reads the config from bytes already read into memory as opposed to reading from a file
// It also provides its own environment struct that must already be completely set
func ReadConfigFromMemory(data []byte, env Env) (*Config, error) {
	var cfg Config
	if err := unmarshal(data, &cfg, &env); err != nil {
		return nil, err
	}
	return &cfg, nil

}

// unmarshal unmarshals the data into the config struct, sets the environment variables, and validates the values
func unmarshal(data []byte, cfg *Config, env *Env) error {
	// unmarshal the JSON config file
	if err := hjson.Unmarshal(data, &cfg); err != nil {
		return err
	}

	// set the environment struct
	// this MUST be done before validating the values, because the
	// validation checks for the presence of the environment variables
	if env == nil {
		// set the environment variables from the actual environment
		if err := cfg.setEnv(); err != nil {
			return fmt.Errorf("unable to set environment: %w", err)
		}
	} else {
		// set the environment variables from the provided environment struct
		cfg.Env = *env
	}

	// validate values
	if err := cfg.Validate(); err != nil {
		return err
	}
	return nil
}

// UnmarshalJSON unmarshals the JSON bytes into the config struct
// overrides the default unmarshalling method to allow for custom parsing
func (c *Config) UnmarshalJSON(bytes []byte) error {
	// create temporary config struct to unmarshal into
	// not doing this would result in an infinite unmarshalling loop
	type tmpConfig Config
	defaultCfg := GetDefaultConfig()

	// set the default config to a variable of the temporary type
	tmpCfg := tmpConfig(defaultCfg)

	// unmarshal json into the default config struct
	err := hjson.Unmarshal(bytes, &tmpCfg)
	if err != nil {
		return err
	}

	// convert the temporary config struct to a config struct
	cfg := Config(tmpCfg)

	// clean up the never report subnets
	cfg.Filtering.NeverReportSubnets = util.CompactSubnets(cfg.Filtering.NeverReportSubnets)

	// set the new config values
	*c = cfg

	return nil
}

// GetDefaultConfig returns a Config object with default values
func GetDefaultConfig() Config {
	// set version to dev if not set
	if Version == "" {
		Version = "dev"
	}

	// set default config values
	cfg := defaultConfig()

	return cfg
}

// Reset resets the config values to default
// note: Env values are not reset
func (cfg *Config) Reset() error {
	// store the environment values before resetting
	env := cfg.Env

	// get the default config
	newConfig := GetDefaultConfig()

	*cfg = newConfig
	cfg.Env = env

	// validate the config struct
	if err := cfg.Validate(); err != nil {
		return err
	}

	return nil
}

// Validate validates the config struct values
func (cfg *Config) Validate() error {
	zlog := logger.GetLogger()
	zlog.Debug().Interface("config", cfg).Msg("validating config")

	// create a new validator
	validate, err := NewValidator()
	if err != nil {
		return err
	}

	// validate the config struct
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	return nil
}

// NewValidator creates a new validator with custom validation rules
func NewValidator() (*validator.Validate, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// the ssh library rejects server version strings that do not carry the
	// protocol prefix, catch that at config time instead of at bind time
	if err := v.RegisterValidation("ssh_version_banner", func(fl validator.FieldLevel) bool {
		value := fl.Field().Interface().(string)
		if !strings.HasPrefix(value, "SSH-2.0-") {
			return false
		}
		return len(value) <= 253 && !strings.ContainsAny(value, "\r\n")
	}); err != nil {
		return nil, err
	}

	// enabled modules must not share a port
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		value := sl.Current().Interface().(Modules)
		seen := make(map[int]string)
		for _, mod := range []struct {
			name   string
			module Module
		}{
			{"HTTP", value.HTTP},
			{"HTTPS", value.HTTPS},
			{"SSH", value.SSH},
			{"FTP", value.FTP},
			{"SMTP", value.SMTP},
			{"SMTPSubmission", value.SMTPSubmission},
			{"POP3", value.POP3},
			{"IMAP", value.IMAP},
			{"MySQL", value.MySQL},
		} {
			if !mod.module.Enabled {
				continue
			}
			if _, ok := seen[mod.module.Port]; ok {
				sl.ReportError(mod.module, mod.name, "Modules", "unique_module_ports", "")
			}
			seen[mod.module.Port] = mod.name
		}
	}, Modules{})

	return v, nil
}

// return a copy of the default config object
func defaultConfig() Config {
	return Config{
		HiveTrap: HiveTrap{
			UpdateCheckEnabled: true,
		},
		Detection: Detection{
			SuspiciousEndpoints: []string{
				"/admin",
				"/administrator",
				"/wp-admin",
				"/wp-login.php",
				"/xmlrpc.php",
				"/phpmyadmin",
				"/.git",
				"/.env",
				"/.aws",
				"/.ssh",
				"/id_rsa",
				"/config.php",
				"/configuration.php",
				"/backup",
				"/backup.sql",
				"/dump.sql",
				"/server-status",
				"/actuator",
				"/cgi-bin/",
				"/shell",
				"/etc/passwd",
			},
			ScannerUserAgents: []string{
				"sqlmap",
				"nikto",
				"nmap",
				"masscan",
				"zgrab",
				"gobuster",
				"dirbuster",
				"dirb",
				"wpscan",
				"nuclei",
				"acunetix",
				"openvas",
				"whatweb",
				"burpsuite",
			},
			SpamPhrases: []string{
				"viagra",
				"cialis",
				"free money",
				"lottery winner",
				"click here now",
				"limited time offer",
				"act now",
				"earn cash fast",
				"crypto investment",
				"hot singles",
				"miracle cure",
			},
		},
		Filtering: Filtering{
			NeverReportSubnets: []util.Subnet{},
		},
		Lures: Lures{
			SSHBanner:        "SSH-2.0-OpenSSH_8.2p1 Ubuntu-4ubuntu0.5",
			MailHostname:     "mail.hivetrap.example.com",
			FTPBanner:        "(vsFTPd 3.0.3)",
			HTTPServerHeader: "Apache/2.4.41 (Ubuntu)",
			MySQLVersion:     "8.0.28",
		},
	}
}
