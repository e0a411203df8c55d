package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the service reads from the environment. The OAuth
// client id/secret and the model API key are deliberately not here: those are
// managed through the admin panel and live in the secrets table.
type Config struct {
	Port         string `mapstructure:"port"`
	DatabasePath string `mapstructure:"database_path"`

	// TransientBucket receives short-lived upload objects passed to the
	// extraction call. Objects are deleted after processing.
	TransientBucket string `mapstructure:"transient_bucket"`

	// DriveFolderName is the well-known attachment folder in the delegated
	// Drive account. Resolved by search on every operation, never cached.
	DriveFolderName string `mapstructure:"drive_folder_name"`

	// LedgerFileName is the CSV ledger inside the attachment folder.
	LedgerFileName string `mapstructure:"ledger_file_name"`

	// ModelName is the generative model used for extraction.
	ModelName string `mapstructure:"model_name"`

	// TokenURL is the OAuth2 token endpoint. Overridable for tests.
	TokenURL string `mapstructure:"token_url"`

	// DriveEndpoint overrides the Drive API base URL. Empty means the
	// public endpoint. Overridable for tests.
	DriveEndpoint string `mapstructure:"drive_endpoint"`
}

// Load reads configuration from the environment, honoring a local .env file
// when one exists.
func Load() (*Config, error) {
	// Missing .env is the normal case in deployed environments.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("ledgerdrive")
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("database_path", "ledgerdrive.db")
	v.SetDefault("transient_bucket", "")
	v.SetDefault("drive_folder_name", "Dyad App Transaction Attachments")
	v.SetDefault("ledger_file_name", "transactions.csv")
	v.SetDefault("model_name", "gemini-1.5-flash")
	v.SetDefault("token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("drive_endpoint", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, nil
}
