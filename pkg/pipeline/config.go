package pipeline

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jbcom/envclone/pkg/report"
	"github.com/jbcom/envclone/pkg/utils"
)

// Resource kind names accepted in configuration.
const (
	KindTables    = "tables"
	KindBuckets   = "buckets"
	KindUserPools = "userpools"
)

// KnownKinds lists every resource kind in replication order.
var KnownKinds = []string{KindUserPools, KindBuckets, KindTables}

// Config represents the replication run configuration
type Config struct {
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Source     AccountConfig    `mapstructure:"source" yaml:"source"`
	Target     AccountConfig    `mapstructure:"target" yaml:"target"`
	Kinds      []string         `mapstructure:"kinds" yaml:"kinds"`
	Exclude    []string         `mapstructure:"exclude" yaml:"exclude,omitempty"`
	Pipeline   PipelineSettings `mapstructure:"pipeline" yaml:"pipeline"`
	Visibility VisibilityPolicy `mapstructure:"visibility" yaml:"visibility"`
	Stores     StoresConfig     `mapstructure:"stores" yaml:"stores"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`
}

// LogConfig controls logging behavior
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AccountConfig identifies one side of the replication.
type AccountConfig struct {
	// AccountID is informational; when set it must match the role ARN.
	AccountID string `mapstructure:"account_id" yaml:"account_id,omitempty"`
	// RoleARN is assumed for every call. Empty uses ambient credentials.
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`
	Region  string `mapstructure:"region" yaml:"region"`
	Prefix  string `mapstructure:"prefix" yaml:"prefix"`
}

// PipelineSettings configures pipeline execution
type PipelineSettings struct {
	Parallelism       int           `mapstructure:"parallelism" yaml:"parallelism"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SnapshotTimeout   time.Duration `mapstructure:"snapshot_timeout" yaml:"snapshot_timeout"`
	DeleteTimeout     time.Duration `mapstructure:"delete_timeout" yaml:"delete_timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	DryRun            bool          `mapstructure:"dry_run" yaml:"dry_run"`
}

// StoresConfig carries per-kind settings.
type StoresConfig struct {
	DynamoDB DynamoDBStoreConfig `mapstructure:"dynamodb" yaml:"dynamodb"`
	S3       S3StoreConfig       `mapstructure:"s3" yaml:"s3"`
	Cognito  CognitoStoreConfig  `mapstructure:"cognito" yaml:"cognito"`
}

// DynamoDBStoreConfig configures table replication
type DynamoDBStoreConfig struct {
	// UseLatestBackup restores from the newest available backup instead of creating one.
	UseLatestBackup bool `mapstructure:"use_latest_backup" yaml:"use_latest_backup"`
}

// S3StoreConfig configures bucket replication
type S3StoreConfig struct {
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// CognitoStoreConfig configures user pool replication
type CognitoStoreConfig struct {
	// CustomSub copies the sub attribute as a user-defined attribute.
	CustomSub bool `mapstructure:"custom_sub" yaml:"custom_sub"`
}

// ReportConfig controls where the replication report goes
type ReportConfig struct {
	Path        string          `mapstructure:"path" yaml:"path"`
	MetricsPath string          `mapstructure:"metrics_path" yaml:"metrics_path,omitempty"`
	S3          *ReportS3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// ReportS3Config uploads a copy of the report to S3 with the target account's credentials
type ReportS3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	KMSKeyID string `mapstructure:"kms_key_id" yaml:"kms_key_id"`
}

// DefaultReportPath is relative to the working directory of the invocation.
const DefaultReportPath = report.DefaultFileName

// LoadConfig loads configuration from one or more files. Later files are
// overlaid onto earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file given")
	}

	docs := make([][]byte, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		docs = append(docs, data)
	}

	var data []byte
	if len(docs) == 1 {
		data = docs[0]
	} else {
		merged, err := utils.MergeYAML(docs...)
		if err != nil {
			return nil, fmt.Errorf("failed to merge config files: %w", err)
		}
		if data, err = yaml.Marshal(merged); err != nil {
			return nil, fmt.Errorf("failed to merge config files: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.expandEnvVars()
	cfg.applyDefaults()

	return &cfg, nil
}

// applyEnvOverrides lets ENVCLONE_* variables override file values,
// e.g. ENVCLONE_SOURCE_ROLE_ARN.
func (c *Config) applyEnvOverrides() {
	v := viper.New()
	v.SetEnvPrefix("ENVCLONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	strs := map[string]*string{
		"log.level":       &c.Log.Level,
		"log.format":      &c.Log.Format,
		"source.role_arn": &c.Source.RoleARN,
		"source.region":   &c.Source.Region,
		"source.prefix":   &c.Source.Prefix,
		"target.role_arn": &c.Target.RoleARN,
		"target.region":   &c.Target.Region,
		"target.prefix":   &c.Target.Prefix,
		"report.path":     &c.Report.Path,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	if v.IsSet("pipeline.parallelism") {
		c.Pipeline.Parallelism = v.GetInt("pipeline.parallelism")
	}
	if v.IsSet("pipeline.dry_run") {
		c.Pipeline.DryRun = v.GetBool("pipeline.dry_run")
	}
}

// applyDefaults sets default values for unset fields
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Source.Region == "" {
		c.Source.Region = "us-east-1"
	}
	if c.Target.Region == "" {
		c.Target.Region = c.Source.Region
	}
	if len(c.Kinds) == 0 {
		c.Kinds = append([]string(nil), KnownKinds...)
	}
	c.Kinds = normalizeKinds(c.Kinds)
	if c.Pipeline.Parallelism <= 0 {
		c.Pipeline.Parallelism = 4
	}
	if c.Pipeline.PollInterval <= 0 {
		c.Pipeline.PollInterval = 5 * time.Second
	}
	def := DefaultVisibilityPolicy()
	if c.Visibility == (VisibilityPolicy{}) {
		c.Visibility = def
	}
	if c.Visibility.Attempts <= 0 {
		c.Visibility.Attempts = def.Attempts
	}
	if c.Report.Path == "" {
		c.Report.Path = DefaultReportPath
	}
}

// normalizeKinds lower-cases, de-duplicates and orders kinds as KnownKinds.
func normalizeKinds(kinds []string) []string {
	want := make(map[string]bool, len(kinds))
	var unknown []string
	for _, k := range kinds {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if !want[k] && !isKnownKind(k) {
			unknown = append(unknown, k)
		}
		want[k] = true
	}
	var out []string
	for _, k := range KnownKinds {
		if want[k] {
			out = append(out, k)
		}
	}
	// unknown kinds are kept so Validate can report them
	return append(out, unknown...)
}

// SetKinds replaces the configured kinds, e.g. from a command line flag.
func (c *Config) SetKinds(kinds []string) {
	c.Kinds = normalizeKinds(kinds)
}

func isKnownKind(k string) bool {
	for _, known := range KnownKinds {
		if k == known {
			return true
		}
	}
	return false
}

// expandEnvVars expands ${VAR} patterns in config values
func (c *Config) expandEnvVars() {
	envPattern := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	const maxEnvValueLength = 10000

	expand := func(s string) string {
		return envPattern.ReplaceAllStringFunc(s, func(match string) string {
			varName := match[2 : len(match)-1]
			if val := os.Getenv(varName); val != "" {
				if len(val) > maxEnvValueLength {
					log.WithField("variable", varName).Warn("Environment variable value exceeds maximum length, keeping placeholder")
					return match
				}
				return val
			}
			return match
		})
	}

	c.Source.RoleARN = expand(c.Source.RoleARN)
	c.Source.AccountID = expand(c.Source.AccountID)
	c.Target.RoleARN = expand(c.Target.RoleARN)
	c.Target.AccountID = expand(c.Target.AccountID)
	if c.Report.S3 != nil {
		c.Report.S3.Bucket = expand(c.Report.S3.Bucket)
		c.Report.S3.KMSKeyID = expand(c.Report.S3.KMSKeyID)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	for name, acct := range map[string]AccountConfig{"source": c.Source, "target": c.Target} {
		if acct.Region == "" {
			return fmt.Errorf("%s.region is required", name)
		}
		if acct.RoleARN != "" && !strings.HasPrefix(acct.RoleARN, "arn:") {
			return fmt.Errorf("%s.role_arn %q is not an ARN", name, acct.RoleARN)
		}
		if acct.AccountID != "" {
			if !isValidAWSAccountID(acct.AccountID) {
				return fmt.Errorf("%s: invalid account_id format %q (must be 12 digits)", name, acct.AccountID)
			}
			if acct.RoleARN != "" && accountFromARN(acct.RoleARN) != acct.AccountID {
				return fmt.Errorf("%s: role_arn does not belong to account %s", name, acct.AccountID)
			}
		}
	}

	if c.Source.Prefix == "" {
		return fmt.Errorf("source.prefix is required")
	}

	// Replicating a resource onto itself would delete the source
	if c.Source.RoleARN == c.Target.RoleARN && c.Source.Region == c.Target.Region && c.Source.Prefix == c.Target.Prefix {
		return fmt.Errorf("source and target resolve to the same resources; change target.prefix, role_arn or region")
	}

	if len(c.Kinds) == 0 {
		return fmt.Errorf("at least one kind is required")
	}
	for _, k := range c.Kinds {
		if !isKnownKind(k) {
			return fmt.Errorf("unknown kind %q (expected one of %s)", k, strings.Join(KnownKinds, ", "))
		}
	}

	if c.Pipeline.SnapshotTimeout < 0 || c.Pipeline.DeleteTimeout < 0 {
		return fmt.Errorf("pipeline timeouts must not be negative")
	}
	if c.Pipeline.RequestsPerSecond < 0 {
		return fmt.Errorf("pipeline.requests_per_second must not be negative")
	}

	if c.Report.S3 != nil && c.Report.S3.Bucket == "" {
		return fmt.Errorf("report.s3.bucket is required")
	}

	return nil
}

// isValidAWSAccountID validates that an AWS account ID is exactly 12 digits
func isValidAWSAccountID(accountID string) bool {
	if len(accountID) != 12 {
		return false
	}
	for _, c := range accountID {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func accountFromARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 5 {
		return ""
	}
	return parts[4]
}

// HasKind reports whether kind is enabled.
func (c *Config) HasKind(kind string) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Filter returns the catalog filter for this run.
func (c *Config) Filter() Filter {
	return Filter{
		SourcePrefix: c.Source.Prefix,
		TargetPrefix: c.Target.Prefix,
		Exclude:      c.Exclude,
	}
}

// WriteConfig writes the configuration to a file
func (c *Config) WriteConfig(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ExampleConfig returns a starting point for `envclone init`.
func ExampleConfig() *Config {
	cfg := &Config{
		Source: AccountConfig{
			RoleARN: "arn:aws:iam::111111111111:role/OrganizationAccountAccessRole",
			Region:  "eu-west-1",
			Prefix:  "prod-",
		},
		Target: AccountConfig{
			RoleARN: "arn:aws:iam::222222222222:role/OrganizationAccountAccessRole",
			Region:  "eu-west-1",
			Prefix:  "stage-",
		},
	}
	cfg.applyDefaults()
	return cfg
}
