// Package pipeline provides the cross-account replication engine.
//
// Every remote call runs against one of two accounts: the source the
// resources are read from, and the target they are replicated into. Each
// account is reached through a role that the broker assumes on demand,
// producing short-lived credentials bound to a single region.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jbcom/envclone/internal/metrics"
)

// expiryWindow treats credentials as expired slightly before the remote side does.
const expiryWindow = 10 * time.Second

// CredentialSet is a temporary access grant for one account in one region.
type CredentialSet struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// Expired reports whether the set must no longer be used at now.
// A zero Expires never expires (ambient credentials).
func (c CredentialSet) Expired(now time.Time) bool {
	if c.Expires.IsZero() {
		return false
	}
	return !now.Before(c.Expires.Add(-expiryWindow))
}

// Broker exchanges a role identity for a fresh CredentialSet.
// Implementations must not cache: every call asks the remote side again.
type Broker interface {
	Obtain(ctx context.Context, roleARN, region string) (CredentialSet, error)
}

// BrokerFunc adapts a function to the Broker interface.
type BrokerFunc func(ctx context.Context, roleARN, region string) (CredentialSet, error)

func (f BrokerFunc) Obtain(ctx context.Context, roleARN, region string) (CredentialSet, error) {
	return f(ctx, roleARN, region)
}

// BrokerSettings are read from ENVCLONE_* environment variables.
type BrokerSettings struct {
	SessionName string        `envconfig:"SESSION_NAME" default:"envclone"`
	Duration    time.Duration `envconfig:"SESSION_DURATION" default:"1h"`
}

// LoadBrokerSettings reads BrokerSettings from the environment.
func LoadBrokerSettings() (BrokerSettings, error) {
	var s BrokerSettings
	if err := envconfig.Process("envclone", &s); err != nil {
		return s, fmt.Errorf("failed to read broker settings: %w", err)
	}
	return s, nil
}

// STSAPI is the slice of the STS client the broker uses.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

var _ STSAPI = (*sts.Client)(nil)

// STSBroker obtains credentials by assuming roles through STS.
type STSBroker struct {
	base      aws.Config
	settings  BrokerSettings
	newClient func(aws.Config) STSAPI
}

// NewSTSBroker creates a broker on top of the ambient credential chain
// (environment, shared profile, instance role).
func NewSTSBroker(ctx context.Context, region string, settings BrokerSettings) (*STSBroker, error) {
	base, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &STSBroker{
		base:     base,
		settings: settings,
		newClient: func(c aws.Config) STSAPI {
			return sts.NewFromConfig(c)
		},
	}, nil
}

// Base returns the ambient configuration the broker was built from.
func (b *STSBroker) Base() aws.Config {
	return b.base
}

// Obtain assumes roleARN for region. An empty roleARN returns the
// ambient credentials unchanged, for same-account runs.
func (b *STSBroker) Obtain(ctx context.Context, roleARN, region string) (CredentialSet, error) {
	l := log.WithFields(log.Fields{
		"action": "STSBroker.Obtain",
		"region": region,
	})

	if roleARN == "" {
		if b.base.Credentials == nil {
			return CredentialSet{}, NewError(ErrorKindAuthorization, "ambient", "retrieve credentials", fmt.Errorf("no credential provider configured"))
		}
		creds, err := b.base.Credentials.Retrieve(ctx)
		if err != nil {
			return CredentialSet{}, NewError(ErrorKindAuthorization, "ambient", "retrieve credentials", err)
		}
		set := CredentialSet{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
		}
		if creds.CanExpire {
			set.Expires = creds.Expires
		}
		return set, nil
	}

	cfg := b.base.Copy()
	cfg.Region = region
	client := b.newClient(cfg)

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName(b.settings.SessionName)),
	}
	if b.settings.Duration > 0 {
		input.DurationSeconds = aws.Int32(int32(b.settings.Duration.Seconds()))
	}

	out, err := client.AssumeRole(ctx, input)
	if err != nil {
		return CredentialSet{}, NewError(ErrorKindAuthorization, redactARN(roleARN), "assume role", err)
	}
	if out.Credentials == nil {
		return CredentialSet{}, NewError(ErrorKindAuthorization, redactARN(roleARN), "assume role", fmt.Errorf("no credentials returned"))
	}

	set := CredentialSet{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expires:         aws.ToTime(out.Credentials.Expiration),
	}
	l.WithField("expires", set.Expires).Debug("Assumed role")
	return set, nil
}

// sessionName keeps role session names unique per call and inside the 64 char limit.
func sessionName(prefix string) string {
	if prefix == "" {
		prefix = "envclone"
	}
	name := prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// redactARN extracts the type of identity from an ARN for safe logging
// without exposing role or user names.
func redactARN(arn string) string {
	parts := strings.Split(arn, ":")
	if len(parts) < 6 {
		return "unknown"
	}
	resource := parts[5]
	if idx := strings.Index(resource, "/"); idx > 0 {
		return parts[4] + ":" + resource[:idx]
	}
	return parts[4] + ":" + resource
}

// Account is one side of a replication run. It hands out one Session per
// region actually used.
type Account struct {
	Name    string
	RoleARN string
	Region  string

	broker  Broker
	base    aws.Config
	limiter *rate.Limiter

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewAccount binds a role to a broker. requestsPerSecond <= 0 disables
// client-side rate limiting.
func NewAccount(name string, cfg AccountConfig, broker Broker, base aws.Config, requestsPerSecond float64) *Account {
	a := &Account{
		Name:     name,
		RoleARN:  cfg.RoleARN,
		Region:   cfg.Region,
		broker:   broker,
		base:     base,
		sessions: make(map[string]*Session),
	}
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	}
	return a
}

// Session returns the session for region, creating it on first use.
// An empty region means the account's default region.
func (a *Account) Session(region string) *Session {
	if region == "" {
		region = a.Region
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[region]; ok {
		return s
	}
	s := &Session{account: a, Region: region}
	a.sessions[region] = s
	return s
}

// Session holds the current credentials for one account in one region.
type Session struct {
	account *Account
	Region  string

	mu         sync.Mutex
	creds      CredentialSet
	cfg        aws.Config
	generation int
	loaded     bool
	now        func() time.Time
}

func (s *Session) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Config returns a configuration carrying valid credentials and the
// generation they belong to. Expired credentials are replaced first.
func (s *Session) Config(ctx context.Context) (aws.Config, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && !s.creds.Expired(s.clock()) {
		return s.cfg, s.generation, nil
	}
	if err := s.obtainLocked(ctx); err != nil {
		return aws.Config{}, s.generation, err
	}
	return s.cfg, s.generation, nil
}

// Refresh re-obtains credentials unless another caller already replaced
// the generation observed as stale.
func (s *Session) Refresh(ctx context.Context, stale int) (aws.Config, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && s.generation != stale && !s.creds.Expired(s.clock()) {
		return s.cfg, s.generation, nil
	}
	metrics.CredentialRefreshes.WithLabelValues(s.account.Name).Inc()
	if err := s.obtainLocked(ctx); err != nil {
		return aws.Config{}, s.generation, err
	}
	return s.cfg, s.generation, nil
}

func (s *Session) obtainLocked(ctx context.Context) error {
	l := log.WithFields(log.Fields{
		"action":  "Session.obtain",
		"account": s.account.Name,
		"region":  s.Region,
	})

	creds, err := s.account.broker.Obtain(ctx, s.account.RoleARN, s.Region)
	if err != nil {
		if IsKind(err, ErrorKindAuthorization) {
			return err
		}
		return NewError(ErrorKindAuthorization, s.account.Name, "obtain credentials", err)
	}

	cfg := s.account.base.Copy()
	cfg.Region = s.Region
	cfg.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
	))

	s.creds = creds
	s.cfg = cfg
	s.generation++
	s.loaded = true
	l.WithField("generation", s.generation).Debug("Credentials obtained")
	return nil
}

func (s *Session) wait(ctx context.Context) error {
	if s.account.limiter == nil {
		return nil
	}
	return s.account.limiter.Wait(ctx)
}

// CallerIdentity contains STS GetCallerIdentity information.
type CallerIdentity struct {
	AccountID string
	ARN       string
	UserID    string
}

// OrganizationInfo contains AWS Organizations information.
type OrganizationInfo struct {
	ID                  string
	MasterAccountID     string
	IsManagementAccount bool
}

// AccountContext describes who a session is acting as.
type AccountContext struct {
	Name             string
	Region           string
	CallerIdentity   *CallerIdentity
	OrganizationInfo *OrganizationInfo
}

// DescribeAccount resolves the identity behind an account's default session.
func DescribeAccount(ctx context.Context, a *Account) (*AccountContext, error) {
	l := log.WithFields(log.Fields{
		"action":  "DescribeAccount",
		"account": a.Name,
	})

	cfg, _, err := a.Session("").Config(ctx)
	if err != nil {
		return nil, err
	}

	out, err := sts.NewFromConfig(cfg).GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, NewError(ErrorKindAuthorization, a.Name, "get caller identity", err)
	}

	ac := &AccountContext{
		Name:   a.Name,
		Region: a.Region,
		CallerIdentity: &CallerIdentity{
			AccountID: aws.ToString(out.Account),
			ARN:       aws.ToString(out.Arn),
			UserID:    aws.ToString(out.UserId),
		},
	}

	l.WithFields(log.Fields{
		"accountID":    ac.CallerIdentity.AccountID,
		"identityType": redactARN(ac.CallerIdentity.ARN),
	}).Info("AWS caller identity discovered")

	// Non-fatal - member accounts usually cannot describe the organization
	orgOut, err := organizations.NewFromConfig(cfg).DescribeOrganization(ctx, &organizations.DescribeOrganizationInput{})
	if err != nil {
		l.WithError(err).Debug("Could not describe organization")
		return ac, nil
	}
	if org := orgOut.Organization; org != nil {
		ac.OrganizationInfo = &OrganizationInfo{
			ID:                  aws.ToString(org.Id),
			MasterAccountID:     aws.ToString(org.MasterAccountId),
			IsManagementAccount: aws.ToString(org.MasterAccountId) == ac.CallerIdentity.AccountID,
		}
	}
	return ac, nil
}

// Summary renders the context for the terminal.
func (ac *AccountContext) Summary() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s account:\n", ac.Name))
	sb.WriteString(fmt.Sprintf("  Region: %s\n", ac.Region))
	if ac.CallerIdentity != nil {
		sb.WriteString(fmt.Sprintf("  Account ID: %s\n", ac.CallerIdentity.AccountID))
		sb.WriteString(fmt.Sprintf("  ARN: %s\n", ac.CallerIdentity.ARN))
	}
	if ac.OrganizationInfo != nil {
		sb.WriteString(fmt.Sprintf("  Organization ID: %s\n", ac.OrganizationInfo.ID))
		sb.WriteString(fmt.Sprintf("  Management Account: %s\n", ac.OrganizationInfo.MasterAccountID))
		if ac.OrganizationInfo.IsManagementAccount {
			sb.WriteString("  Role: Management Account ⚠️\n")
		} else {
			sb.WriteString("  Role: Member Account\n")
		}
	}
	return sb.String()
}
