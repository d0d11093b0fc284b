// Package userpools replicates Cognito user pools: the pool itself, its
// app clients, groups, users and group memberships, in that order.
package userpools

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	log "github.com/sirupsen/logrus"

	"github.com/jbcom/envclone/pkg/pipeline"
)

// API is the slice of the Cognito client the store uses.
type API interface {
	ListUserPools(ctx context.Context, params *cip.ListUserPoolsInput, optFns ...func(*cip.Options)) (*cip.ListUserPoolsOutput, error)
	DescribeUserPool(ctx context.Context, params *cip.DescribeUserPoolInput, optFns ...func(*cip.Options)) (*cip.DescribeUserPoolOutput, error)
	CreateUserPool(ctx context.Context, params *cip.CreateUserPoolInput, optFns ...func(*cip.Options)) (*cip.CreateUserPoolOutput, error)
	ListUserPoolClients(ctx context.Context, params *cip.ListUserPoolClientsInput, optFns ...func(*cip.Options)) (*cip.ListUserPoolClientsOutput, error)
	DescribeUserPoolClient(ctx context.Context, params *cip.DescribeUserPoolClientInput, optFns ...func(*cip.Options)) (*cip.DescribeUserPoolClientOutput, error)
	CreateUserPoolClient(ctx context.Context, params *cip.CreateUserPoolClientInput, optFns ...func(*cip.Options)) (*cip.CreateUserPoolClientOutput, error)
	ListGroups(ctx context.Context, params *cip.ListGroupsInput, optFns ...func(*cip.Options)) (*cip.ListGroupsOutput, error)
	CreateGroup(ctx context.Context, params *cip.CreateGroupInput, optFns ...func(*cip.Options)) (*cip.CreateGroupOutput, error)
	ListUsers(ctx context.Context, params *cip.ListUsersInput, optFns ...func(*cip.Options)) (*cip.ListUsersOutput, error)
	AdminCreateUser(ctx context.Context, params *cip.AdminCreateUserInput, optFns ...func(*cip.Options)) (*cip.AdminCreateUserOutput, error)
	AdminGetUser(ctx context.Context, params *cip.AdminGetUserInput, optFns ...func(*cip.Options)) (*cip.AdminGetUserOutput, error)
	AdminListGroupsForUser(ctx context.Context, params *cip.AdminListGroupsForUserInput, optFns ...func(*cip.Options)) (*cip.AdminListGroupsForUserOutput, error)
	AdminAddUserToGroup(ctx context.Context, params *cip.AdminAddUserToGroupInput, optFns ...func(*cip.Options)) (*cip.AdminAddUserToGroupOutput, error)
}

var _ API = (*cip.Client)(nil)

const (
	listPoolsPageSize = 60
	customPrefix      = "custom:"
	subAttribute      = "sub"
)

// reservedSchema are standard attributes the provider manages on its own;
// passing them to CreateUserPool is rejected.
var reservedSchema = map[string]bool{
	"email":                 true,
	"phone_number":          true,
	"email_verified":        true,
	"phone_number_verified": true,
}

// Store replicates user pools.
type Store struct {
	source *pipeline.Client[API]
	target *pipeline.Client[API]

	customSub  bool
	visibility pipeline.VisibilityPolicy
}

var (
	_ pipeline.ResourceKind      = (*Store)(nil)
	_ pipeline.ExistingDescriber = (*Store)(nil)
)

// New creates a user pool store on the default regions of both accounts.
func New(source, target *pipeline.Account, cfg *pipeline.Config) *Store {
	build := func(c aws.Config) API { return cip.NewFromConfig(c) }
	return newStore(source, target, cfg, build, build)
}

func newStore(source, target *pipeline.Account, cfg *pipeline.Config, sourceAPI, targetAPI func(aws.Config) API) *Store {
	return &Store{
		source:     pipeline.NewClient(source.Session(""), sourceAPI),
		target:     pipeline.NewClient(target.Session(""), targetAPI),
		customSub:  cfg.Stores.Cognito.CustomSub,
		visibility: cfg.Visibility,
	}
}

func (s *Store) Name() string {
	return pipeline.KindUserPools
}

func (s *Store) List(ctx context.Context, token *string) ([]pipeline.Item, *string, error) {
	out, err := listPools(ctx, s.source, token)
	if err != nil {
		return nil, nil, err
	}
	items := make([]pipeline.Item, 0, len(out.UserPools))
	for _, p := range out.UserPools {
		items = append(items, pipeline.Item{ID: aws.ToString(p.Id), Name: aws.ToString(p.Name)})
	}
	return items, out.NextToken, nil
}

func listPools(ctx context.Context, c *pipeline.Client[API], token *string) (*cip.ListUserPoolsOutput, error) {
	var out *cip.ListUserPoolsOutput
	err := pipeline.Invoke(ctx, c, func(api API) error {
		var err error
		out, err = api.ListUserPools(ctx, &cip.ListUserPoolsInput{
			MaxResults: aws.Int32(listPoolsPageSize),
			NextToken:  token,
		})
		return err
	})
	return out, err
}

// Existing reports candidates whose target name is already used by a
// pool in the target account. Pool names are not unique, so replicating
// such a candidate creates a second pool of the same name.
func (s *Store) Existing(ctx context.Context, candidates []pipeline.Descriptor) ([]pipeline.Descriptor, error) {
	names := make(map[string]bool)
	var token *string
	for {
		out, err := listPools(ctx, s.target, token)
		if err != nil {
			return nil, fmt.Errorf("list target user pools: %w", err)
		}
		for _, p := range out.UserPools {
			names[aws.ToString(p.Name)] = true
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}

	var found []pipeline.Descriptor
	for _, d := range candidates {
		if names[d.TargetName] {
			found = append(found, d)
		}
	}
	return found, nil
}

// DescribeExisting tells the operator an existing pool is kept.
func (s *Store) DescribeExisting(d pipeline.Descriptor) string {
	return d.TargetName + " (a duplicate pool will be created)"
}

// Transfer copies the pool and everything in it. Clients, groups, users
// and memberships that fail are recorded as items; the pool itself and
// the listings are resource-level failures.
func (s *Store) Transfer(ctx context.Context, d pipeline.Descriptor, _ *pipeline.SnapshotHandle, items pipeline.ItemRecorder) error {
	l := log.WithFields(log.Fields{
		"action": "Transfer",
		"driver": "userpools",
		"source": d.SourceName,
		"target": d.TargetName,
	})

	poolID, err := s.createPool(ctx, d)
	if err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "create user pool", err)
	}
	l = l.WithField("targetPoolId", poolID)
	l.Info("User pool created")

	if err := s.copyClients(ctx, d.SourceID, poolID, items); err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "copy clients", err)
	}
	if err := s.copyGroups(ctx, d.SourceID, poolID, items); err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "copy groups", err)
	}
	users, err := s.copyUsers(ctx, d.SourceID, poolID, items)
	if err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "copy users", err)
	}
	if err := s.copyMemberships(ctx, d.SourceID, poolID, users, items); err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "copy memberships", err)
	}

	l.WithField("users", len(users)).Info("User pool copied")
	return nil
}

func (s *Store) createPool(ctx context.Context, d pipeline.Descriptor) (string, error) {
	var desc *cip.DescribeUserPoolOutput
	err := pipeline.Invoke(ctx, s.source, func(c API) error {
		var err error
		desc, err = c.DescribeUserPool(ctx, &cip.DescribeUserPoolInput{UserPoolId: aws.String(d.SourceID)})
		return err
	})
	if err != nil {
		return "", err
	}
	pool := desc.UserPool
	if pool == nil {
		return "", fmt.Errorf("user pool %s has no description", d.SourceID)
	}

	var out *cip.CreateUserPoolOutput
	err = pipeline.Invoke(ctx, s.target, func(c API) error {
		var err error
		out, err = c.CreateUserPool(ctx, &cip.CreateUserPoolInput{
			PoolName:               aws.String(d.TargetName),
			Policies:               pool.Policies,
			LambdaConfig:           pool.LambdaConfig,
			AutoVerifiedAttributes: pool.AutoVerifiedAttributes,
			Schema:                 filterSchema(pool.SchemaAttributes),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if out.UserPool == nil || out.UserPool.Id == nil {
		return "", fmt.Errorf("created pool %s has no id", d.TargetName)
	}
	return aws.ToString(out.UserPool.Id), nil
}

// filterSchema drops provider-managed attributes and strips the custom
// prefix, which CreateUserPool adds back on its own.
func filterSchema(attrs []types.SchemaAttributeType) []types.SchemaAttributeType {
	var out []types.SchemaAttributeType
	for _, a := range attrs {
		name := aws.ToString(a.Name)
		if reservedSchema[name] {
			continue
		}
		a.Name = aws.String(strings.TrimPrefix(name, customPrefix))
		out = append(out, a)
	}
	return out
}

func (s *Store) copyClients(ctx context.Context, sourcePool, targetPool string, items pipeline.ItemRecorder) error {
	var token *string
	for {
		var page *cip.ListUserPoolClientsOutput
		err := pipeline.Invoke(ctx, s.source, func(c API) error {
			var err error
			page, err = c.ListUserPoolClients(ctx, &cip.ListUserPoolClientsInput{
				UserPoolId: aws.String(sourcePool),
				NextToken:  token,
			})
			return err
		})
		if err != nil {
			return err
		}

		for _, summary := range page.UserPoolClients {
			name := aws.ToString(summary.ClientName)
			if err := s.copyClient(ctx, sourcePool, targetPool, aws.ToString(summary.ClientId)); err != nil {
				items.ItemFailed("client:"+name, err)
			}
		}

		if page.NextToken == nil || *page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

func (s *Store) copyClient(ctx context.Context, sourcePool, targetPool, clientID string) error {
	var desc *cip.DescribeUserPoolClientOutput
	err := pipeline.Invoke(ctx, s.source, func(c API) error {
		var err error
		desc, err = c.DescribeUserPoolClient(ctx, &cip.DescribeUserPoolClientInput{
			UserPoolId: aws.String(sourcePool),
			ClientId:   aws.String(clientID),
		})
		return err
	})
	if err != nil {
		return err
	}
	client := desc.UserPoolClient
	if client == nil {
		return fmt.Errorf("client %s has no description", clientID)
	}

	return pipeline.Invoke(ctx, s.target, func(c API) error {
		_, err := c.CreateUserPoolClient(ctx, &cip.CreateUserPoolClientInput{
			UserPoolId:           aws.String(targetPool),
			ClientName:           client.ClientName,
			GenerateSecret:       client.ClientSecret != nil,
			RefreshTokenValidity: client.RefreshTokenValidity,
			ReadAttributes:       client.ReadAttributes,
			WriteAttributes:      client.WriteAttributes,
			ExplicitAuthFlows:    client.ExplicitAuthFlows,
		})
		return err
	})
}

func (s *Store) copyGroups(ctx context.Context, sourcePool, targetPool string, items pipeline.ItemRecorder) error {
	var token *string
	for {
		var page *cip.ListGroupsOutput
		err := pipeline.Invoke(ctx, s.source, func(c API) error {
			var err error
			page, err = c.ListGroups(ctx, &cip.ListGroupsInput{
				UserPoolId: aws.String(sourcePool),
				NextToken:  token,
			})
			return err
		})
		if err != nil {
			return err
		}

		for _, g := range page.Groups {
			err := pipeline.Invoke(ctx, s.target, func(c API) error {
				_, err := c.CreateGroup(ctx, &cip.CreateGroupInput{
					UserPoolId:  aws.String(targetPool),
					GroupName:   g.GroupName,
					Description: g.Description,
					Precedence:  g.Precedence,
					RoleArn:     g.RoleArn,
				})
				return err
			})
			if err != nil {
				items.ItemFailed("group:"+aws.ToString(g.GroupName), err)
			}
		}

		if page.NextToken == nil || *page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

// copyUsers creates every user with the invitation suppressed and waits
// for each to become readable. It returns the users that are readable.
func (s *Store) copyUsers(ctx context.Context, sourcePool, targetPool string, items pipeline.ItemRecorder) ([]string, error) {
	var (
		visible []string
		token   *string
	)
	for {
		var page *cip.ListUsersOutput
		err := pipeline.Invoke(ctx, s.source, func(c API) error {
			var err error
			page, err = c.ListUsers(ctx, &cip.ListUsersInput{
				UserPoolId:      aws.String(sourcePool),
				PaginationToken: token,
			})
			return err
		})
		if err != nil {
			return visible, err
		}

		for _, u := range page.Users {
			username := aws.ToString(u.Username)
			if err := s.copyUser(ctx, targetPool, username, u.Attributes); err != nil {
				items.ItemFailed("user:"+username, err)
				continue
			}
			visible = append(visible, username)
		}

		if page.PaginationToken == nil || *page.PaginationToken == "" {
			return visible, nil
		}
		token = page.PaginationToken
	}
}

func (s *Store) copyUser(ctx context.Context, targetPool, username string, attrs []types.AttributeType) error {
	err := pipeline.Invoke(ctx, s.target, func(c API) error {
		_, err := c.AdminCreateUser(ctx, &cip.AdminCreateUserInput{
			UserPoolId:     aws.String(targetPool),
			Username:       aws.String(username),
			UserAttributes: s.userAttributes(attrs),
			MessageAction:  types.MessageActionTypeSuppress,
		})
		return err
	})
	if err != nil {
		return err
	}

	return pipeline.AwaitVisible(ctx, s.visibility, username, func(ctx context.Context) error {
		return pipeline.Invoke(ctx, s.target, func(c API) error {
			_, err := c.AdminGetUser(ctx, &cip.AdminGetUserInput{
				UserPoolId: aws.String(targetPool),
				Username:   aws.String(username),
			})
			return err
		})
	})
}

// userAttributes drops the provider-assigned sub, or keeps it under the
// custom prefix when configured to.
func (s *Store) userAttributes(attrs []types.AttributeType) []types.AttributeType {
	out := make([]types.AttributeType, 0, len(attrs))
	for _, a := range attrs {
		if aws.ToString(a.Name) == subAttribute {
			if !s.customSub {
				continue
			}
			a.Name = aws.String(customPrefix + subAttribute)
		}
		out = append(out, a)
	}
	return out
}

// copyMemberships links each copied user to the groups it belongs to in the source pool.
func (s *Store) copyMemberships(ctx context.Context, sourcePool, targetPool string, users []string, items pipeline.ItemRecorder) error {
	for _, username := range users {
		groups, err := s.groupsForUser(ctx, sourcePool, username)
		if err != nil {
			items.ItemFailed("membership:"+username, err)
			continue
		}
		for _, group := range groups {
			err := pipeline.Invoke(ctx, s.target, func(c API) error {
				_, err := c.AdminAddUserToGroup(ctx, &cip.AdminAddUserToGroupInput{
					UserPoolId: aws.String(targetPool),
					Username:   aws.String(username),
					GroupName:  aws.String(group),
				})
				return err
			})
			if err != nil {
				items.ItemFailed("membership:"+username+"/"+group, err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Store) groupsForUser(ctx context.Context, pool, username string) ([]string, error) {
	var (
		groups []string
		token  *string
	)
	for {
		var page *cip.AdminListGroupsForUserOutput
		err := pipeline.Invoke(ctx, s.source, func(c API) error {
			var err error
			page, err = c.AdminListGroupsForUser(ctx, &cip.AdminListGroupsForUserInput{
				UserPoolId: aws.String(pool),
				Username:   aws.String(username),
				NextToken:  token,
			})
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, g := range page.Groups {
			groups = append(groups, aws.ToString(g.GroupName))
		}
		if page.NextToken == nil || *page.NextToken == "" {
			return groups, nil
		}
		token = page.NextToken
	}
}
