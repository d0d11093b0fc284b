// Package s3buckets replicates S3 buckets by copying every object into a
// bucket of the derived name in the target account.
package s3buckets

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	log "github.com/sirupsen/logrus"

	"github.com/jbcom/envclone/pkg/pipeline"
)

// API is the slice of the S3 client the store uses.
type API interface {
	ListBuckets(ctx context.Context, params *s3.ListBucketsInput, optFns ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketLocation(ctx context.Context, params *s3.GetBucketLocationInput, optFns ...func(*s3.Options)) (*s3.GetBucketLocationOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

const defaultRegion = "us-east-1"

// Store replicates buckets object by object. Every call is made in the
// bucket's own region.
type Store struct {
	source    *pipeline.Account
	target    *pipeline.Account
	build     func(aws.Config) API
	keyPrefix string

	mu      sync.Mutex
	clients map[string]*pipeline.Client[API]
	regions map[string]string
}

var _ pipeline.ResourceKind = (*Store)(nil)

// New creates a bucket store. optFns are applied to every S3 client.
func New(source, target *pipeline.Account, cfg *pipeline.Config, optFns ...func(*s3.Options)) *Store {
	return newStore(source, target, cfg, func(c aws.Config) API {
		return s3.NewFromConfig(c, optFns...)
	})
}

func newStore(source, target *pipeline.Account, cfg *pipeline.Config, build func(aws.Config) API) *Store {
	return &Store{
		source:    source,
		target:    target,
		build:     build,
		keyPrefix: cfg.Stores.S3.KeyPrefix,
		clients:   make(map[string]*pipeline.Client[API]),
		regions:   make(map[string]string),
	}
}

// client returns the cached client for an account in region.
func (s *Store) client(a *pipeline.Account, region string) *pipeline.Client[API] {
	if region == "" {
		region = a.Region
	}
	key := a.Name + "/" + region
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[key]; ok {
		return c
	}
	c := pipeline.NewClient(a.Session(region), s.build)
	s.clients[key] = c
	return c
}

func (s *Store) Name() string {
	return pipeline.KindBuckets
}

func (s *Store) List(ctx context.Context, token *string) ([]pipeline.Item, *string, error) {
	var out *s3.ListBucketsOutput
	err := pipeline.Invoke(ctx, s.client(s.source, ""), func(c API) error {
		var err error
		out, err = c.ListBuckets(ctx, &s3.ListBucketsInput{ContinuationToken: token})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	items := make([]pipeline.Item, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		name := aws.ToString(b.Name)
		region := aws.ToString(b.BucketRegion)
		if region != "" {
			s.rememberRegion(name, region)
		}
		items = append(items, pipeline.Item{ID: name, Name: name, Region: region})
	}
	return items, out.ContinuationToken, nil
}

func (s *Store) rememberRegion(bucket, region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions[bucket] = region
}

// region returns the source bucket's region, asking S3 when discovery did not say.
func (s *Store) region(ctx context.Context, d pipeline.Descriptor) (string, error) {
	if d.Region != "" {
		return d.Region, nil
	}
	s.mu.Lock()
	cached, ok := s.regions[d.SourceName]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	var out *s3.GetBucketLocationOutput
	err := pipeline.Invoke(ctx, s.client(s.source, ""), func(c API) error {
		var err error
		out, err = c.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(d.SourceName)})
		return err
	})
	if err != nil {
		return "", err
	}
	region := normalizeLocation(out.LocationConstraint)
	s.rememberRegion(d.SourceName, region)
	return region, nil
}

// normalizeLocation maps legacy location constraints to region names.
func normalizeLocation(loc types.BucketLocationConstraint) string {
	switch loc {
	case "":
		return defaultRegion
	case types.BucketLocationConstraintEu:
		return "eu-west-1"
	default:
		return string(loc)
	}
}

func (s *Store) Existing(ctx context.Context, candidates []pipeline.Descriptor) ([]pipeline.Descriptor, error) {
	var found []pipeline.Descriptor
	for _, d := range candidates {
		region, err := s.region(ctx, d)
		if err != nil {
			return nil, fmt.Errorf("locate bucket %s: %w", d.SourceName, err)
		}

		err = pipeline.Invoke(ctx, s.client(s.target, region), func(c API) error {
			_, err := c.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(d.TargetName)})
			return err
		})
		switch pipeline.Classify(err) {
		case pipeline.ClassNotFound:
			continue
		case pipeline.ClassAccessDenied:
			log.WithFields(log.Fields{
				"action": "Existing",
				"driver": "s3buckets",
				"bucket": d.TargetName,
			}).Warn("Target bucket name is taken by another account")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("head bucket %s: %w", d.TargetName, err)
		}
		found = append(found, d)
	}
	return found, nil
}

// Transfer creates the target bucket if needed and copies every object to
// the same key. A failed object is recorded and copying continues.
func (s *Store) Transfer(ctx context.Context, d pipeline.Descriptor, _ *pipeline.SnapshotHandle, items pipeline.ItemRecorder) error {
	region, err := s.region(ctx, d)
	if err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "locate source bucket", err)
	}

	l := log.WithFields(log.Fields{
		"action": "Transfer",
		"driver": "s3buckets",
		"source": d.SourceName,
		"target": d.TargetName,
		"region": region,
	})

	src := s.client(s.source, region)
	dst := s.client(s.target, region)

	if err := s.ensureBucket(ctx, dst, d.TargetName, region); err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "create target bucket", err)
	}

	var (
		copied, failed int
		token          *string
	)
	for {
		var page *s3.ListObjectsV2Output
		err := pipeline.Invoke(ctx, src, func(c API) error {
			in := &s3.ListObjectsV2Input{
				Bucket:            aws.String(d.SourceName),
				ContinuationToken: token,
			}
			if s.keyPrefix != "" {
				in.Prefix = aws.String(s.keyPrefix)
			}
			var err error
			page, err = c.ListObjectsV2(ctx, in)
			return err
		})
		if err != nil {
			return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "list objects", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			err := pipeline.Invoke(ctx, dst, func(c API) error {
				_, err := c.CopyObject(ctx, &s3.CopyObjectInput{
					Bucket:     aws.String(d.TargetName),
					Key:        aws.String(key),
					CopySource: aws.String(copySource(d.SourceName, key)),
				})
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "copy objects", ctx.Err())
				}
				items.ItemFailed(key, err)
				failed++
				continue
			}
			copied++
		}

		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			break
		}
		token = page.NextContinuationToken
	}

	l.WithFields(log.Fields{
		"copied": copied,
		"failed": failed,
	}).Info("Bucket copied")
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, c *pipeline.Client[API], bucket, region string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != defaultRegion {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	err := pipeline.Invoke(ctx, c, func(c API) error {
		_, err := c.CreateBucket(ctx, in)
		return err
	})
	if pipeline.Classify(err) == pipeline.ClassAlreadyOwned {
		return nil
	}
	return err
}

// copySource builds the CopySource header value. Each key segment is
// escaped separately so the separators survive.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segments, "/")
}
