// Package dynamotables replicates DynamoDB tables by restoring an on-demand
// backup of the source table into the target account.
package dynamotables

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	log "github.com/sirupsen/logrus"

	"github.com/jbcom/envclone/pkg/pipeline"
)

// API is the slice of the DynamoDB client the store uses.
type API interface {
	ListTables(ctx context.Context, params *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	CreateBackup(ctx context.Context, params *dynamodb.CreateBackupInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateBackupOutput, error)
	DescribeBackup(ctx context.Context, params *dynamodb.DescribeBackupInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeBackupOutput, error)
	ListBackups(ctx context.Context, params *dynamodb.ListBackupsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListBackupsOutput, error)
	RestoreTableFromBackup(ctx context.Context, params *dynamodb.RestoreTableFromBackupInput, optFns ...func(*dynamodb.Options)) (*dynamodb.RestoreTableFromBackupOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// maxDeleteAttempts bounds how often DeleteTable is re-issued on a busy table.
const maxDeleteAttempts = 3

// backupTimeFormat keeps backup names sortable and within the allowed charset.
const backupTimeFormat = "20060102150405"

// Store replicates tables through backup and restore.
type Store struct {
	source *pipeline.Client[API]
	target *pipeline.Client[API]

	useLatestBackup bool
	pollInterval    time.Duration
	deleteTimeout   time.Duration
	now             func() time.Time
}

var (
	_ pipeline.ResourceKind = (*Store)(nil)
	_ pipeline.Snapshotter  = (*Store)(nil)
)

// New creates a table store on the default regions of both accounts.
func New(source, target *pipeline.Account, cfg *pipeline.Config) *Store {
	build := func(c aws.Config) API { return dynamodb.NewFromConfig(c) }
	return newStore(source, target, cfg, build, build)
}

func newStore(source, target *pipeline.Account, cfg *pipeline.Config, sourceAPI, targetAPI func(aws.Config) API) *Store {
	return &Store{
		source:          pipeline.NewClient(source.Session(""), sourceAPI),
		target:          pipeline.NewClient(target.Session(""), targetAPI),
		useLatestBackup: cfg.Stores.DynamoDB.UseLatestBackup,
		pollInterval:    cfg.Pipeline.PollInterval,
		deleteTimeout:   cfg.Pipeline.DeleteTimeout,
		now:             time.Now,
	}
}

func (s *Store) Name() string {
	return pipeline.KindTables
}

func (s *Store) List(ctx context.Context, token *string) ([]pipeline.Item, *string, error) {
	var out *dynamodb.ListTablesOutput
	err := pipeline.Invoke(ctx, s.source, func(c API) error {
		var err error
		out, err = c.ListTables(ctx, &dynamodb.ListTablesInput{ExclusiveStartTableName: token})
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	items := make([]pipeline.Item, 0, len(out.TableNames))
	for _, name := range out.TableNames {
		items = append(items, pipeline.Item{ID: name, Name: name})
	}
	return items, out.LastEvaluatedTableName, nil
}

func (s *Store) Existing(ctx context.Context, candidates []pipeline.Descriptor) ([]pipeline.Descriptor, error) {
	var found []pipeline.Descriptor
	for _, d := range candidates {
		exists, err := s.targetExists(ctx, d.TargetName)
		if err != nil {
			return nil, fmt.Errorf("describe table %s: %w", d.TargetName, err)
		}
		if exists {
			found = append(found, d)
		}
	}
	return found, nil
}

// CreateSnapshot starts an on-demand backup, or picks the newest available
// one when configured to reuse backups.
func (s *Store) CreateSnapshot(ctx context.Context, d pipeline.Descriptor) (string, error) {
	l := log.WithFields(log.Fields{
		"action": "CreateSnapshot",
		"driver": "dynamotables",
		"table":  d.SourceName,
	})

	if s.useLatestBackup {
		arn, err := s.latestBackup(ctx, d.SourceName)
		if err != nil {
			return "", err
		}
		if arn != "" {
			l.WithField("backup", arn).Info("Reusing latest backup")
			return arn, nil
		}
		l.Info("No available backup, creating one")
	}

	name := fmt.Sprintf("%s-backup-%s", d.SourceName, s.now().UTC().Format(backupTimeFormat))
	var out *dynamodb.CreateBackupOutput
	err := pipeline.Invoke(ctx, s.source, func(c API) error {
		var err error
		out, err = c.CreateBackup(ctx, &dynamodb.CreateBackupInput{
			TableName:  aws.String(d.SourceName),
			BackupName: aws.String(name),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if out.BackupDetails == nil || out.BackupDetails.BackupArn == nil {
		return "", fmt.Errorf("backup %s returned no ARN", name)
	}
	return aws.ToString(out.BackupDetails.BackupArn), nil
}

func (s *Store) SnapshotStatus(ctx context.Context, _ pipeline.Descriptor, ref string) (pipeline.SnapshotStatus, error) {
	var out *dynamodb.DescribeBackupOutput
	err := pipeline.Invoke(ctx, s.source, func(c API) error {
		var err error
		out, err = c.DescribeBackup(ctx, &dynamodb.DescribeBackupInput{BackupArn: aws.String(ref)})
		return err
	})
	if err != nil {
		return "", err
	}
	if out.BackupDescription == nil || out.BackupDescription.BackupDetails == nil {
		return pipeline.SnapshotFailed, nil
	}
	return backupStatus(out.BackupDescription.BackupDetails.BackupStatus), nil
}

func backupStatus(s types.BackupStatus) pipeline.SnapshotStatus {
	switch s {
	case types.BackupStatusCreating:
		return pipeline.SnapshotInProgress
	case types.BackupStatusAvailable:
		return pipeline.SnapshotReady
	default:
		return pipeline.SnapshotFailed
	}
}

// latestBackup returns the newest AVAILABLE user backup of table, or "".
func (s *Store) latestBackup(ctx context.Context, table string) (string, error) {
	var (
		best    string
		bestAt  time.Time
		startAt *string
	)
	for {
		var out *dynamodb.ListBackupsOutput
		err := pipeline.Invoke(ctx, s.source, func(c API) error {
			var err error
			out, err = c.ListBackups(ctx, &dynamodb.ListBackupsInput{
				TableName:               aws.String(table),
				BackupType:              types.BackupTypeFilterUser,
				ExclusiveStartBackupArn: startAt,
			})
			return err
		})
		if err != nil {
			return "", err
		}

		for _, b := range out.BackupSummaries {
			if b.BackupStatus != types.BackupStatusAvailable || b.BackupCreationDateTime == nil {
				continue
			}
			if best == "" || b.BackupCreationDateTime.After(bestAt) {
				best = aws.ToString(b.BackupArn)
				bestAt = *b.BackupCreationDateTime
			}
		}

		if out.LastEvaluatedBackupArn == nil {
			return best, nil
		}
		startAt = out.LastEvaluatedBackupArn
	}
}

// Transfer deletes any existing target table, waits until it is gone and
// restores the snapshot under the target name.
func (s *Store) Transfer(ctx context.Context, d pipeline.Descriptor, snap *pipeline.SnapshotHandle, _ pipeline.ItemRecorder) error {
	l := log.WithFields(log.Fields{
		"action": "Transfer",
		"driver": "dynamotables",
		"source": d.SourceName,
		"target": d.TargetName,
	})

	if snap == nil || snap.Status != pipeline.SnapshotReady {
		return pipeline.NewError(pipeline.ErrorKindSnapshot, d.String(), "restore", fmt.Errorf("no ready backup"))
	}

	exists, err := s.targetExists(ctx, d.TargetName)
	if err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "describe target table", err)
	}
	if exists {
		l.Info("Deleting existing target table")
		if err := s.deleteTarget(ctx, d); err != nil {
			return err
		}
	}

	err = pipeline.Invoke(ctx, s.target, func(c API) error {
		_, err := c.RestoreTableFromBackup(ctx, &dynamodb.RestoreTableFromBackupInput{
			TargetTableName: aws.String(d.TargetName),
			BackupArn:       aws.String(snap.Ref),
		})
		return err
	})
	if err != nil {
		return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "restore table from backup", err)
	}

	l.WithField("backup", snap.Ref).Info("Restore started")
	return nil
}

// deleteTarget deletes the target table and waits until it is gone. A table
// that is still being created or updated, e.g. by the restore of an earlier
// run, is waited on until ACTIVE and the delete is re-issued.
func (s *Store) deleteTarget(ctx context.Context, d pipeline.Descriptor) error {
	l := log.WithFields(log.Fields{
		"action": "deleteTarget",
		"driver": "dynamotables",
		"table":  d.TargetName,
	})

	for attempt := 1; ; attempt++ {
		err := pipeline.Invoke(ctx, s.target, func(c API) error {
			_, err := c.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(d.TargetName)})
			return err
		})
		if err == nil || pipeline.Classify(err) == pipeline.ClassNotFound {
			break
		}
		if pipeline.Classify(err) != pipeline.ClassInUse {
			return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "delete target table", err)
		}

		status, exists, serr := s.targetStatus(ctx, d.TargetName)
		if serr != nil {
			return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "describe target table", serr)
		}
		if !exists || status == types.TableStatusDeleting {
			break
		}
		if attempt >= maxDeleteAttempts {
			return pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "delete target table",
				fmt.Errorf("table still %s after %d attempts: %w", status, attempt, err))
		}

		l.WithFields(log.Fields{
			"status":  status,
			"attempt": attempt,
		}).Info("Target table is busy, waiting for it to become ACTIVE")
		err = pipeline.Poll(ctx, s.pollInterval, s.deleteTimeout, d.String(), func(ctx context.Context) (bool, error) {
			status, exists, err := s.targetStatus(ctx, d.TargetName)
			if err != nil {
				return false, pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "await table active", err)
			}
			return !exists || status == types.TableStatusActive, nil
		})
		if err != nil {
			return err
		}
	}

	return pipeline.Poll(ctx, s.pollInterval, s.deleteTimeout, d.String(), func(ctx context.Context) (bool, error) {
		exists, err := s.targetExists(ctx, d.TargetName)
		if err != nil {
			return false, pipeline.NewError(pipeline.ErrorKindTransfer, d.String(), "await table deletion", err)
		}
		return !exists, nil
	})
}

func (s *Store) targetExists(ctx context.Context, table string) (bool, error) {
	_, exists, err := s.targetStatus(ctx, table)
	return exists, err
}

// targetStatus describes a target table. A missing table is not an error.
func (s *Store) targetStatus(ctx context.Context, table string) (types.TableStatus, bool, error) {
	var out *dynamodb.DescribeTableOutput
	err := pipeline.Invoke(ctx, s.target, func(c API) error {
		var err error
		out, err = c.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(table)})
		return err
	})
	if pipeline.Classify(err) == pipeline.ClassNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if out.Table == nil {
		return "", true, nil
	}
	return out.Table.TableStatus, true, nil
}
