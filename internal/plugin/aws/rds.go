package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/varmuus/internal/plugin"
	"github.com/yairfalse/varmuus/internal/scanerr"
	"github.com/yairfalse/varmuus/pkg/resource"
)

const serviceRDS = "rds"

// DatabaseSource lists RDS database instances.
type DatabaseSource struct {
	clients ClientFactory
}

func (s *DatabaseSource) Service() string     { return serviceRDS }
func (s *DatabaseSource) Scope() plugin.Scope { return plugin.Regional }

// Prepare lists the manual database snapshots in the region. The listing
// is best-effort: a failure is recorded on the facts and the unit goes on
// to list its instances.
func (s *DatabaseSource) Prepare(ctx context.Context, region string) (resource.UnitFacts, error) {
	snaps, err := manualSnapshots(ctx, s.clients.RDS(region), region)
	if err != nil {
		if plugin.Interrupted(err) {
			return resource.UnitFacts{}, err
		}
		log.Warn().Err(err).Str("region", region).Msg("manual db snapshots not listed")
		return resource.UnitFacts{ManualSnapshotsFailed: true}, nil
	}
	return resource.UnitFacts{ManualSnapshots: snaps}, nil
}

func manualSnapshots(ctx context.Context, client RDSAPI, region string) ([]resource.DBSnapshot, error) {
	input := &rds.DescribeDBSnapshotsInput{SnapshotType: aws.String("manual")}

	out, err := client.DescribeDBSnapshots(ctx, input)
	var snaps []resource.DBSnapshot
	for {
		if err != nil {
			return nil, fmt.Errorf("describe db snapshots: %w", err)
		}
		for _, sn := range out.DBSnapshots {
			snaps = append(snaps, convertDBSnapshot(region, sn))
		}
		if aws.ToString(out.Marker) == "" {
			return snaps, nil
		}
		input.Marker = out.Marker
		err = plugin.Call(ctx, "describe db snapshots", func(ctx context.Context) error {
			var callErr error
			out, callErr = client.DescribeDBSnapshots(ctx, input)
			return callErr
		})
	}
}

func convertDBSnapshot(region string, sn rdstypes.DBSnapshot) resource.DBSnapshot {
	created := ""
	if sn.SnapshotCreateTime != nil {
		created = sn.SnapshotCreateTime.UTC().Format(time.RFC3339)
	}
	return resource.DBSnapshot{
		SnapshotID: aws.ToString(sn.DBSnapshotIdentifier),
		DBInstance: aws.ToString(sn.DBInstanceIdentifier),
		Region:     region,
		CreatedAt:  created,
		Status:     aws.ToString(sn.Status),
		Engine:     aws.ToString(sn.Engine),
	}
}

// Page fetches one page of database instances.
func (s *DatabaseSource) Page(ctx context.Context, region, token string) (plugin.Page, error) {
	input := &rds.DescribeDBInstancesInput{}
	if token != "" {
		input.Marker = aws.String(token)
	}

	out, err := s.clients.RDS(region).DescribeDBInstances(ctx, input)
	if err != nil {
		return plugin.Page{}, fmt.Errorf("describe db instances: %w", err)
	}

	page := plugin.Page{Records: make([]resource.Record, 0, len(out.DBInstances))}
	for _, db := range out.DBInstances {
		rec, err := convertDBInstance(region, db)
		if err != nil {
			return plugin.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	page.NextToken = aws.ToString(out.Marker)
	return page, nil
}

func convertDBInstance(region string, db rdstypes.DBInstance) (resource.Record, error) {
	id := aws.ToString(db.DBInstanceIdentifier)
	if id == "" {
		return resource.Record{}, scanerr.Malformedf("describe db instances", "db instance without identifier in %s", region)
	}

	rec := newRecord(resource.KindDatabase, serviceRDS, region, id)
	rec.Database = &resource.DatabaseAttrs{
		Status:               aws.ToString(db.DBInstanceStatus),
		Engine:               aws.ToString(db.Engine),
		BackupRetentionDays:  aws.ToInt32(db.BackupRetentionPeriod),
		LatestRestorableTime: db.LatestRestorableTime,
	}
	return rec, nil
}
