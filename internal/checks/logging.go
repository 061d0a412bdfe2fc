package checks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

type cloudTrailAPI interface {
	DescribeTrails(context.Context, *cloudtrail.DescribeTrailsInput, ...func(*cloudtrail.Options)) (*cloudtrail.DescribeTrailsOutput, error)
	GetTrailStatus(context.Context, *cloudtrail.GetTrailStatusInput, ...func(*cloudtrail.Options)) (*cloudtrail.GetTrailStatusOutput, error)
}

// LoggingCheck audits CloudTrail: at least one trail must be logging, and
// the logging trails should capture global service events and span regions.
type LoggingCheck struct {
	newClient func(aws.Config) cloudTrailAPI
}

func NewLoggingCheck() *LoggingCheck {
	return &LoggingCheck{newClient: func(cfg aws.Config) cloudTrailAPI { return cloudtrail.NewFromConfig(cfg) }}
}

// NewLoggingCheckWithClient builds the check around an existing client.
func NewLoggingCheckWithClient(client cloudTrailAPI) *LoggingCheck {
	return &LoggingCheck{newClient: func(aws.Config) cloudTrailAPI { return client }}
}

func (c *LoggingCheck) Name() string { return "LOGGING" }

func (c *LoggingCheck) Run(ctx context.Context, access credentials.ScopedAccess) ([]scan.RawFinding, error) {
	api := c.newClient(access.Config)

	trails, err := api.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{})
	if err != nil {
		return nil, fmt.Errorf("describe trails: %w", err)
	}

	var findings []scan.RawFinding
	var logging, global, multiRegion int
	for _, trail := range trails.TrailList {
		name := aws.ToString(trail.Name)
		status, err := api.GetTrailStatus(ctx, &cloudtrail.GetTrailStatusInput{Name: trail.TrailARN})
		if err != nil {
			findings = append(findings, degraded("LOGGING", name, "CloudTrail trail status", err))
			continue
		}
		if !aws.ToBool(status.IsLogging) {
			continue
		}
		logging++
		if aws.ToBool(trail.IncludeGlobalServiceEvents) {
			global++
		}
		if aws.ToBool(trail.IsMultiRegionTrail) {
			multiRegion++
		}
	}

	if logging == 0 {
		findings = append(findings, scan.RawFinding{
			Category:      "LOGGING",
			Title:         "CloudTrail not enabled",
			Description:   "No CloudTrail trails are currently logging in this AWS account.",
			Severity:      scan.SeverityHigh,
			ResourceID:    "CloudTrail",
			Remediation:   "Enable CloudTrail logging for AWS account activity monitoring.",
			MappedControl: "ISO 27001 A.12.4.1",
		})
		return findings, nil
	}

	if global == 0 {
		findings = append(findings, scan.RawFinding{
			Category:      "LOGGING",
			Title:         "CloudTrail missing global service events",
			Description:   "CloudTrail trails are enabled but do not capture global service events.",
			Severity:      scan.SeverityMedium,
			ResourceID:    "CloudTrail",
			Remediation:   "Enable 'Include global service events' in CloudTrail configuration.",
			MappedControl: "ISO 27001 A.12.4.1",
		})
	}
	if multiRegion == 0 {
		findings = append(findings, scan.RawFinding{
			Category:      "LOGGING",
			Title:         "CloudTrail not multi-region",
			Description:   "No logging CloudTrail trail covers all regions; activity outside the home region is not captured.",
			Severity:      scan.SeverityMedium,
			ResourceID:    "CloudTrail",
			Remediation:   "Convert a trail to a multi-region trail or create one.",
			MappedControl: "ISO 27001 A.12.4.1",
		})
	}
	return findings, nil
}
