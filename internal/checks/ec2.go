package checks

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

type ec2API interface {
	DescribeSecurityGroups(context.Context, *ec2.DescribeSecurityGroupsInput, ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	DescribeVolumes(context.Context, *ec2.DescribeVolumesInput, ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// riskyPorts are services that should never listen on the open internet,
// in ascending port order so per-rule findings come out stable.
var riskyPorts = []struct {
	port    int32
	service string
}{
	{21, "FTP"},
	{22, "SSH"},
	{23, "Telnet"},
	{1433, "SQL Server"},
	{3306, "MySQL"},
	{3389, "RDP"},
	{5432, "PostgreSQL"},
	{5984, "CouchDB"},
	{6379, "Redis"},
	{27017, "MongoDB"},
}

// EC2Check audits security groups for internet-open ingress and EBS
// volumes for missing encryption.
type EC2Check struct {
	newClient func(aws.Config) ec2API
}

func NewEC2Check() *EC2Check {
	return &EC2Check{newClient: func(cfg aws.Config) ec2API { return ec2.NewFromConfig(cfg) }}
}

// NewEC2CheckWithClient builds the check around an existing client.
func NewEC2CheckWithClient(client ec2API) *EC2Check {
	return &EC2Check{newClient: func(aws.Config) ec2API { return client }}
}

func (c *EC2Check) Name() string { return "EC2" }

func (c *EC2Check) Run(ctx context.Context, access credentials.ScopedAccess) ([]scan.RawFinding, error) {
	api := c.newClient(access.Config)

	findings, err := c.auditSecurityGroups(ctx, api)
	if err != nil {
		return nil, err
	}

	volumeFindings, err := c.auditVolumes(ctx, api)
	if err != nil {
		// Security group results stand on their own; a denied volume
		// listing degrades instead of discarding them.
		findings = append(findings, degraded("EC2", "EBS", "EBS volumes", err))
		return findings, nil
	}
	return append(findings, volumeFindings...), nil
}

func (c *EC2Check) auditSecurityGroups(ctx context.Context, api ec2API) ([]scan.RawFinding, error) {
	var findings []scan.RawFinding
	var nextToken *string
	for {
		page, err := api.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe security groups: %w", err)
		}
		for _, sg := range page.SecurityGroups {
			findings = append(findings, auditSecurityGroup(sg)...)
		}
		if page.NextToken == nil {
			break
		}
		nextToken = page.NextToken
	}
	return findings, nil
}

func auditSecurityGroup(sg ec2types.SecurityGroup) []scan.RawFinding {
	sgID := aws.ToString(sg.GroupId)
	sgName := aws.ToString(sg.GroupName)

	var findings []scan.RawFinding
	for _, rule := range sg.IpPermissions {
		openV4 := hasOpenIPv4Range(rule)
		openV6 := hasOpenIPv6Range(rule)
		if !openV4 && !openV6 {
			continue
		}

		if aws.ToString(rule.IpProtocol) == "-1" {
			if openV4 {
				findings = append(findings, openWorldFinding(sgID, sgName, "0.0.0.0/0", ""))
			}
			if openV6 {
				findings = append(findings, openWorldFinding(sgID, sgName, "::/0", " (IPv6)"))
			}
			continue
		}

		if rule.FromPort == nil || rule.ToPort == nil {
			continue
		}
		for _, rp := range riskyPorts {
			if *rule.FromPort > rp.port || rp.port > *rule.ToPort {
				continue
			}
			if openV4 {
				findings = append(findings, openPortFinding(sgID, sgName, rp.port, rp.service, "0.0.0.0/0", ""))
			}
			if openV6 {
				findings = append(findings, openPortFinding(sgID, sgName, rp.port, rp.service, "::/0", " (IPv6)"))
			}
		}
	}

	if len(sg.IpPermissions) == 0 {
		findings = append(findings, scan.RawFinding{
			Category:    "EC2",
			Title:       fmt.Sprintf("Security Group with no ingress rules: %s", sgID),
			Description: fmt.Sprintf("Security Group '%s' (%s) has no inbound rules. This may indicate a misconfiguration.", sgID, sgName),
			Severity:    scan.SeverityLow,
			ResourceID:  sgID,
			Remediation: fmt.Sprintf("Review Security Group '%s' - ensure it's intentional that no ingress rules exist.", sgID),
		})
	}
	return findings
}

func hasOpenIPv4Range(rule ec2types.IpPermission) bool {
	for _, r := range rule.IpRanges {
		if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
			return true
		}
	}
	return false
}

func hasOpenIPv6Range(rule ec2types.IpPermission) bool {
	for _, r := range rule.Ipv6Ranges {
		if aws.ToString(r.CidrIpv6) == "::/0" {
			return true
		}
	}
	return false
}

func openWorldFinding(sgID, sgName, cidr, suffix string) scan.RawFinding {
	return scan.RawFinding{
		Category:      "EC2",
		Title:         fmt.Sprintf("Security Group allows all inbound traffic%s: %s", suffix, sgID),
		Description:   fmt.Sprintf("Security Group '%s' (%s) allows all inbound traffic from the internet (%s).", sgID, sgName, cidr),
		Severity:      scan.SeverityCritical,
		ResourceID:    sgID,
		Remediation:   fmt.Sprintf("Restrict Security Group '%s' to specific IP ranges or VPC CIDR blocks only.", sgID),
		MappedControl: "ISO 27001 A.9.1.2",
	}
}

func openPortFinding(sgID, sgName string, port int32, service, cidr, suffix string) scan.RawFinding {
	return scan.RawFinding{
		Category:      "EC2",
		Title:         fmt.Sprintf("Security Group has %s (port %d) open to internet%s: %s", service, port, suffix, sgID),
		Description:   fmt.Sprintf("Security Group '%s' (%s) allows inbound %s traffic (port %d) from the internet (%s).", sgID, sgName, service, port, cidr),
		Severity:      scan.SeverityHigh,
		ResourceID:    sgID,
		Remediation:   fmt.Sprintf("Restrict port %d access in Security Group '%s' to specific IP ranges or remove the rule if not needed.", port, sgID),
		MappedControl: "ISO 27001 A.9.1.2",
	}
}

func (c *EC2Check) auditVolumes(ctx context.Context, api ec2API) ([]scan.RawFinding, error) {
	var findings []scan.RawFinding
	var nextToken *string
	for {
		page, err := api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe volumes: %w", err)
		}
		for _, volume := range page.Volumes {
			if aws.ToBool(volume.Encrypted) {
				continue
			}
			volumeID := aws.ToString(volume.VolumeId)
			findings = append(findings, scan.RawFinding{
				Category:      "EC2",
				Title:         fmt.Sprintf("Unencrypted EBS volume: %s", volumeID),
				Description:   fmt.Sprintf("EBS volume '%s' is not encrypted at rest.", volumeID),
				Severity:      scan.SeverityMedium,
				ResourceID:    volumeID,
				Remediation:   fmt.Sprintf("Snapshot volume '%s' and restore it with encryption enabled.", volumeID),
				MappedControl: "ISO 27001 A.10.1.1",
			})
		}
		if page.NextToken == nil {
			break
		}
		nextToken = page.NextToken
	}
	return findings, nil
}
