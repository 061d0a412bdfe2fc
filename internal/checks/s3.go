package checks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

type s3API interface {
	ListBuckets(context.Context, *s3.ListBucketsInput, ...func(*s3.Options)) (*s3.ListBucketsOutput, error)
	GetBucketAcl(context.Context, *s3.GetBucketAclInput, ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
	GetBucketPolicy(context.Context, *s3.GetBucketPolicyInput, ...func(*s3.Options)) (*s3.GetBucketPolicyOutput, error)
	GetBucketEncryption(context.Context, *s3.GetBucketEncryptionInput, ...func(*s3.Options)) (*s3.GetBucketEncryptionOutput, error)
}

// S3Check audits buckets for public ACL grants, public bucket policies,
// and missing default encryption.
type S3Check struct {
	newClient func(aws.Config) s3API
}

func NewS3Check() *S3Check {
	return &S3Check{newClient: func(cfg aws.Config) s3API { return s3.NewFromConfig(cfg) }}
}

// NewS3CheckWithClient builds the check around an existing client.
func NewS3CheckWithClient(client s3API) *S3Check {
	return &S3Check{newClient: func(aws.Config) s3API { return client }}
}

func (c *S3Check) Name() string { return "S3" }

func (c *S3Check) Run(ctx context.Context, access credentials.ScopedAccess) ([]scan.RawFinding, error) {
	api := c.newClient(access.Config)

	buckets, err := api.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	var findings []scan.RawFinding
	for _, bucket := range buckets.Buckets {
		name := aws.ToString(bucket.Name)
		findings = append(findings, c.auditACL(ctx, api, name)...)
		findings = append(findings, c.auditPolicy(ctx, api, name)...)
		findings = append(findings, c.auditEncryption(ctx, api, name)...)
	}
	return findings, nil
}

func (c *S3Check) auditACL(ctx context.Context, api s3API, bucket string) []scan.RawFinding {
	acl, err := api.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(bucket)})
	if err != nil {
		return []scan.RawFinding{degraded("S3", bucket, "bucket ACL", err)}
	}
	for _, grant := range acl.Grants {
		if grant.Grantee == nil || grant.Grantee.Type != "Group" {
			continue
		}
		uri := aws.ToString(grant.Grantee.URI)
		if strings.Contains(uri, "AllUsers") || strings.Contains(uri, "AuthenticatedUsers") {
			return []scan.RawFinding{{
				Category:      "S3",
				Title:         fmt.Sprintf("Public S3 bucket: %s", bucket),
				Description:   fmt.Sprintf("S3 bucket '%s' has public access via ACL.", bucket),
				Severity:      scan.SeverityHigh,
				ResourceID:    bucket,
				Remediation:   fmt.Sprintf("Remove public ACL grants from bucket '%s'.", bucket),
				MappedControl: "ISO 27001 A.9.1.2",
			}}
		}
	}
	return nil
}

func (c *S3Check) auditPolicy(ctx context.Context, api s3API, bucket string) []scan.RawFinding {
	policy, err := api.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(bucket)})
	if err != nil {
		// A bucket without a policy is fine; a denied read is a gap.
		if hasErrorCode(err, "NoSuchBucketPolicy") {
			return nil
		}
		return []scan.RawFinding{degraded("S3", bucket, "bucket policy", err)}
	}
	if policyGrantsPublicAccess(aws.ToString(policy.Policy)) {
		return []scan.RawFinding{{
			Category:      "S3",
			Title:         fmt.Sprintf("Public S3 bucket via policy: %s", bucket),
			Description:   fmt.Sprintf("S3 bucket '%s' has a bucket policy that allows public access.", bucket),
			Severity:      scan.SeverityHigh,
			ResourceID:    bucket,
			Remediation:   fmt.Sprintf("Review and restrict bucket policy for '%s'.", bucket),
			MappedControl: "ISO 27001 A.9.1.2",
		}}
	}
	return nil
}

func (c *S3Check) auditEncryption(ctx context.Context, api s3API, bucket string) []scan.RawFinding {
	_, err := api.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(bucket)})
	if err == nil {
		return nil
	}
	if hasErrorCode(err, "ServerSideEncryptionConfigurationNotFoundError") {
		return []scan.RawFinding{{
			Category:      "S3",
			Title:         fmt.Sprintf("S3 bucket without encryption: %s", bucket),
			Description:   fmt.Sprintf("S3 bucket '%s' does not have default encryption enabled.", bucket),
			Severity:      scan.SeverityMedium,
			ResourceID:    bucket,
			Remediation:   fmt.Sprintf("Enable default encryption (SSE-S3 or SSE-KMS) for bucket '%s'.", bucket),
			MappedControl: "ISO 27001 A.10.1.1",
		}}
	}
	return []scan.RawFinding{degraded("S3", bucket, "bucket encryption", err)}
}

// policyGrantsPublicAccess reports whether any statement's principal is the
// wildcard, directly or through the AWS principal map.
func policyGrantsPublicAccess(policy string) bool {
	var doc struct {
		Statement []struct {
			Principal json.RawMessage `json:"Principal"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(policy), &doc); err != nil {
		return false
	}
	for _, stmt := range doc.Statement {
		if len(stmt.Principal) == 0 {
			continue
		}
		var literal string
		if err := json.Unmarshal(stmt.Principal, &literal); err == nil {
			if literal == "*" {
				return true
			}
			continue
		}
		var principal map[string]json.RawMessage
		if err := json.Unmarshal(stmt.Principal, &principal); err != nil {
			continue
		}
		if _, ok := principal["*"]; ok {
			return true
		}
		if awsPrincipal, ok := principal["AWS"]; ok && strings.Contains(string(awsPrincipal), `"*"`) {
			return true
		}
	}
	return false
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}
