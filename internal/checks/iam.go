package checks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	"github.com/whoismuhd/S3NTRACS/internal/credentials"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// staleKeyAge is how old an active access key may be before it is flagged.
const staleKeyAge = 90 * 24 * time.Hour

type iamAPI interface {
	ListUsers(context.Context, *iam.ListUsersInput, ...func(*iam.Options)) (*iam.ListUsersOutput, error)
	ListMFADevices(context.Context, *iam.ListMFADevicesInput, ...func(*iam.Options)) (*iam.ListMFADevicesOutput, error)
	ListAttachedUserPolicies(context.Context, *iam.ListAttachedUserPoliciesInput, ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	ListUserPolicies(context.Context, *iam.ListUserPoliciesInput, ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	GetUserPolicy(context.Context, *iam.GetUserPolicyInput, ...func(*iam.Options)) (*iam.GetUserPolicyOutput, error)
	ListAccessKeys(context.Context, *iam.ListAccessKeysInput, ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
}

// IAMCheck audits IAM users: missing MFA, administrator-level policies,
// and stale active access keys.
type IAMCheck struct {
	newClient func(aws.Config) iamAPI
	now       func() time.Time
}

func NewIAMCheck() *IAMCheck {
	return &IAMCheck{
		newClient: func(cfg aws.Config) iamAPI { return iam.NewFromConfig(cfg) },
		now:       time.Now,
	}
}

// NewIAMCheckWithClient builds the check around an existing client.
func NewIAMCheckWithClient(client iamAPI, now func() time.Time) *IAMCheck {
	if now == nil {
		now = time.Now
	}
	return &IAMCheck{
		newClient: func(aws.Config) iamAPI { return client },
		now:       now,
	}
}

func (c *IAMCheck) Name() string { return "IAM" }

func (c *IAMCheck) Run(ctx context.Context, access credentials.ScopedAccess) ([]scan.RawFinding, error) {
	api := c.newClient(access.Config)

	var findings []scan.RawFinding
	var marker *string
	for {
		page, err := api.ListUsers(ctx, &iam.ListUsersInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list users: %w", err)
		}
		for _, user := range page.Users {
			findings = append(findings, c.auditUser(ctx, api, aws.ToString(user.UserName), aws.ToString(user.Arn))...)
		}
		if !page.IsTruncated {
			break
		}
		marker = page.Marker
	}
	return findings, nil
}

func (c *IAMCheck) auditUser(ctx context.Context, api iamAPI, username, userARN string) []scan.RawFinding {
	var findings []scan.RawFinding

	mfa, err := api.ListMFADevices(ctx, &iam.ListMFADevicesInput{UserName: aws.String(username)})
	switch {
	case err != nil:
		findings = append(findings, degraded("IAM", userARN, "IAM user MFA devices", err))
	case len(mfa.MFADevices) == 0:
		findings = append(findings, scan.RawFinding{
			Category:      "IAM",
			Title:         fmt.Sprintf("IAM user without MFA: %s", username),
			Description:   fmt.Sprintf("The IAM user '%s' does not have MFA enabled.", username),
			Severity:      scan.SeverityHigh,
			ResourceID:    userARN,
			Remediation:   fmt.Sprintf("Enable MFA for user '%s' using AWS Console or CLI.", username),
			MappedControl: "ISO 27001 A.9.4.3",
		})
	}

	findings = append(findings, c.auditUserPolicies(ctx, api, username, userARN)...)
	findings = append(findings, c.auditAccessKeys(ctx, api, username, userARN)...)
	return findings
}

func (c *IAMCheck) auditUserPolicies(ctx context.Context, api iamAPI, username, userARN string) []scan.RawFinding {
	var findings []scan.RawFinding

	attached, err := api.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(username)})
	if err != nil {
		return append(findings, degraded("IAM", userARN, "IAM user policies", err))
	}
	for _, policy := range attached.AttachedPolicies {
		if aws.ToString(policy.PolicyName) == "AdministratorAccess" {
			findings = append(findings, scan.RawFinding{
				Category:      "IAM",
				Title:         fmt.Sprintf("IAM user with AdministratorAccess: %s", username),
				Description:   fmt.Sprintf("The IAM user '%s' has AdministratorAccess policy attached.", username),
				Severity:      scan.SeverityHigh,
				ResourceID:    userARN,
				Remediation:   "Apply principle of least privilege. Remove AdministratorAccess and grant specific permissions.",
				MappedControl: "ISO 27001 A.9.2.2",
			})
			break
		}
	}

	inline, err := api.ListUserPolicies(ctx, &iam.ListUserPoliciesInput{UserName: aws.String(username)})
	if err != nil {
		return append(findings, degraded("IAM", userARN, "IAM user policies", err))
	}
	for _, policyName := range inline.PolicyNames {
		doc, err := api.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
			UserName:   aws.String(username),
			PolicyName: aws.String(policyName),
		})
		if err != nil {
			findings = append(findings, degraded("IAM", userARN, "IAM user policies", err))
			continue
		}
		if policyAllowsEverything(aws.ToString(doc.PolicyDocument)) {
			findings = append(findings, scan.RawFinding{
				Category:      "IAM",
				Title:         fmt.Sprintf("IAM user with overly permissive inline policy: %s", username),
				Description:   fmt.Sprintf("The IAM user '%s' has an inline policy that may be overly permissive.", username),
				Severity:      scan.SeverityMedium,
				ResourceID:    userARN,
				Remediation:   "Review and restrict inline policy permissions.",
				MappedControl: "ISO 27001 A.9.2.2",
			})
			break
		}
	}
	return findings
}

func (c *IAMCheck) auditAccessKeys(ctx context.Context, api iamAPI, username, userARN string) []scan.RawFinding {
	keys, err := api.ListAccessKeys(ctx, &iam.ListAccessKeysInput{UserName: aws.String(username)})
	if err != nil {
		return []scan.RawFinding{degraded("IAM", userARN, "IAM access keys", err)}
	}

	var findings []scan.RawFinding
	for _, key := range keys.AccessKeyMetadata {
		if key.Status != "Active" || key.CreateDate == nil {
			continue
		}
		if c.now().Sub(*key.CreateDate) > staleKeyAge {
			keyID := aws.ToString(key.AccessKeyId)
			findings = append(findings, scan.RawFinding{
				Category:      "IAM",
				Title:         fmt.Sprintf("Stale IAM access key: %s", keyID),
				Description:   fmt.Sprintf("Access key '%s' for user '%s' is active and older than 90 days.", keyID, username),
				Severity:      scan.SeverityMedium,
				ResourceID:    keyID,
				Remediation:   fmt.Sprintf("Rotate access key '%s' for user '%s'.", keyID, username),
				MappedControl: "ISO 27001 A.9.2.4",
			})
		}
	}
	return findings
}

// policyAllowsEverything is a shallow screen for wildcard-everything inline
// policies; a full policy evaluation is out of scope for this check.
func policyAllowsEverything(doc string) bool {
	if strings.Contains(doc, "AdministratorAccess") {
		return true
	}
	return strings.Contains(doc, `"Effect": "Allow"`) && strings.Contains(doc, `"Action": "*"`) ||
		strings.Contains(doc, `"Effect":"Allow"`) && strings.Contains(doc, `"Action":"*"`)
}
