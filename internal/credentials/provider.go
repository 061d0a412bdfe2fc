// Package credentials exchanges a tenant's declared role identity for
// temporary scoped AWS access via STS AssumeRole.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// sessionName identifies assumed-role sessions in the tenant's CloudTrail.
const sessionName = "S3ntraCSScan"

// ErrorKind classifies a failed credential exchange.
type ErrorKind string

const (
	KindMissingBaseCredentials ErrorKind = "missing-base-credentials"
	KindAccessDenied           ErrorKind = "access-denied"
	KindInvalidBaseCredentials ErrorKind = "invalid-base-credentials"
	KindUnknown                ErrorKind = "unknown"
)

// Error is a credential acquisition failure. The orchestrator treats any
// Error as scan-fatal.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("assume role (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ScopedAccess holds temporary role-derived credentials limited to one
// tenant's account, valid for the duration of one scan.
type ScopedAccess struct {
	Config  aws.Config
	Expires time.Time
}

type stsAPI interface {
	AssumeRole(context.Context, *sts.AssumeRoleInput, ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Provider exchanges role references for scoped access handles.
type Provider struct {
	region  string
	timeout time.Duration
	client  stsAPI
}

// Options configure a Provider.
type Options struct {
	Region string
	// Timeout bounds each AssumeRole exchange. Expiry is a credential
	// failure, not a generic context error.
	Timeout time.Duration
}

// New builds a Provider on the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Provider, error) {
	region := strings.TrimSpace(opts.Region)
	if region == "" {
		return nil, errors.New("aws region is required")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewWithClient(opts, sts.NewFromConfig(cfg)), nil
}

// NewWithClient builds a Provider around an existing STS client.
func NewWithClient(opts Options, client stsAPI) *Provider {
	return &Provider{
		region:  strings.TrimSpace(opts.Region),
		timeout: opts.Timeout,
		client:  client,
	}
}

// Assume exchanges the tenant role for temporary scoped credentials.
func (p *Provider) Assume(ctx context.Context, roleARN, externalID string) (ScopedAccess, error) {
	roleARN = strings.TrimSpace(roleARN)
	if roleARN == "" {
		return ScopedAccess{}, &Error{Kind: KindMissingBaseCredentials, Err: errors.New("tenant role arn is empty")}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	in := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(sessionName),
	}
	if externalID = strings.TrimSpace(externalID); externalID != "" {
		in.ExternalId = aws.String(externalID)
	}

	out, err := p.client.AssumeRole(ctx, in)
	if err != nil {
		return ScopedAccess{}, classify(err)
	}
	if out.Credentials == nil || out.Credentials.AccessKeyId == nil || out.Credentials.SecretAccessKey == nil {
		return ScopedAccess{}, &Error{Kind: KindUnknown, Err: errors.New("sts returned no credentials")}
	}

	creds := out.Credentials
	cfg := aws.Config{
		Region: p.region,
		Credentials: awscreds.NewStaticCredentialsProvider(
			aws.ToString(creds.AccessKeyId),
			aws.ToString(creds.SecretAccessKey),
			aws.ToString(creds.SessionToken),
		),
	}

	access := ScopedAccess{Config: cfg}
	if creds.Expiration != nil {
		access.Expires = *creds.Expiration
	}
	return access, nil
}

func classify(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindUnknown, Err: fmt.Errorf("credential exchange timed out: %w", err)}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException":
			return &Error{Kind: KindAccessDenied, Err: err}
		case "InvalidClientTokenId", "SignatureDoesNotMatch", "ExpiredToken", "UnrecognizedClientException":
			return &Error{Kind: KindInvalidBaseCredentials, Err: err}
		}
		return &Error{Kind: KindUnknown, Err: err}
	}

	if strings.Contains(err.Error(), "no EC2 IMDS role found") ||
		strings.Contains(err.Error(), "failed to retrieve credentials") {
		return &Error{Kind: KindMissingBaseCredentials, Err: err}
	}
	return &Error{Kind: KindUnknown, Err: err}
}
