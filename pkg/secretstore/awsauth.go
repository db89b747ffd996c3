package secretstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

const stsRequestBody = "Action=GetCallerIdentity&Version=2011-06-15"

// authenticateAWSIAM logs in with the aws-iam method: a GetCallerIdentity
// request is built and SigV4-signed locally, then handed to the backend,
// which replays it against STS to prove the caller's identity. No AWS
// credentials ever reach the backend, only the signed request.
func (c *Client) authenticateAWSIAM(ctx context.Context) error {
	region := c.config.STSRegion
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("failed to load AWS configuration: %v", err),
		}
	}

	// Preflight: resolve the caller identity locally so a missing or
	// expired credential chain fails with a clear message instead of an
	// opaque backend rejection.
	stsClient := sts.NewFromConfig(cfg)
	identity, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("failed to resolve AWS caller identity: %v", err),
		}
	}
	if identity.Arn != nil {
		c.logger.Debug("authenticating as AWS principal %s", *identity.Arn)
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("failed to retrieve AWS credentials: %v", err),
		}
	}

	stsURL := fmt.Sprintf("https://sts.%s.amazonaws.com/", region)
	req, err := http.NewRequest(http.MethodPost, stsURL, strings.NewReader(stsRequestBody))
	if err != nil {
		return fmt.Errorf("failed to build identity request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	payloadHash := sha256.Sum256([]byte(stsRequestBody))
	signer := v4.NewSigner()
	if err := signer.SignHTTP(ctx, creds, req, hex.EncodeToString(payloadHash[:]), "sts", region, time.Now().UTC()); err != nil {
		return tperrors.AuthError{
			Backend: c.Name(),
			Message: fmt.Sprintf("failed to sign identity request: %v", err),
		}
	}

	headers, err := json.Marshal(req.Header)
	if err != nil {
		return fmt.Errorf("failed to marshal signed headers: %w", err)
	}

	return c.performLogin(ctx, "auth/aws/login", map[string]interface{}{
		"role":                    c.config.Role,
		"iam_http_request_method": http.MethodPost,
		"iam_request_url":         base64.StdEncoding.EncodeToString([]byte(stsURL)),
		"iam_request_body":        base64.StdEncoding.EncodeToString([]byte(stsRequestBody)),
		"iam_request_headers":     base64.StdEncoding.EncodeToString(headers),
	})
}
