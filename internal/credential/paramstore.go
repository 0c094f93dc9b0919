// ABOUTME: SSM Parameter Store lookup for credential secrets.
// ABOUTME: Lets the login password live in AWS instead of the config file.

package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the part of *ssm.Client that ParamStore uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ParamStore reads decrypted parameters from SSM.
type ParamStore struct {
	api ssmAPI
}

// NewParamStore wraps an SSM client.
func NewParamStore(api ssmAPI) (*ParamStore, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	return &ParamStore{api: api}, nil
}

// GetParameter returns the decrypted value of name.
func (p *ParamStore) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	out, err := p.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	return *out.Parameter.Value, nil
}

// Secret returns a SecretFunc that reads name on every call.
func (p *ParamStore) Secret(name string) SecretFunc {
	return func(ctx context.Context) (string, error) {
		return p.GetParameter(ctx, name)
	}
}
