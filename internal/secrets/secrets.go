// Package secrets resolves certificate passwords by reference. Passwords
// never leave this package in logs or errors.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// ErrNotFound is returned for an unknown reference.
var ErrNotFound = errors.New("secret not found")

// Resolver reads and writes secrets addressed by reference.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
	Store(ctx context.Context, ref, value string) error
}

// CertificateRef names the secret holding a certificate's password.
func CertificateRef(certID string) string {
	return "esocial/certificates/" + certID
}

// ManagerAPI is the subset of the Secrets Manager client in use.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
}

// SecretsManager stores secrets in AWS Secrets Manager.
type SecretsManager struct {
	api ManagerAPI
}

var _ Resolver = (*SecretsManager)(nil)

// NewSecretsManager creates a resolver from the default AWS configuration.
func NewSecretsManager(ctx context.Context, region string) (*SecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewSecretsManagerWithClient(api ManagerAPI) *SecretsManager {
	return &SecretsManager{api: api}
}

func (s *SecretsManager) Resolve(ctx context.Context, ref string) (string, error) {
	out, err := s.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref)})
	if err != nil {
		var nf *types.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return "", fmt.Errorf("get secret %s: %w", ref, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", ref)
	}
	return *out.SecretString, nil
}

// Store updates the secret, creating it on first use.
func (s *SecretsManager) Store(ctx context.Context, ref, value string) error {
	_, err := s.api.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(ref),
		SecretString: aws.String(value),
	})
	var nf *types.ResourceNotFoundException
	if errors.As(err, &nf) {
		_, err = s.api.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(ref),
			SecretString: aws.String(value),
		})
	}
	if err != nil {
		return fmt.Errorf("store secret %s: %w", ref, err)
	}
	return nil
}

// Memory keeps secrets in process. References of the form "env:NAME" are
// read from the environment, which lets operators inject a password
// without any secret backend.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

var _ Resolver = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

func (m *Memory) Resolve(_ context.Context, ref string) (string, error) {
	if name, ok := strings.CutPrefix(ref, "env:"); ok {
		v, set := os.LookupEnv(name)
		if !set {
			return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return v, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.secrets[ref]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return v, nil
}

func (m *Memory) Store(_ context.Context, ref, value string) error {
	if strings.HasPrefix(ref, "env:") {
		return fmt.Errorf("secret %s is read-only", ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[ref] = value
	return nil
}
