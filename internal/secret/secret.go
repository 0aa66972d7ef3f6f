// Package secret resolves the OAuth client secret, which may be supplied
// directly or as AWS KMS ciphertext.
package secret

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/rs/zerolog/log"
)

// KMSClient defines the AWS API surface required to decrypt the secret.
type KMSClient interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSClientFactory creates a KMS client on demand, so AWS configuration is
// only loaded when ciphertext is actually configured.
type KMSClientFactory func(ctx context.Context) (KMSClient, error)

// DefaultKMSClient loads the default AWS configuration chain.
func DefaultKMSClient(ctx context.Context) (KMSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	return kms.NewFromConfig(cfg), nil
}

// ClientSecret returns the configured plain secret, or decrypts the KMS
// ciphertext when that is configured instead.
func ClientSecret(ctx context.Context, cfg config.OAuthConfig, newClient KMSClientFactory) (string, error) {
	if cfg.ClientSecret != "" {
		return cfg.ClientSecret, nil
	}

	if cfg.ClientSecretKMSCiphertext == "" {
		return "", errors.New("no client secret configured")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cfg.ClientSecretKMSCiphertext)
	if err != nil {
		return "", fmt.Errorf("client secret ciphertext is not valid base64: %w", err)
	}

	client, err := newClient(ctx)
	if err != nil {
		return "", err
	}

	input := &kms.DecryptInput{
		CiphertextBlob: ciphertext,
	}
	if cfg.ClientSecretKMSKeyARN != "" {
		input.KeyId = aws.String(cfg.ClientSecretKMSKeyARN)
	}

	out, err := client.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("KMS decrypt of client secret failed: %w", err)
	}

	if len(out.Plaintext) == 0 {
		return "", errors.New("KMS decrypt returned an empty client secret")
	}

	log.Info().Str("keyId", aws.ToString(out.KeyId)).Msg("client secret decrypted")

	return string(out.Plaintext), nil
}
