// This command is only used for local testing: it fetches a bearer token with
// the configured client credentials and prints it, so upstream requests can be
// tried directly. The token expiry is written to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/odatabridge/odata-bridge/internal/audit"
	"github.com/odatabridge/odata-bridge/internal/cache"
	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/odatabridge/odata-bridge/internal/secret"
	"github.com/odatabridge/odata-bridge/internal/token"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	OAuth config.OAuthConfig
}

func main() {
	ctx := context.Background()

	cfg := Config{}
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.OAuth.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	clientSecret, err := secret.ClientSecret(ctx, cfg.OAuth, secret.DefaultKMSClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error resolving client secret: %v\n", err)
		os.Exit(1)
	}

	tokenCache, err := cache.NewMemory[token.CachedToken](time.Hour, 10)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating cache: %v\n", err)
		os.Exit(1)
	}
	defer tokenCache.Close()

	// the provider records the expiry on the audit entry
	ctx, entry := audit.Context(ctx)

	bearer, err := token.New(cfg.OAuth, clientSecret, tokenCache).Token(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error fetching token: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "expires %s (in %s)\n",
		entry.TokenExpiry.Format(time.RFC3339),
		time.Until(entry.TokenExpiry).Round(time.Second),
	)
	fmt.Printf("%s", bearer)
}
