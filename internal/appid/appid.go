// Package appid resolves the keyrelay application identity.
package appid

import (
	"context"

	"github.com/fulmenhq/gofulmen/appidentity"

	appidentityassets "github.com/keyrelay/keyrelay/internal/assets/appidentity"
)

// DefaultEnvPrefix is used when no identity can be resolved.
const DefaultEnvPrefix = "KEYRELAY_"

func init() {
	// An explicit FULMEN_APP_IDENTITY_PATH or a nearby .fulmen/app.yaml still
	// wins; the embedded copy only covers standalone binaries.
	_ = appidentity.RegisterEmbeddedIdentityYAML(appidentityassets.YAML)
}

// Get returns the resolved identity.
func Get(ctx context.Context) (*appidentity.Identity, error) {
	return appidentity.Get(ctx)
}

// EnvPrefix returns the identity's env prefix, or DefaultEnvPrefix.
func EnvPrefix(identity *appidentity.Identity) string {
	if identity == nil || identity.EnvPrefix == "" {
		return DefaultEnvPrefix
	}
	return identity.EnvPrefix
}
