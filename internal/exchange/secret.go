// Package exchange implements the Exchange Connector: the only
// component that talks to external exchanges.
package exchange

import (
	"fmt"
	"os"

	"github.com/aristath/cryptosentinel/internal/faults"
)

// SecretProvider is the injected credential source: GetSecret(name) returns
// bytes and has no other side effects. Credentials obtained through it must
// never be logged.
type SecretProvider interface {
	GetSecret(name string) ([]byte, error)
}

// EnvSecretProvider reads secrets from environment variables. It is the
// default provider; deployments that need a vault integration implement
// SecretProvider themselves and inject it at cmd/connector wiring time.
type EnvSecretProvider struct{}

func NewEnvSecretProvider() EnvSecretProvider { return EnvSecretProvider{} }

func (EnvSecretProvider) GetSecret(name string) ([]byte, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return nil, faults.New(faults.SecretMissing, fmt.Sprintf("secret %q not set", name))
	}
	return []byte(v), nil
}
