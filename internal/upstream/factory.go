package upstream

import (
	"fmt"
	"net/http"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
)

// Factory builds a dialect client for a pool key plus its unsealed secret.
type Factory struct {
	// BaseURL is the native-dialect API base.
	BaseURL string
	// APIVersion is the default api-version for deployment-scoped keys
	// that don't carry their own.
	APIVersion string
	// HTTP is the shared pooled client for all upstream calls.
	HTTP *http.Client
}

// ForKey returns the client matching the key's dialect.
func (f *Factory) ForKey(k *proxy.UpstreamKey, plainKey string) (Client, error) {
	switch k.Type {
	case proxy.UpstreamNative:
		return NewNative(f.BaseURL, plainKey, f.HTTP), nil
	case proxy.UpstreamDeployment:
		if k.Endpoint == "" || k.Deployment == "" {
			return nil, fmt.Errorf("upstream: key %d missing endpoint or deployment", k.ID)
		}
		version := k.APIVersion
		if version == "" {
			version = f.APIVersion
		}
		return NewDeployment(k.Endpoint, k.Deployment, version, plainKey, f.HTTP), nil
	default:
		return nil, fmt.Errorf("upstream: unknown key type %q", k.Type)
	}
}
