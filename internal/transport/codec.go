package transport

import (
	"fmt"
	"sync"

	"github.com/cobalt-labs/relay/internal/registry"
	"github.com/cobalt-labs/relay/pkg/api"
)

// Codec is the per-provider capability set: transform the unified request
// into the provider's wire body, and the provider's response/chunk back into
// the unified shape. Codecs are selected by provider kind from a closed
// registry; there is no reflective dispatch.
type Codec interface {
	// Path is appended to the deployment's base URL.
	Path() string
	// Headers returns the provider auth/extra headers for the deployment.
	Headers(d registry.Deployment) map[string]string
	// BuildRequest produces the provider wire body. upstreamModel is the
	// already-resolved provider-side model id.
	BuildRequest(req *api.ChatRequest, upstreamModel string, stream bool) (interface{}, error)
	// ParseResponse decodes a complete (non-streaming) provider response.
	ParseResponse(data []byte) (*api.ChatResponse, error)
	// ParseChunk decodes one SSE data payload into zero or one unified
	// chunk; done reports the provider's explicit end-of-stream marker.
	ParseChunk(data []byte) (chunk *api.ChatResponse, done bool, err error)
}

var (
	codecsMu sync.RWMutex
	codecs   = make(map[string]Codec)
)

// RegisterCodec makes a provider codec available under its kind. Called
// from codec init functions.
func RegisterCodec(kind string, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[kind] = c
}

// LookupCodec resolves a provider kind.
func LookupCodec(kind string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()

	c, ok := codecs[kind]
	if !ok {
		return nil, fmt.Errorf("no codec registered for provider kind %q", kind)
	}
	return c, nil
}
