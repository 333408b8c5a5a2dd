package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dhruvsoni1802/bidi-harness/internal/protocol"
)

// VersionInfo is the payload of the remote's /json/version endpoint
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoverURL asks the remote's HTTP endpoint for the websocket URL to connect to
func DiscoverURL(ctx context.Context, host string, port string) (string, error) {

	// If host is not provided, use localhost
	if host == "" {
		host = "localhost"
	}

	url := fmt.Sprintf("http://%s:%s/json/version", host, port)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request: %w", err)
	}

	response, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to reach %s: %v", protocol.ErrConnection, url, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status code from %s: %d", protocol.ErrConnection, url, response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var versionInfo VersionInfo
	if err := json.Unmarshal(body, &versionInfo); err != nil {
		return "", fmt.Errorf("failed to parse JSON response: %w", err)
	}

	if versionInfo.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("%w: no websocket URL advertised at %s", protocol.ErrConnection, url)
	}

	return versionInfo.WebSocketDebuggerURL, nil
}
