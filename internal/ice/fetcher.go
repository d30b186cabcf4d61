// Package ice fetches STUN/TURN server descriptors from a TURN provisioning
// service. The provider answers an authenticated PUT with either a list of
// descriptors or a single one; both shapes normalize to []webrtc.ICEServer.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// ProviderConfig identifies the provisioning endpoint and its basic-auth
// credentials.
type ProviderConfig struct {
	URL        string
	Username   string
	Credential string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

const (
	fetchTimeout     = 10 * time.Second
	fetchMaxRetries  = 2
	fetchRetryInital = 500 * time.Millisecond
)

// serverDescriptor is the provider's wire form of one ICE server entry.
type serverDescriptor struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts either a bare string or an array of strings.
type urlList []string

func (u *urlList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*u = urlList{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or array of strings: %w", err)
	}
	*u = urlList(many)
	return nil
}

type provisionResponse struct {
	V json.RawMessage `json:"v"`
}

// Fetch retrieves ICE server descriptors from the provisioning endpoint.
// Transient failures are retried briefly; a final failure is returned to the
// caller, which must abort session startup rather than proceed without ICE
// servers.
func Fetch(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) ([]webrtc.ICEServer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("no provisioning URL configured")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	var servers []webrtc.ICEServer
	op := func() error {
		var err error
		servers, err = fetchOnce(ctx, client, cfg)
		return err
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = fetchRetryInital
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(ebo, fetchMaxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("failed to provision ICE servers: %w", err)
	}

	logger.Info("Provisioned ICE servers", zap.Int("count", len(servers)))
	return servers, nil
}

func fetchOnce(ctx context.Context, client *http.Client, cfg ProviderConfig) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build provisioning request: %w", err)
	}
	req.SetBasicAuth(cfg.Username, cfg.Credential)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provisioning request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, backoff.Permanent(fmt.Errorf("provisioning auth rejected: %s", resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provisioning returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read provisioning response: %w", err)
	}

	descriptors, err := parseDescriptors(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	servers := make([]webrtc.ICEServer, 0, len(descriptors))
	for _, d := range descriptors {
		if len(d.URLs) == 0 {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       d.URLs,
			Username:   d.Username,
			Credential: d.Credential,
		})
	}
	if len(servers) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("provisioning response contained no usable servers"))
	}
	return servers, nil
}

// parseDescriptors unwraps {"v": {"iceServers": ...}} where iceServers is
// either an array of descriptors or one bare descriptor.
func parseDescriptors(body []byte) ([]serverDescriptor, error) {
	var outer provisionResponse
	if err := json.Unmarshal(body, &outer); err != nil {
		return nil, fmt.Errorf("malformed provisioning response: %w", err)
	}
	raw := outer.V
	if len(raw) == 0 {
		// Some providers skip the envelope.
		raw = body
	}

	var inner struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("malformed provisioning payload: %w", err)
	}
	if len(inner.ICEServers) == 0 {
		return nil, fmt.Errorf("provisioning payload missing iceServers")
	}

	var many []serverDescriptor
	if err := json.Unmarshal(inner.ICEServers, &many); err == nil {
		return many, nil
	}
	var one serverDescriptor
	if err := json.Unmarshal(inner.ICEServers, &one); err != nil {
		return nil, fmt.Errorf("iceServers is neither an array nor an object: %w", err)
	}
	return []serverDescriptor{one}, nil
}

// Default returns the public STUN fallback used when no provisioning
// endpoint is configured.
func Default() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{URLs: []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}},
	}
}
