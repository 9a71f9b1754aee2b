package rotation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/codeops/vault/internal/crypto"
	vaulterrors "github.com/codeops/vault/internal/errors"
	"github.com/codeops/vault/internal/store"
)

const (
	externalConnectTimeout = 10 * time.Second
	externalReadTimeout    = 30 * time.Second

	maxExternalBodySize = 1 << 20
)

// Strategy produces the next secret value for a rotation policy.
type Strategy interface {
	Generate(ctx context.Context, p *store.RotationPolicy) (string, error)
}

// randomStrategy draws a fresh random string from the encryption
// engine.
type randomStrategy struct {
	engine *crypto.Engine
}

func (s *randomStrategy) Generate(_ context.Context, p *store.RotationPolicy) (string, error) {
	if p.RandomLength == nil || p.RandomCharset == nil {
		return "", vaulterrors.InvalidInput("random rotation requires length and charset")
	}
	return s.engine.GenerateRandomString(*p.RandomLength, *p.RandomCharset)
}

// externalAPIStrategy fetches the new value from a configured URL. The
// response body, trimmed, is the value. Any URL is accepted; callers
// must treat the endpoint as trusted.
type externalAPIStrategy struct {
	client *http.Client
}

func newExternalAPIStrategy() *externalAPIStrategy {
	return &externalAPIStrategy{
		client: &http.Client{
			Timeout: externalReadTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: externalConnectTimeout,
				}).DialContext,
			},
		},
	}
}

func (s *externalAPIStrategy) Generate(ctx context.Context, p *store.RotationPolicy) (string, error) {
	if p.ExternalAPIURL == nil || *p.ExternalAPIURL == "" {
		return "", vaulterrors.InvalidInput("external rotation requires a URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *p.ExternalAPIURL, nil)
	if err != nil {
		return "", vaulterrors.Wrap(vaulterrors.KindInvalidInput, "building rotation request", err)
	}
	headers, err := parseHeaderMap(p.ExternalAPIHeaders)
	if err != nil {
		return "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", vaulterrors.Internal("calling rotation endpoint", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", vaulterrors.Internal(
			fmt.Sprintf("rotation endpoint returned status %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExternalBodySize))
	if err != nil {
		return "", vaulterrors.Internal("reading rotation response", err)
	}
	value := strings.TrimSpace(string(body))
	if value == "" {
		return "", vaulterrors.InvalidInput("rotation endpoint returned an empty value")
	}
	return value, nil
}

// customScriptStrategy is reserved. Policies may be stored but every
// rotation attempt fails.
type customScriptStrategy struct{}

func (customScriptStrategy) Generate(context.Context, *store.RotationPolicy) (string, error) {
	return "", vaulterrors.NotImplemented("custom-script rotation is not implemented")
}

func parseHeaderMap(raw *string) (map[string]string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(*raw), &headers); err != nil {
		return nil, vaulterrors.Wrap(vaulterrors.KindInvalidInput, "parsing rotation headers", err)
	}
	return headers, nil
}
