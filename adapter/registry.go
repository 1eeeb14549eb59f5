package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maxpert/metascope/metadata"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

// RegistryConfig configures the schema registry HTTP client.
type RegistryConfig struct {
	Timeout   time.Duration     // Per-request timeout (default: 10s)
	RateLimit float64           // Requests per second (default: 20)
	RateBurst int               // Burst size (default: 10)
	Transport http.RoundTripper // Optional; tests inject stubs here
}

func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Timeout:   10 * time.Second,
		RateLimit: 20,
		RateBurst: 10,
	}
}

// RegistryClient enumerates subjects of a Confluent-compatible schema registry.
type RegistryClient struct {
	http    *http.Client
	limiter *rate.Limiter
}

func NewRegistryClient(cfg RegistryConfig) *RegistryClient {
	def := DefaultRegistryConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = def.RateLimit
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = def.RateBurst
	}
	return &RegistryClient{
		http:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}
}

type latestSchema struct {
	Version       int32  `json:"version"`
	SchemaType    string `json:"schemaType"`
	SchemaTypeAlt string `json:"schema_type"`
	Schema        string `json:"schema"`
}

// ListSchemas returns the latest version of every subject. Failing to list
// subjects is fatal; failing to resolve one subject only records it as skipped.
func (c *RegistryClient) ListSchemas(ctx context.Context, baseURL string) (metadata.SchemaListing, error) {
	base := strings.TrimRight(baseURL, "/")

	var subjects []string
	if err := c.getJSON(ctx, base+"/subjects", &subjects); err != nil {
		return metadata.SchemaListing{}, metadata.RegistryError{URL: base, Err: err}
	}

	listing := metadata.SchemaListing{Schemas: make([]metadata.SchemaInfo, 0, len(subjects))}
	for _, subject := range subjects {
		var latest latestSchema
		endpoint := fmt.Sprintf("%s/subjects/%s/versions/latest", base, url.PathEscape(subject))
		if err := c.getJSON(ctx, endpoint, &latest); err != nil {
			if ctx.Err() != nil {
				return metadata.SchemaListing{}, metadata.RegistryError{URL: base, Err: ctx.Err()}
			}
			log.Warn().Err(err).Str("subject", subject).Msg("Skipping registry subject")
			listing.Skipped = append(listing.Skipped, metadata.SkippedSubject{Subject: subject, Reason: err.Error()})
			continue
		}

		schemaType := latest.SchemaType
		if schemaType == "" {
			schemaType = latest.SchemaTypeAlt
		}
		if schemaType == "" {
			schemaType = metadata.DefaultSchemaType
		}
		listing.Schemas = append(listing.Schemas, metadata.SchemaInfo{
			Subject:    subject,
			Version:    latest.Version,
			SchemaType: schemaType,
			Schema:     latest.Schema,
		})
	}
	return listing, nil
}

func (c *RegistryClient) getJSON(ctx context.Context, endpoint string, target any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", registryContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}
