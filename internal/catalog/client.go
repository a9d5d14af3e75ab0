package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"modelchat/pkg/domain"
)

const (
	statusDeployed  = "DEPLOYED"
	defaultHost     = "localhost"
	defaultCacheTTL = 10 * time.Second
)

// Client reads the model-deployment catalog. The catalog is an external
// read-only service; only DEPLOYED entries are eligible for generation.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cacheTTL   time.Duration

	group   singleflight.Group
	mu      sync.RWMutex
	cached  []domain.ModelRef
	expires time.Time
}

// NewClient constructs a catalog client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		cacheTTL:   defaultCacheTTL,
	}
}

type deployment struct {
	Name      string `json:"name"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
	Instances []struct {
		Host string `json:"host"`
	} `json:"instances"`
}

// Models lists eligible generation endpoints. Results are cached briefly and
// concurrent refreshes are collapsed into a single upstream call.
func (c *Client) Models(ctx context.Context) ([]domain.ModelRef, error) {
	c.mu.RLock()
	if time.Now().Before(c.expires) {
		cached := c.cached
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.group.Do("deployments", func() (any, error) {
		refs, err := c.fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cached = refs
		c.expires = time.Now().Add(c.cacheTTL)
		c.mu.Unlock()
		return refs, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.ModelRef), nil
}

func (c *Client) fetch(ctx context.Context) ([]domain.ModelRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/serving/deployments", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch deployments: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch deployments: status %d", resp.StatusCode)
	}

	var deployments []deployment
	if err := json.NewDecoder(resp.Body).Decode(&deployments); err != nil {
		return nil, fmt.Errorf("decode deployments: %w", err)
	}

	refs := make([]domain.ModelRef, 0, len(deployments))
	for _, d := range deployments {
		if d.Status != statusDeployed || d.Name == "" || d.Port <= 0 {
			continue
		}
		host := defaultHost
		if len(d.Instances) > 0 && strings.TrimSpace(d.Instances[0].Host) != "" {
			host = strings.TrimSpace(d.Instances[0].Host)
		}
		refs = append(refs, domain.ModelRef{
			BaseURL:   fmt.Sprintf("http://%s:%d/v1", host, d.Port),
			ModelName: d.Name,
		})
	}
	return refs, nil
}
