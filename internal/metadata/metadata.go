package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"estatechain/internal/logging"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrUnsupportedURI = errors.New("unsupported metadata uri")

// Attribute is one trait of a property. Values are numbers or strings.
type Attribute struct {
	TraitType string `json:"trait_type"`
	Value     any    `json:"value"`
}

// Metadata is the JSON document a token URI points at.
type Metadata struct {
	Name        string      `json:"name"`
	Address     string      `json:"address"`
	Description string      `json:"description"`
	Image       string      `json:"image"`
	ID          string      `json:"id,omitempty"`
	Attributes  []Attribute `json:"attributes"`
}

// Attribute returns the value of the named trait.
func (m *Metadata) Attribute(trait string) (any, bool) {
	for _, a := range m.Attributes {
		if a.TraitType == trait {
			return a.Value, true
		}
	}
	return nil, false
}

type Fetcher interface {
	Fetch(ctx context.Context, uri string) (*Metadata, error)
}

// Observer is told the outcome of every fetch that missed the cache.
type Observer func(err error)

type Service struct {
	client   *retryablehttp.Client
	gateway  string
	cache    *cache.Cache
	logger   *zap.Logger
	observer Observer
}

func NewRetryClient(retries int, timeout time.Duration) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryMax = retries
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = timeout
	return client
}

// NewService fetches through client, rewriting IPFS URIs onto gateway and
// caching documents for ttl.
func NewService(client *retryablehttp.Client, gateway string, ttl time.Duration, logger *zap.Logger) *Service {
	return &Service{
		client:  client,
		gateway: gateway,
		cache:   cache.New(ttl, 2*ttl),
		logger:  logging.OrNop(logger),
	}
}

func (s *Service) WithObserver(fn Observer) *Service {
	s.observer = fn
	return s
}

func (s *Service) Fetch(ctx context.Context, uri string) (*Metadata, error) {
	if cached, found := s.cache.Get(uri); found {
		return cached.(*Metadata), nil
	}

	md, err := s.fetch(ctx, uri)
	if s.observer != nil {
		s.observer(err)
	}
	if err != nil {
		s.logger.Warn("metadata fetch failed", zap.String("uri", uri), zap.Error(err))
		return nil, err
	}
	s.cache.Set(uri, md, cache.DefaultExpiration)
	return md, nil
}

func (s *Service) fetch(ctx context.Context, uri string) (*Metadata, error) {
	target := GatewayURL(uri, s.gateway)
	if !isURL(target) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedURI, uri)
	}

	req, err := retryablehttp.NewRequest(http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: %s", target, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("decode %s: %w", target, err)
	}
	s.logger.Debug("metadata fetched", zap.String("uri", uri), zap.String("name", md.Name))
	return &md, nil
}

// Flush drops every cached document.
func (s *Service) Flush() {
	s.cache.Flush()
}
