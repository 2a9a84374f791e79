package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/krai-io/krai/internal/cache"
	"github.com/krai-io/krai/internal/fault"
	"github.com/krai-io/krai/internal/observability"
	"github.com/krai-io/krai/internal/storage"
)

// LinkCandidate is a URL discovered in page text.
type LinkCandidate struct {
	URL        string
	PageNumber int
	Type       storage.LinkType
}

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+|www\.[^\s<>"']+|[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com", "brightcove", "players.brightcove.net"}

// DiscoverLinks scans page texts for URLs and email addresses. Trailing
// punctuation picked up from surrounding prose is trimmed; duplicates per
// document collapse to the first page of occurrence.
func DiscoverLinks(pages []Page) ([]LinkCandidate, Metrics) {
	start := time.Now()
	metrics := Metrics{}

	seen := map[string]bool{}
	var out []LinkCandidate
	for _, page := range pages {
		for _, raw := range urlRe.FindAllString(page.Text, -1) {
			u := trimLinkArtifacts(raw)
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, LinkCandidate{
				URL:        u,
				PageNumber: page.Number,
				Type:       classifyLink(u),
			})
		}
	}

	metrics.ItemsEmitted = len(out)
	metrics.timed(start)
	return out, metrics
}

// trimLinkArtifacts removes punctuation that text extraction glues onto the
// end of URLs, including unbalanced closing parens.
func trimLinkArtifacts(u string) string {
	u = strings.TrimRight(u, ".,;:!?'\"")
	for strings.HasSuffix(u, ")") && strings.Count(u, ")") > strings.Count(u, "(") {
		u = strings.TrimSuffix(u, ")")
	}
	return u
}

func classifyLink(u string) storage.LinkType {
	if !strings.Contains(u, "://") && strings.Contains(u, "@") {
		return storage.LinkTypeEmail
	}
	lower := strings.ToLower(u)
	for _, host := range videoHosts {
		if strings.Contains(lower, host) {
			return storage.LinkTypeVideo
		}
	}
	return storage.LinkTypeWeb
}

// VideoMetadata is what a provider knows about a video URL.
type VideoMetadata struct {
	Title           string `json:"title"`
	Provider        string `json:"provider"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

// MetadataProvider fetches metadata for URLs it recognizes.
type MetadataProvider interface {
	Name() string
	Matches(u string) bool
	Fetch(ctx context.Context, u string) (*VideoMetadata, error)
}

// EnrichmentResult is the outcome of enriching one link.
type EnrichmentResult struct {
	Status          storage.LinkValidation
	FinalURL        string
	Title           *string
	Provider        *string
	DurationSeconds *int
	Metadata        json.RawMessage
}

// transientError marks a failure worth retrying.
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps an error so the enricher retries it.
func Transient(err error) error { return &transientError{err: err} }

// Enricher validates links and fetches video metadata. Outbound requests
// are spaced per provider so manuals with hundreds of links do not hammer
// external services; results are cached across documents.
type Enricher struct {
	httpClient *http.Client
	providers  []MetadataProvider
	cache      cache.Client
	cacheTTL   time.Duration
	logger     *observability.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// EnricherConfig holds enricher settings.
type EnricherConfig struct {
	RequestTimeout  time.Duration
	ProviderSpacing time.Duration // minimum gap between requests per provider
	CacheTTL        time.Duration
}

// NewEnricher creates a link enricher.
func NewEnricher(cfg EnricherConfig, providers []MetadataProvider, cacheClient cache.Client, logger *observability.Logger) *Enricher {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.ProviderSpacing < 500*time.Millisecond {
		cfg.ProviderSpacing = 500 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Enricher{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		providers:  providers,
		cache:      cacheClient,
		cacheTTL:   cfg.CacheTTL,
		logger:     logger,
		limiters:   map[string]*rate.Limiter{},
		interval:   cfg.ProviderSpacing,
	}
}

func (e *Enricher) limiter(provider string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[provider]
	if !ok {
		l = rate.NewLimiter(rate.Every(e.interval), 1)
		e.limiters[provider] = l
	}
	return l
}

// Enrich validates one link and, for video links, fetches metadata.
// Transient fetch failures are retried once in-process; a failure that
// persists surfaces as a retryable fault so the stage can be rescheduled
// instead of recording the link broken.
func (e *Enricher) Enrich(ctx context.Context, candidate LinkCandidate) (EnrichmentResult, error) {
	if candidate.Type == storage.LinkTypeEmail {
		// Nothing to fetch for an address.
		return EnrichmentResult{Status: storage.LinkOK, FinalURL: candidate.URL}, nil
	}

	if cached, ok := e.cachedResult(ctx, candidate.URL); ok {
		return cached, nil
	}

	result, err := e.enrichOnce(ctx, candidate)
	if err != nil {
		var te *transientError
		if errors.As(err, &te) {
			e.logger.Warn().Str("url", candidate.URL).Err(err).Msg("Transient enrichment failure, retrying")
			result, err = e.enrichOnce(ctx, candidate)
		}
	}
	if err != nil {
		var te *transientError
		if errors.As(err, &te) {
			kind := fault.KindExternalServiceUnavailable
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				kind = fault.KindExternalServiceTimeout
			}
			return EnrichmentResult{}, fault.New(kind,
				fmt.Sprintf("enrich %s", candidate.URL), err).WithEntity(candidate.URL)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return EnrichmentResult{}, err
		}
		// Not transient, not a cancellation: the URL itself is unusable.
		return EnrichmentResult{Status: storage.LinkBroken, FinalURL: candidate.URL}, nil
	}

	e.storeResult(ctx, candidate.URL, result)
	return result, nil
}

func (e *Enricher) enrichOnce(ctx context.Context, candidate LinkCandidate) (EnrichmentResult, error) {
	target := candidate.URL
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	if _, err := url.Parse(target); err != nil {
		return EnrichmentResult{}, fmt.Errorf("unparseable url: %w", err)
	}

	provider := e.providerFor(target)
	providerName := "web"
	if provider != nil {
		providerName = provider.Name()
	}
	if err := e.limiter(providerName).Wait(ctx); err != nil {
		return EnrichmentResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return EnrichmentResult{}, err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return EnrichmentResult{}, Transient(err)
	}
	resp.Body.Close()

	result := EnrichmentResult{FinalURL: resp.Request.URL.String()}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return EnrichmentResult{}, Transient(fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		result.Status = storage.LinkBroken
		return result, nil
	case result.FinalURL != target:
		result.Status = storage.LinkRedirected
	default:
		result.Status = storage.LinkOK
	}

	if provider != nil {
		meta, err := provider.Fetch(ctx, result.FinalURL)
		if err != nil {
			e.logger.Warn().Str("url", target).Str("provider", providerName).
				Err(err).Msg("Video metadata fetch failed")
		} else if meta != nil {
			result.Title = &meta.Title
			result.Provider = &meta.Provider
			if meta.DurationSeconds > 0 {
				d := meta.DurationSeconds
				result.DurationSeconds = &d
			}
			if raw, err := json.Marshal(meta); err == nil {
				result.Metadata = raw
			}
		}
	}
	return result, nil
}

func (e *Enricher) providerFor(u string) MetadataProvider {
	for _, p := range e.providers {
		if p.Matches(u) {
			return p
		}
	}
	return nil
}

func (e *Enricher) cachedResult(ctx context.Context, u string) (EnrichmentResult, bool) {
	if e.cache == nil {
		return EnrichmentResult{}, false
	}
	data, err := e.cache.Get(ctx, cache.Key("enrich", u))
	if err != nil {
		return EnrichmentResult{}, false
	}
	var result EnrichmentResult
	if err := json.Unmarshal(data, &result); err != nil {
		return EnrichmentResult{}, false
	}
	return result, true
}

func (e *Enricher) storeResult(ctx context.Context, u string, result EnrichmentResult) {
	if e.cache == nil {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, cache.Key("enrich", u), data, e.cacheTTL); err != nil {
		e.logger.Debug().Err(err).Msg("Enrichment cache write failed")
	}
}

// OEmbedProvider fetches titles via a provider's oEmbed endpoint. YouTube
// and Vimeo both expose one.
type OEmbedProvider struct {
	name       string
	hosts      []string
	endpoint   string
	httpClient *http.Client
}

// NewYouTubeProvider creates the YouTube oEmbed provider.
func NewYouTubeProvider(timeout time.Duration) *OEmbedProvider {
	return newOEmbedProvider("youtube", []string{"youtube.com", "youtu.be"},
		"https://www.youtube.com/oembed?format=json&url=", timeout)
}

// NewVimeoProvider creates the Vimeo oEmbed provider.
func NewVimeoProvider(timeout time.Duration) *OEmbedProvider {
	return newOEmbedProvider("vimeo", []string{"vimeo.com"},
		"https://vimeo.com/api/oembed.json?url=", timeout)
}

func newOEmbedProvider(name string, hosts []string, endpoint string, timeout time.Duration) *OEmbedProvider {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OEmbedProvider{
		name:       name,
		hosts:      hosts,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the provider name.
func (p *OEmbedProvider) Name() string { return p.name }

// Matches reports whether the URL belongs to this provider.
func (p *OEmbedProvider) Matches(u string) bool {
	lower := strings.ToLower(u)
	for _, h := range p.hosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// Fetch retrieves title metadata through the oEmbed endpoint.
func (p *OEmbedProvider) Fetch(ctx context.Context, u string) (*VideoMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.endpoint+url.QueryEscape(u), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oembed status %d", resp.StatusCode)
	}

	var body struct {
		Title    string `json:"title"`
		Duration int    `json:"duration"` // vimeo only
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &VideoMetadata{
		Title:           body.Title,
		Provider:        p.name,
		DurationSeconds: body.Duration,
	}, nil
}
