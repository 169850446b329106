package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/GAIKONDO/app42-sub006/internal/config"
	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
)

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Provider names accepted by NewEmbedder.
const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

// NewEmbedder builds the configured embedder behind an in-process cache.
func NewEmbedder(cfg config.Embedding, logger *zap.Logger) (Embedder, error) {
	var inner Embedder
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI, "":
		if cfg.APIKey == "" {
			return nil, syncerrors.NewValidation(syncerrors.CodeValidationFailed, "embedding.api_key", "is required for the openai provider")
		}
		inner = NewOpenAIEmbedder(cfg)
	case ProviderHash:
		inner = NewHashEmbedder(cfg.Dimension)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	return NewCachedEmbedder(inner, cfg.CacheTTL, logger), nil
}

// OpenAIEmbedder calls the OpenAI embeddings API, throttled to a fixed request rate.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
	limiter   *rate.Limiter
}

func NewOpenAIEmbedder(cfg config.Embedding) *OpenAIEmbedder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &OpenAIEmbedder{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		dimension: cfg.Dimension,
		limiter:   rate.NewLimiter(rate.Limit(rps), int(math.Max(1, rps))),
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimension,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, &syncerrors.BackendError{
				Code:    fmt.Sprint(apiErr.HTTPStatusCode),
				Message: apiErr.Message,
				Details: fmt.Sprint(apiErr.Code),
			}
		}
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, &syncerrors.BackendError{Code: string(syncerrors.CodeBackendError), Message: "embedding response has no data"}
	}
	return resp.Data[0].Embedding, nil
}

// HashEmbedder is a deterministic local embedder: tokens are hashed into buckets
// and the vector is L2-normalized. Texts sharing words get similar vectors.
type HashEmbedder struct {
	dimension int
}

func NewHashEmbedder(dimension int) *HashEmbedder {
	if dimension <= 0 {
		dimension = 1536
	}
	return &HashEmbedder{dimension: dimension}
}

func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dimension)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[(sum>>1)%uint64(e.dimension)] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// CachedEmbedder remembers vectors of identical texts.
type CachedEmbedder struct {
	inner  Embedder
	cache  *cache.Cache
	logger *zap.Logger
}

func NewCachedEmbedder(inner Embedder, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &CachedEmbedder{
		inner:  inner,
		cache:  cache.New(ttl, 2*ttl),
		logger: observability.OrNop(logger).Named("embedder"),
	}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	key := hex.EncodeToString(sum[:])
	if v, ok := e.cache.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.SetDefault(key, append([]float32(nil), vec...))
	e.logger.Debug("Embedding generated", zap.Int("dimension", len(vec)), zap.Int("chars", len(text)))
	return vec, nil
}

// ItemCount returns the number of cached vectors.
func (e *CachedEmbedder) ItemCount() int {
	return e.cache.ItemCount()
}
