package reasoning

import (
	"context"
	"strconv"

	"github.com/basket/go-inquest/internal/cache"
)

// Cached memoizes successful replies in a dedicated cache namespace, keyed
// by the call kind, system text, prompt and temperature.
type Cached struct {
	inner Client
	cache *cache.Cache
}

func NewCached(inner Client, c *cache.Cache) *Cached {
	return &Cached{inner: inner, cache: c}
}

func (c *Cached) Generate(ctx context.Context, req Request) (Response, error) {
	return c.call(ctx, "generate", req, c.inner.Generate)
}

func (c *Cached) GenerateStructured(ctx context.Context, req Request) (Response, error) {
	return c.call(ctx, "structured", req, c.inner.GenerateStructured)
}

func (c *Cached) call(ctx context.Context, method string, req Request, fn func(context.Context, Request) (Response, error)) (Response, error) {
	key := RequestKey(method, req)
	var hit Response
	if c.cache.Get(ctx, key, &hit) {
		return hit, nil
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return resp, err
	}
	if method == "structured" {
		if _, err := ExtractJSON(resp.Text); err != nil {
			return resp, nil
		}
	}
	_ = c.cache.Set(ctx, key, resp)
	return resp, nil
}

// Forget drops the memoized structured reply for req. GenerateJSON calls it
// when a reply fails decoding or schema validation.
func (c *Cached) Forget(ctx context.Context, req Request) {
	_ = c.cache.Delete(ctx, RequestKey("structured", req))
}

// RequestKey is the cache identity of a reasoning call.
func RequestKey(method string, req Request) string {
	return cache.Key(method, req.System, req.Prompt, strconv.FormatFloat(req.Temperature, 'g', -1, 64))
}
