package results

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// cacheSize bounds how many parsed reports stay in memory. Paging
// through one artifact is the hot path; eight covers concurrent readers
// without holding large exports forever.
const cacheSize = 8

// Projector parses artifacts and renders projections, caching parsed
// reports so repeated paging over the same artifact skips the XML pass.
type Projector struct {
	cache *lru.Cache[string, *Report]
}

// NewProjector builds a projector with its report cache.
func NewProjector() (*Projector, error) {
	cache, err := lru.New[string, *Report](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Projector{cache: cache}, nil
}

// Project parses data (or reuses the cached parse keyed by cacheKey)
// and renders the projection.
func (p *Projector) Project(cacheKey string, data []byte, params Params) (string, error) {
	report, ok := p.cache.Get(cacheKey)
	if !ok {
		parsed, err := Parse(data)
		if err != nil {
			return "", err
		}
		p.cache.Add(cacheKey, parsed)
		report = parsed
	}
	return Project(report, params)
}

// Invalidate drops a cached parse, used when an artifact is deleted.
func (p *Projector) Invalidate(cacheKey string) {
	p.cache.Remove(cacheKey)
}
