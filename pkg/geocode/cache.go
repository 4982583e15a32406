package geocode

import "strconv"

// maxCacheEntries bounds the in-memory cache; it is cleared when full.
const maxCacheEntries = 1024

// cacheKey rounds to five decimals (about a metre) so GPS jitter on the
// same stop hits the cache.
func cacheKey(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', 5, 64) + "," + strconv.FormatFloat(lng, 'f', 5, 64)
}

func (g *geocoder) cached(key string) (*Address, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.cache[key]
	if !ok {
		return nil, false
	}
	cp := *addr
	return &cp, true
}

func (g *geocoder) store(key string, addr *Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) >= maxCacheEntries {
		clear(g.cache)
	}
	cp := *addr
	g.cache[key] = &cp
}
