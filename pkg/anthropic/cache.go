package anthropic

// DefaultCacheTTL keeps the system prompt warm across the batches of one run.
const DefaultCacheTTL = "5m"

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint at the end of text. An empty ttl uses DefaultCacheTTL.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = DefaultCacheTTL
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
