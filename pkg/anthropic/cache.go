package anthropic

// BuildCachedSystemBlocks constructs system content blocks for a shared
// instruction prefix followed by per-case context. The case context carries
// a cache breakpoint, so every unit of a pass after the first reads the
// prefix from the prompt cache.
func BuildCachedSystemBlocks(instructions, caseContext string) []SystemBlock {
	blocks := []SystemBlock{{Text: instructions}}
	if caseContext == "" {
		blocks[0].CacheControl = &CacheControl{TTL: "5m"}
		return blocks
	}
	return append(blocks, SystemBlock{
		Text:         caseContext,
		CacheControl: &CacheControl{TTL: "5m"},
	})
}
