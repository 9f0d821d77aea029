package builder

// EnrichMapping returns a copy of a search-index mapping with the _meta
// field populated from the last successful build entry: src_version,
// stats and build_version are always copied when present.
func EnrichMapping(mapping map[string]any, lastBuild map[string]any) map[string]any {
	out := make(map[string]any, len(mapping)+1)
	for k, v := range mapping {
		out[k] = v
	}
	if lastBuild == nil {
		return out
	}
	meta := map[string]any{}
	if v, ok := lastBuild["src_version"]; ok {
		meta["src_version"] = v
	}
	if v, ok := lastBuild["stats"]; ok {
		meta["stats"] = v
	}
	if v, ok := lastBuild["target_name"]; ok {
		meta["build_version"] = v
	}
	if len(meta) > 0 {
		out["_meta"] = meta
	}
	return out
}
