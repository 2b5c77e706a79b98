package confloader

// TreeParams is the loadable parameter block for tree construction and the
// capped/size tunables background maintenance consults. Callers map it
// onto the tree package's Config, which additionally carries injected
// collaborators that have no file representation.
type TreeParams struct {
	Fanout             int    `koanf:"fanout"`
	PfxLen             int    `koanf:"pfx_len"`
	SfxLen             int    `koanf:"sfx_len"`
	Capped             bool   `koanf:"capped"`
	NodeSizeMax        uint64 `koanf:"node_size_max"`
	CappedEvictTTLSecs int64  `koanf:"capped_evict_ttl_secs"`
}

// DefaultTreeParams returns the tree-section defaults.
func DefaultTreeParams() TreeParams {
	return TreeParams{
		Fanout:             16,
		NodeSizeMax:        1 << 30,
		CappedEvictTTLSecs: 300,
	}
}
