package confloader

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Tree.Fanout != 16 || cfg.Tree.NodeSizeMax != 1<<30 {
		t.Errorf("tree defaults = %+v", cfg.Tree)
	}
	if cfg.MediaPool.PageSize != 4096 || cfg.MediaPool.GCIntervalSecs != 600 {
		t.Errorf("mediapool defaults = %+v", cfg.MediaPool)
	}
	if !cfg.Journal.SyncAll {
		t.Errorf("journal defaults = %+v, want sync_all on", cfg.Journal)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cntree.yaml")
	content := `tree:
  fanout: 8
  pfx_len: 4
  capped: true
mediapool:
  dir: /var/lib/cntree/mblocks
journal:
  path: /var/lib/cntree/cn.mdj
  sync_all: false
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(WithConfigFile(path)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Tree.Fanout != 8 || cfg.Tree.PfxLen != 4 || !cfg.Tree.Capped {
		t.Errorf("tree = %+v, want file overrides applied", cfg.Tree)
	}
	if cfg.MediaPool.Dir != "/var/lib/cntree/mblocks" {
		t.Errorf("mediapool.dir = %q", cfg.MediaPool.Dir)
	}
	if cfg.Journal.Path != "/var/lib/cntree/cn.mdj" || cfg.Journal.SyncAll {
		t.Errorf("journal = %+v", cfg.Journal)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	// Keys the file does not name keep their defaults.
	if cfg.Tree.CappedEvictTTLSecs != 300 || cfg.MediaPool.PageSize != 4096 {
		t.Errorf("unset keys lost defaults: %+v / %+v", cfg.Tree, cfg.MediaPool)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := NewLoader(WithConfigFile("/no/such/file.yaml")).Load(); err == nil {
		t.Fatal("Load with missing file succeeded")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cntree.yaml")
	if err := os.WriteFile(path, []byte("tree:\n  fanout: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CNTREE_TREE_FANOUT", "4")

	cfg, err := NewLoader(WithConfigFile(path)).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tree.Fanout != 4 {
		t.Errorf("fanout = %d, want env override 4", cfg.Tree.Fanout)
	}
}

func TestCustomEnvPrefix(t *testing.T) {
	t.Setenv("KVSTEST_TREE_FANOUT", "6")

	cfg, err := NewLoader(WithEnvPrefix("KVSTEST_")).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tree.Fanout != 6 {
		t.Errorf("fanout = %d, want 6 via custom prefix", cfg.Tree.Fanout)
	}
}

func TestLoadMapUnderEnv(t *testing.T) {
	l := NewLoader()
	if err := l.LoadMap(map[string]any{"tree.fanout": 12, "log.level": "warn"}); err != nil {
		t.Fatalf("LoadMap: %v", err)
	}

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tree.Fanout != 12 || cfg.Log.Level != "warn" {
		t.Errorf("map overrides not applied: %+v / %+v", cfg.Tree, cfg.Log)
	}
}
