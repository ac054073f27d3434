package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	if cfg.Database.Path != "cascade.db" {
		t.Errorf("expected default database path 'cascade.db', got %q", cfg.Database.Path)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}
	assert.Equal(t, 2000, cfg.Pipeline.StoreTimeoutMS)
	assert.Equal(t, 30000, cfg.Pipeline.ProviderTimeoutMS)
	assert.Equal(t, "content_hash", cfg.Pipeline.DiffStrategy)
	assert.Equal(t, "en", cfg.Pipeline.SourceLang)
	require.Contains(t, cfg.Entities, "faq")
	assert.Equal(t, "faqs", cfg.Entities["faq"].Collection)
	assert.Equal(t, []string{"question", "answer"}, cfg.Entities["faq"].Fields)

	require.NoError(t, cfg.Validate())
}

func TestValidate_ZeroValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"zero workers is valid (disabled)", func(c *Config) { c.Pulse.Workers = 0 }, false},
		{"negative workers is invalid", func(c *Config) { c.Pulse.Workers = -1 }, true},
		{"zero sweep interval is valid (disabled)", func(c *Config) { c.Sweep.IntervalSeconds = 0 }, false},
		{"negative sweep interval is invalid", func(c *Config) { c.Sweep.IntervalSeconds = -1 }, true},
		{"zero throttle is valid (unlimited)", func(c *Config) { c.Throttle.MaxPerWindow = 0 }, false},
		{"zero retries is valid", func(c *Config) { c.Pipeline.MaxRetries = 0 }, false},
		{"zero batch size is invalid", func(c *Config) { c.Pipeline.BatchSize = 0 }, true},
		{"zero concurrency is invalid", func(c *Config) { c.Pipeline.Concurrency = 0 }, true},
		{"zero store timeout is invalid", func(c *Config) { c.Pipeline.StoreTimeoutMS = 0 }, true},
		{"unknown driver is invalid", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"postgres without dsn is invalid", func(c *Config) { c.Database.Driver = "postgres" }, true},
		{"rest without url is invalid", func(c *Config) { c.Database.Driver = "rest" }, true},
		{"unknown diff strategy is invalid", func(c *Config) { c.Pipeline.DiffStrategy = "mtime" }, true},
		{"purge template without id is invalid", func(c *Config) {
			c.Pipeline.PurgeURLTemplates = []string{"https://example.com/{lang}/"}
		}, true},
		{"entity without fields is invalid", func(c *Config) {
			c.Entities = map[string]EntityConfig{"article": {Collection: "articles"}}
		}, true},
		{"port out of range is invalid", func(c *Config) { c.Server.Port = 70000 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.toml")
	content := `
[database]
driver = "sqlite3"
path = "/var/lib/cascade/cascade.db"

[pipeline]
batch_size = 10
default_target_langs = ["de", "fr"]
purge_url_templates = ["https://site.example/{lang}/{entity_type}/{entity_id}"]

[entities.article]
collection = "articles"
fields = ["title", "body"]

[server.tokens]
secret-token = ["tenant-a"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cascade/cascade.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Pipeline.BatchSize)
	assert.Equal(t, 4, cfg.Pipeline.Concurrency, "defaults fill unset keys")
	assert.Equal(t, []string{"de", "fr"}, cfg.Pipeline.DefaultTargetLangs)
	require.Contains(t, cfg.Entities, "article")
	assert.Equal(t, []string{"title", "body"}, cfg.Entities["article"].Fields)
	assert.Equal(t, []string{"tenant-a"}, cfg.Server.Tokens["secret-token"])
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile_Missing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestRender_MasksSecrets(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("providers.translation.api_key", "sk-live-123")
	v.Set("server.tokens", map[string]interface{}{"abcdefgh": []string{"t1"}})

	out, err := Render(v)
	require.NoError(t, err)

	rendered := string(out)
	assert.NotContains(t, rendered, "sk-live-123")
	assert.NotContains(t, rendered, "abcdefgh")
	assert.Contains(t, rendered, redacted)
	assert.Contains(t, rendered, "content_hash")
}

func TestConfigWatcher_ReloadSkipsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pipeline]\nbatch_size = 5\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path)
	require.NoError(t, err)
	defer cw.Stop()

	var got []*Config
	cw.OnReload(func(c *Config) error {
		got = append(got, c)
		return nil
	})

	require.NoError(t, cw.reload())
	require.Len(t, got, 1)
	assert.Equal(t, 5, got[0].Pipeline.BatchSize)

	require.NoError(t, os.WriteFile(path, []byte("[pipeline]\nbatch_size = -1\n"), DefaultFilePermissions))
	require.Error(t, cw.reload())
	assert.Len(t, got, 1, "invalid config must not reach callbacks")
}
