package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{"AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "s"}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.ListenAddr != ":8080" || cfg.Hub.SessionBuffer != 64 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if string(cfg.HMACSecret()) != "s" {
		t.Fatalf("expected test secret, got %q", cfg.HMACSecret())
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	body := `
listen_addr: ":9000"
store:
  driver: tables
  connection_string: UseDevelopmentStorage=true
redis:
  connection_string: redis://localhost:6379/0
  cache_ttl: 30s
hub:
  session_buffer: 8
  heartbeat: 5s
auth:
  domain: tenant.example.com
  audience: api://board
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path, envMap(map[string]string{
		"HUB_SESSION_BUFFER": "16",
		"PORT":               "7000",
		"TASKS_TABLE":        "BoardTasks",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":7000" {
		t.Fatalf("expected PORT to override file, got %q", cfg.ListenAddr)
	}
	if cfg.Store.Driver != "tables" || cfg.Store.TasksTable != "BoardTasks" || cfg.Store.ActorsTable != "Actors" {
		t.Fatalf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Redis.CacheTTL != 30*time.Second || cfg.Redis.DeduperTTL != 24*time.Hour {
		t.Fatalf("unexpected redis config: %+v", cfg.Redis)
	}
	if cfg.Hub.SessionBuffer != 16 || cfg.Hub.Heartbeat != 5*time.Second {
		t.Fatalf("unexpected hub config: %+v", cfg.Hub)
	}
	if cfg.HMACSecret() != nil || cfg.Issuer() != "https://tenant.example.com/" {
		t.Fatalf("unexpected auth config: %+v", cfg.Auth)
	}
	if cfg.JWKSURL() != "https://tenant.example.com/.well-known/jwks.json" {
		t.Fatalf("unexpected jwks url %q", cfg.JWKSURL())
	}
}

func TestListenAddrWinsOverPort(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"PORT": "7000", "LISTEN_ADDR": "127.0.0.1:9999",
		"LOCAL_AUTH_MODE": "true", "LOCAL_AUTH_SHARED_SECRET": "local",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9999" || string(cfg.HMACSecret()) != "local" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load("", envMap(map[string]string{
		"DEBUG":              "maybe",
		"HEARTBEAT_INTERVAL": "soon",
		"HUB_SESSION_BUFFER": "x",
	}))
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, key := range []string{"DEBUG", "HEARTBEAT_INTERVAL", "HUB_SESSION_BUFFER"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected %s in error, got %v", key, err)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "unknown driver",
			env:  map[string]string{"STORE_DRIVER": "mongo", "AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "s"},
			want: "unknown STORE_DRIVER",
		},
		{
			name: "tables without connection",
			env:  map[string]string{"STORE_DRIVER": "tables", "AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "s"},
			want: "missing storage config",
		},
		{
			name: "no auth",
			env:  map[string]string{},
			want: "missing Auth0 config",
		},
		{
			name: "test mode without secret",
			env:  map[string]string{"AUTH0_TEST_MODE": "1"},
			want: "TEST_JWT_SECRET",
		},
		{
			name: "zero buffer",
			env:  map[string]string{"HUB_SESSION_BUFFER": "0", "AUTH0_TEST_MODE": "1", "TEST_JWT_SECRET": "s"},
			want: "HUB_SESSION_BUFFER",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load("", envMap(tc.env))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil)); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestRedisOptions(t *testing.T) {
	opts := RedisOptions("cache.example.net:6380,password=secret,ssl=True,abortConnect=False")
	if opts.Addr != "cache.example.net:6380" || opts.Password != "secret" || opts.TLSConfig == nil {
		t.Fatalf("unexpected options: %+v", opts)
	}
	opts = RedisOptions("redis://localhost:6379/2")
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.TLSConfig != nil {
		t.Fatalf("unexpected url options: %+v", opts)
	}
}
