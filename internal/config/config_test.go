package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/pklctl/internal/evaluator"
	"github.com/danmuck/pklctl/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHost = evaluator.Host{HomeDir: "/home/pkl", Env: map[string]string{"HOME": "/home/pkl", "USER": "pkl"}}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOMLOverridesOnlyDefinedKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "pklctl.toml", `
[engine]
executable = "/opt/pkl/bin/pkl"
request_timeout = "5s"
max_consecutive_timeouts = 3

[evaluator]
module_paths = ["/srv/modules"]
output_format = "YAML"
timeout = "1500ms"

[evaluator.env]
EXTRA = "1"
`)
	cfg, err := Load(path, testHost)
	require.NoError(t, err)

	def := Default(testHost)
	assert.Equal(t, "/opt/pkl/bin/pkl", cfg.Manager.Process.Executable)
	assert.Equal(t, def.Manager.Process.Args, cfg.Manager.Process.Args)
	assert.Equal(t, 5*time.Second, cfg.Manager.RequestTimeout)
	assert.Equal(t, 3, cfg.Manager.MaxConsecutiveTimeouts)
	assert.Equal(t, def.Manager.Process.StopTimeout, cfg.Manager.Process.StopTimeout)

	assert.Equal(t, evaluator.DefaultAllowedModules, cfg.Options.AllowedModules)
	assert.Equal(t, []string{"/srv/modules"}, cfg.Options.ModulePaths)
	assert.Equal(t, "yaml", cfg.Options.OutputFormat)
	assert.Equal(t, 1500*time.Millisecond, cfg.Options.Timeout)
	assert.Equal(t, filepath.Join("/home/pkl", ".pkl", "cache"), cfg.Options.CacheDir)
	assert.Equal(t, map[string]string{"HOME": "/home/pkl", "USER": "pkl", "EXTRA": "1"}, cfg.Options.Env)
}

func TestLoadYAML(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, "pklctl.yaml", `
engine:
  args: ["server", "--verbose"]
  stop_timeout: 1s
evaluator:
  allowed_resources: ["env:"]
  inherit_env: false
  env:
    ONLY: "this"
  properties:
    stage: prod
  cache_dir: ""
`)
	cfg, err := Load(path, testHost)
	require.NoError(t, err)
	assert.Equal(t, "pkl", cfg.Manager.Process.Executable)
	assert.Equal(t, []string{"server", "--verbose"}, cfg.Manager.Process.Args)
	assert.Equal(t, time.Second, cfg.Manager.Process.StopTimeout)
	assert.Equal(t, []string{"env:"}, cfg.Options.AllowedResources)
	assert.Equal(t, map[string]string{"ONLY": "this"}, cfg.Options.Env)
	assert.Equal(t, map[string]string{"stage": "prod"}, cfg.Options.Properties)
	assert.Empty(t, cfg.Options.CacheDir)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"bad-duration.toml": "[engine]\nrequest_timeout = \"soon\"\n",
		"negative.toml":     "[evaluator]\ntimeout = \"-1s\"\n",
		"format.toml":       "[evaluator]\noutput_format = \"ini\"\n",
		"executable.toml":   "[engine]\nexecutable = \"  \"\n",
		"prefix.yml":        "evaluator:\n  allowed_modules: [\"pkl:\", \"\"]\n",
		"syntax.toml":       "[engine\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, name, body), testHost)
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), testHost)
	assert.Error(t, err)
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	for _, format := range []string{"toml", "yaml"} {
		dir := t.TempDir()
		path := filepath.Join(dir, "pklctl."+format)
		require.NoError(t, WriteTemplate(path, format, false))
		require.Error(t, WriteTemplate(path, format, false))
		require.NoError(t, WriteTemplate(path, format, true))

		cfg, err := Load(path, testHost)
		require.NoError(t, err, format)
		assert.Equal(t, "pcf", cfg.Options.OutputFormat)
		assert.Equal(t, map[string]string{"environment": "dev"}, cfg.Options.Properties)
		assert.Equal(t, 30*time.Second, cfg.Options.Timeout)
	}
	_, err := Template("ini")
	assert.Error(t, err)
}

func TestHostFromOS(t *testing.T) {
	testlog.Start(t)
	t.Setenv("PKLCTL_CONFIG_PROBE", "a=b")
	host := HostFromOS()
	assert.Equal(t, "a=b", host.Env["PKLCTL_CONFIG_PROBE"])
}
