package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "toml":
		return tomlTemplate, nil
	case "yaml", "yml":
		return yamlTemplate, nil
	default:
		return "", fmt.Errorf("unknown config format: %s", format)
	}
}

func WriteTemplate(path, format string, overwrite bool) error {
	template, err := Template(format)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `[engine]
executable = "pkl"
request_timeout = "60s"
stop_timeout = "3s"
max_consecutive_timeouts = 0

[evaluator]
allowed_modules = ["pkl:", "repl:", "file:", "https:", "package:"]
allowed_resources = ["env:", "prop:", "file:", "https:", "package:"]
module_paths = []
inherit_env = true
output_format = "pcf"
timeout = "30s"

[evaluator.properties]
environment = "dev"
`

const yamlTemplate = `engine:
  executable: pkl
  request_timeout: 60s
  stop_timeout: 3s
  max_consecutive_timeouts: 0
evaluator:
  allowed_modules: ["pkl:", "repl:", "file:", "https:", "package:"]
  allowed_resources: ["env:", "prop:", "file:", "https:", "package:"]
  module_paths: []
  inherit_env: true
  output_format: pcf
  timeout: 30s
  properties:
    environment: dev
`
