package evaluator

import (
	"math"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/danmuck/pklctl/internal/protocol"
	"github.com/danmuck/pklctl/internal/reader"
)

var (
	DefaultAllowedModules = []string{
		"pkl:", "repl:", "file:", "http:", "https:", "modulepath:", "package:", "projectpackage:",
	}
	DefaultAllowedResources = []string{
		"http:", "https:", "file:", "env:", "prop:", "modulepath:", "package:", "projectpackage:",
	}
)

// Host is the ambient state evaluator defaults are derived from. It is
// captured once by the caller and passed in explicitly.
type Host struct {
	HomeDir string
	Env     map[string]string
}

// Options configures one evaluator. It is copied when the evaluator is
// created, so later changes by the caller have no effect.
type Options struct {
	AllowedModules   []string
	AllowedResources []string
	ModuleReaders    []reader.ModuleReader
	ResourceReaders  []reader.ResourceReader
	ModulePaths      []string
	Env              map[string]string
	Properties       map[string]string
	// OutputFormat is one of json, jsonnet, pcf, properties, plist, textproto, xml, yaml.
	OutputFormat string
	RootDir      string
	CacheDir     string
	Project      *protocol.ProjectOrDependency
	// Timeout bounds one evaluation on the engine side. Zero means no bound.
	Timeout time.Duration
}

// DefaultOptions returns the standard allow lists, the host environment,
// and a cache directory under the home directory.
func DefaultOptions(host Host) Options {
	opts := Options{
		AllowedModules:   append([]string(nil), DefaultAllowedModules...),
		AllowedResources: append([]string(nil), DefaultAllowedResources...),
		Env:              copyMap(host.Env),
	}
	if host.HomeDir != "" {
		opts.CacheDir = filepath.Join(host.HomeDir, ".pkl", "cache")
	}
	return opts
}

// AddModuleReader registers r and allows its scheme.
func (o *Options) AddModuleReader(r reader.ModuleReader) {
	o.ModuleReaders = append(o.ModuleReaders, r)
	o.AllowedModules = appendScheme(o.AllowedModules, r.Scheme())
}

// AddResourceReader registers r and allows its scheme.
func (o *Options) AddResourceReader(r reader.ResourceReader) {
	o.ResourceReaders = append(o.ResourceReaders, r)
	o.AllowedResources = appendScheme(o.AllowedResources, r.Scheme())
}

func appendScheme(list []string, scheme string) []string {
	prefix := strings.TrimSuffix(scheme, ":") + ":"
	for _, existing := range list {
		if existing == prefix {
			return list
		}
	}
	return append(list, prefix)
}

func (o Options) clone() Options {
	c := o
	c.AllowedModules = append([]string(nil), o.AllowedModules...)
	c.AllowedResources = append([]string(nil), o.AllowedResources...)
	c.ModuleReaders = append([]reader.ModuleReader(nil), o.ModuleReaders...)
	c.ResourceReaders = append([]reader.ResourceReader(nil), o.ResourceReaders...)
	c.ModulePaths = append([]string(nil), o.ModulePaths...)
	c.Env = copyMap(o.Env)
	c.Properties = copyMap(o.Properties)
	return c
}

func (o Options) createMessage(requestID int64) *protocol.CreateEvaluator {
	msg := &protocol.CreateEvaluator{
		RequestID:        requestID,
		AllowedModules:   o.AllowedModules,
		AllowedResources: o.AllowedResources,
		ModulePaths:      o.ModulePaths,
		Env:              o.Env,
		Properties:       o.Properties,
		OutputFormat:     o.OutputFormat,
		RootDir:          o.RootDir,
		CacheDir:         o.CacheDir,
		Project:          o.Project,
	}
	if o.Timeout > 0 {
		msg.TimeoutSeconds = int64(math.Ceil(o.Timeout.Seconds()))
	}
	for _, r := range o.ModuleReaders {
		msg.ClientModuleReaders = append(msg.ClientModuleReaders, protocol.ModuleReaderSpec{
			Scheme:              r.Scheme(),
			HasHierarchicalUris: r.HasHierarchicalUris(),
			IsGlobbable:         r.IsGlobbable(),
			IsLocal:             r.IsLocal(),
		})
	}
	for _, r := range o.ResourceReaders {
		msg.ClientResourceReaders = append(msg.ClientResourceReaders, protocol.ResourceReaderSpec{
			Scheme:              r.Scheme(),
			HasHierarchicalUris: r.HasHierarchicalUris(),
			IsGlobbable:         r.IsGlobbable(),
		})
	}
	return msg
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// ModuleSource names the module to evaluate. Text, when set, is used as the
// module body instead of loading URI.
type ModuleSource struct {
	URI  string
	Text *string
}

func URISource(uri string) ModuleSource {
	return ModuleSource{URI: uri}
}

// TextSource evaluates text as an anonymous module.
func TextSource(text string) ModuleSource {
	return ModuleSource{URI: "repl:text", Text: &text}
}

// FileSource evaluates a module on the local filesystem.
func FileSource(path string) (ModuleSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ModuleSource{}, err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return ModuleSource{URI: u.String()}, nil
}
