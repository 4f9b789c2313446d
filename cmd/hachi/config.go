package main

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/hachi/hachi/credits"
	httpfrontend "github.com/hachi/hachi/frontend/http"
	udpfrontend "github.com/hachi/hachi/frontend/udp"
	websocketfrontend "github.com/hachi/hachi/frontend/websocket"
	"github.com/hachi/hachi/middleware"
	"github.com/hachi/hachi/middleware/auth"
	"github.com/hachi/hachi/middleware/torrent"
)

// DriverConfig is the generic configuration format for subsystems selected
// by name at runtime. The inner config is re-marshaled into whatever type
// the chosen driver expects.
type DriverConfig struct {
	Name   string      `yaml:"name"`
	Config interface{} `yaml:"config"`
}

// Config represents the configuration used for executing Hachi.
type Config struct {
	middleware.Config `yaml:",inline"`
	MetricsAddr       string                   `yaml:"metrics_addr"`
	HTTPConfig        httpfrontend.Config      `yaml:"http"`
	UDPConfig         udpfrontend.Config       `yaml:"udp"`
	WebSocketConfig   websocketfrontend.Config `yaml:"websocket"`
	Storage           DriverConfig             `yaml:"storage"`
	Repository        DriverConfig             `yaml:"repository"`
	Auth              auth.Config              `yaml:"auth"`
	TorrentRegistry   torrent.Config           `yaml:"torrent_registry"`
	Credits           credits.Config           `yaml:"credits"`
	PreHooks          []middleware.HookConfig  `yaml:"prehooks"`
	PostHooks         []middleware.HookConfig  `yaml:"posthooks"`
}

// CreateHooks creates instances of Hooks for all of the PreHooks and
// PostHooks configured in a Config.
//
// The always-on hooks (authentication, torrent registry, credits, stats)
// are wired directly by Run.Start because they need more than YAML to
// construct.
func (cfg Config) CreateHooks() (preHooks, postHooks []middleware.Hook, err error) {
	preHooks, err = middleware.HooksFromHookConfigs(cfg.PreHooks)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create pre hooks")
	}

	postHooks, err = middleware.HooksFromHookConfigs(cfg.PostHooks)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to create post hooks")
	}

	return preHooks, postHooks, nil
}

// ConfigFile represents a namespaced YAML configuration file.
type ConfigFile struct {
	Hachi Config `yaml:"hachi"`
}

// ParseConfigFile returns a new ConfigFile given the path to a YAML
// configuration file.
//
// It supports relative and absolute paths and environment variables.
func ParseConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, errors.New("no config path specified")
	}

	f, err := os.Open(os.ExpandEnv(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	contents, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}

	var cfgFile ConfigFile
	err = yaml.Unmarshal(contents, &cfgFile)
	if err != nil {
		return nil, err
	}

	return &cfgFile, nil
}
