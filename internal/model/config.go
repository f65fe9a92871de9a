package model

import (
	"fmt"
	"io"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"`
	Service   Service   `json:"service" yaml:"service"`
	Crawler   Crawler   `json:"crawler" yaml:"crawler"`
	Cookies   Cookies   `json:"cookies" yaml:"cookies"`
	Retention Retention `json:"retention" yaml:"retention"`
	HTTP      HTTP      `json:"http" yaml:"http"`
	Login     Login     `json:"login" yaml:"login"`
	Archive   *Archive  `json:"archive,omitempty" yaml:"archive,omitempty"`
}

type Service struct {
	Verbose bool   `json:"verbose" yaml:"verbose"`
	Log     string `json:"log" yaml:"log"` // stderr | stdout | discard
}

// Crawler describes how the external collection program is started.
type Crawler struct {
	Command     []string          `json:"command" yaml:"command"`
	Dir         string            `json:"dir" yaml:"dir"`
	BrowserData string            `json:"browser_data" yaml:"browser_data"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

type Cookies struct {
	Dir    string `json:"dir" yaml:"dir"`
	MaxAge string `json:"max_age" yaml:"max_age"` // ISO 8601 duration
}

func (c Cookies) MaxAgeDuration() (time.Duration, error) {
	return ParseISODuration(c.MaxAge)
}

// Retention controls the periodic cleanup of finished jobs.
type Retention struct {
	Keep     int    `json:"keep" yaml:"keep"`
	Schedule string `json:"schedule" yaml:"schedule"` // cron expression or ISO 8601 duration
}

type HTTP struct {
	Addr string `json:"addr" yaml:"addr"`
}

type Login struct {
	Headless bool   `json:"headless" yaml:"headless"`
	Timeout  string `json:"timeout" yaml:"timeout"`
	Dir      string `json:"dir" yaml:"dir"`
	ExecPath string `json:"exec_path,omitempty" yaml:"exec_path,omitempty"`
}

func (l Login) TimeoutDuration() (time.Duration, error) {
	return ParseISODuration(l.Timeout)
}

// Archive enables the sqlite copy of finished job results.
type Archive struct {
	Path string `json:"path" yaml:"path"`
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
// Validation failures are returned as *ConfigError.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return nil, &ConfigError{Err: err, Details: humanize(err)}
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := out.Cookies.MaxAgeDuration(); err != nil {
		return nil, fmt.Errorf("cookies.max_age: %w", err)
	}
	if _, err := out.Login.TimeoutDuration(); err != nil {
		return nil, fmt.Errorf("login.timeout: %w", err)
	}
	if _, err := ParseSchedule(out.Retention.Schedule); err != nil {
		return nil, fmt.Errorf("retention.schedule: %w", err)
	}
	return &out, nil
}

// DefaultConfig is the configuration of an empty document.
func DefaultConfig() *Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
