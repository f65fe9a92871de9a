package model

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

// CrawlerConfig is the effective configuration of one crawler run. Every
// field has a value.
type CrawlerConfig struct {
	Platform      Platform       `json:"platform"`
	EnableProxy   bool           `json:"enable_proxy"`
	ProxyProvider string         `json:"proxy_provider,omitempty"`
	ProxyConfig   map[string]any `json:"proxy_config,omitempty"`
	Headless      bool           `json:"headless"`
	UserAgent     string         `json:"user_agent,omitempty"`
	WindowSize    string         `json:"window_size"`
	MaxRetries    int            `json:"max_retries"`
	DelayRange    [2]int         `json:"delay_range"`
	Timeout       int            `json:"timeout"`
	Comments      bool           `json:"enable_comments"`
	SubComments   bool           `json:"enable_sub_comments"`
	MaxComments   int            `json:"max_comments"`
	SaveMode      SaveMode       `json:"save_data_option"`
}

// Overrides is one configuration layer. Only non-nil fields replace the
// value of the layer below.
type Overrides struct {
	EnableProxy   *bool          `json:"enable_proxy,omitempty" mapstructure:"enable_proxy"`
	ProxyProvider *string        `json:"proxy_provider,omitempty" mapstructure:"proxy_provider"`
	ProxyConfig   map[string]any `json:"proxy_config,omitempty" mapstructure:"proxy_config"`
	Headless      *bool          `json:"headless,omitempty" mapstructure:"headless"`
	UserAgent     *string        `json:"user_agent,omitempty" mapstructure:"user_agent"`
	WindowSize    *string        `json:"window_size,omitempty" mapstructure:"window_size"`
	MaxRetries    *int           `json:"max_retries,omitempty" mapstructure:"max_retries"`
	DelayRange    []int          `json:"delay_range,omitempty" mapstructure:"delay_range"`
	Timeout       *int           `json:"timeout,omitempty" mapstructure:"timeout"`
	Comments      *bool          `json:"enable_comments,omitempty" mapstructure:"enable_comments"`
	SubComments   *bool          `json:"enable_sub_comments,omitempty" mapstructure:"enable_sub_comments"`
	MaxComments   *int           `json:"max_comments,omitempty" mapstructure:"max_comments"`
	SaveMode      *SaveMode      `json:"save_data_option,omitempty" mapstructure:"save_data_option"`
}

var windowSizeRx = regexp.MustCompile(`^\d+,\d+$`)

func (o Overrides) Validate() error {
	switch {
	case o.WindowSize != nil && !windowSizeRx.MatchString(*o.WindowSize):
		return &ValidationError{Field: "window_size", Reason: "expected format width,height"}
	case o.MaxRetries != nil && (*o.MaxRetries < 0 || *o.MaxRetries > 10):
		return &ValidationError{Field: "max_retries", Reason: "must be within 0..10"}
	case o.Timeout != nil && (*o.Timeout < 10 || *o.Timeout > 300):
		return &ValidationError{Field: "timeout", Reason: "must be within 10..300"}
	case o.MaxComments != nil && (*o.MaxComments < 0 || *o.MaxComments > 1000):
		return &ValidationError{Field: "max_comments", Reason: "must be within 0..1000"}
	case o.SaveMode != nil && !o.SaveMode.Valid():
		return &ValidationError{Field: "save_data_option", Reason: fmt.Sprintf("unsupported save mode %q", *o.SaveMode)}
	}
	if o.DelayRange != nil {
		if len(o.DelayRange) != 2 {
			return &ValidationError{Field: "delay_range", Reason: "expected exactly two values"}
		}
		if o.DelayRange[0] > o.DelayRange[1] {
			return &ValidationError{Field: "delay_range", Reason: "first value must not exceed the second"}
		}
	}
	return nil
}

// DefaultCrawlerConfig is the built-in bottom layer.
func DefaultCrawlerConfig(p Platform) CrawlerConfig {
	return CrawlerConfig{
		Platform:    p,
		Headless:    true,
		WindowSize:  "1920,1080",
		MaxRetries:  3,
		DelayRange:  [2]int{1, 3},
		Timeout:     30,
		Comments:    true,
		MaxComments: 50,
		SaveMode:    SaveDB,
	}
}

// Apply merges the layer into c field by field.
func (c CrawlerConfig) Apply(o *Overrides) CrawlerConfig {
	if o == nil {
		return c
	}
	if o.EnableProxy != nil {
		c.EnableProxy = *o.EnableProxy
	}
	if o.ProxyProvider != nil {
		c.ProxyProvider = *o.ProxyProvider
	}
	if o.ProxyConfig != nil {
		c.ProxyConfig = o.ProxyConfig
	}
	if o.Headless != nil {
		c.Headless = *o.Headless
	}
	if o.UserAgent != nil {
		c.UserAgent = *o.UserAgent
	}
	if o.WindowSize != nil {
		c.WindowSize = *o.WindowSize
	}
	if o.MaxRetries != nil {
		c.MaxRetries = *o.MaxRetries
	}
	if len(o.DelayRange) == 2 {
		c.DelayRange = [2]int{o.DelayRange[0], o.DelayRange[1]}
	}
	if o.Timeout != nil {
		c.Timeout = *o.Timeout
	}
	if o.Comments != nil {
		c.Comments = *o.Comments
	}
	if o.SubComments != nil {
		c.SubComments = *o.SubComments
	}
	if o.MaxComments != nil {
		c.MaxComments = *o.MaxComments
	}
	if o.SaveMode != nil {
		c.SaveMode = *o.SaveMode
	}
	return c
}

// JobOverrides turns the job level flags into a layer. It is used only
// when the caller did not send explicit overrides.
func JobOverrides(j CollectionJob) *Overrides {
	o := &Overrides{
		EnableProxy: Bool(j.Flags.UseProxy),
		Headless:    Bool(j.Flags.Headless),
		Comments:    Bool(j.Flags.Comments),
		SubComments: Bool(j.Flags.SubComments),
		MaxComments: Int(j.Limits.MaxComments),
	}
	if j.SaveMode != "" {
		m := j.SaveMode
		o.SaveMode = &m
	}
	return o
}

const EnvPrefix = "HARVESTER"

// EnvOverrides reads the default_* keys from the environment, for example
// HARVESTER_DEFAULT_HEADLESS=false.
func EnvOverrides(v *viper.Viper) *Overrides {
	if v == nil {
		v = viper.New()
		v.SetEnvPrefix(EnvPrefix)
		v.AutomaticEnv()
	}
	o := &Overrides{}
	if v.IsSet("default_headless") {
		o.Headless = Bool(v.GetBool("default_headless"))
	}
	if v.IsSet("default_enable_proxy") {
		o.EnableProxy = Bool(v.GetBool("default_enable_proxy"))
	}
	if v.IsSet("default_proxy_provider") {
		o.ProxyProvider = String(v.GetString("default_proxy_provider"))
	}
	if v.IsSet("default_max_retries") {
		o.MaxRetries = Int(v.GetInt("default_max_retries"))
	}
	if v.IsSet("default_timeout") {
		o.Timeout = Int(v.GetInt("default_timeout"))
	}
	return o
}
