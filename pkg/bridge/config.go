// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config holds the bridge framework configuration.
type Config struct {
	// HomeserverDomain is the server name ghosts and aliases live on.
	HomeserverDomain string `yaml:"homeserver_domain"`
	// NamePrefix is the localpart prefix of the ghost user namespace,
	// e.g. "_myproto_".
	NamePrefix string `yaml:"name_prefix"`
	// AliasPrefix is the localpart prefix of the room alias namespace.
	AliasPrefix string `yaml:"alias_prefix"`

	// ProtocolID identifies the bridged protocol in bridge info events.
	ProtocolID          string `yaml:"protocol_id"`
	ProtocolDisplayname string `yaml:"protocol_displayname"`
	ProtocolAvatarMXC   string `yaml:"protocol_avatar_mxc"`
	// ProtocolExternalURL is linked from bridge info events when set.
	ProtocolExternalURL string `yaml:"protocol_external_url"`

	DisplaynameTemplate string `yaml:"displayname_template"`

	// LockTimeoutSeconds bounds how long a reconciliation may hold an
	// entity lock before it is force-released. Defaults to 30.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds"`

	displaynameTemplate *template.Template `yaml:"-"`
}

// DisplaynameParams holds the parameters for rendering the displayname template.
type DisplaynameParams struct {
	Name     string
	UserID   string
	PuppetID int
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config and compiles the displayname template.
func (c *Config) PostProcess() error {
	if c.HomeserverDomain == "" {
		return fmt.Errorf("homeserver_domain is required")
	}
	if c.DisplaynameTemplate == "" {
		c.DisplaynameTemplate = "{{.Name}}"
	}
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

// LockTimeout returns the configured lock timeout as a duration.
func (c *Config) LockTimeout() time.Duration {
	if c.LockTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTimeoutSeconds) * time.Second
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver_domain")
	helper.Copy(up.Str, "name_prefix")
	helper.Copy(up.Str, "alias_prefix")
	helper.Copy(up.Str, "protocol_id")
	helper.Copy(up.Str, "protocol_displayname")
	helper.Copy(up.Str, "protocol_avatar_mxc")
	helper.Copy(up.Str, "protocol_external_url")
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Int, "lock_timeout_seconds")
}

// ConfigUpgrader returns the example config and an upgrader that carries
// user values across config schema versions.
func ConfigUpgrader(cfg *Config) (example string, data any, upgrader up.BaseUpgrader) {
	return ExampleConfig, cfg, &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// FormatDisplayname generates a ghost display name from the template and
// params. Falls back to the raw name if the template fails.
func (c *Config) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.Name
	}
	var buf []byte
	err := c.displaynameTemplate.Execute((*templateBuffer)(&buf), params)
	if err != nil {
		return params.Name
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
