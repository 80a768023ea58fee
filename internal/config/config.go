// Package config loads the gateway's static YAML configuration: listen
// address, and the per-topic participant roster and runtime bounds.
// Structure and the env-override convention follow the tool-routes
// config in the wider project this gateway was split out of.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mew-protocol/gateway/pkg/types"
)

// Duration wraps time.Duration so config files can write "30s" instead
// of a raw integer of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalYAML allows a duration field to be either a duration string
// ("30s", "5m") or a bare integer of seconds.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			// An integer scalar also decodes as a string; read it as seconds.
			seconds, convErr := strconv.ParseInt(s, 10, 64)
			if convErr != nil {
				return fmt.Errorf("config: invalid duration %q: %w", s, err)
			}
			parsed = time.Duration(seconds) * time.Second
		}
		d.Duration = parsed
		return nil
	}

	var seconds int64
	if err := unmarshal(&seconds); err != nil {
		return fmt.Errorf("config: duration must be a string or integer seconds")
	}
	d.Duration = time.Duration(seconds) * time.Second
	return nil
}

// MarshalYAML renders the duration back out as a Go duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// CapabilityRule mirrors types.CapabilityRule with YAML tags; config
// files are authored in YAML while the wire protocol is JSON.
type CapabilityRule struct {
	Kind    string         `yaml:"kind"`
	To      []string       `yaml:"to,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
}

// ToRule converts the YAML-shaped rule to the wire type used everywhere
// else in the gateway.
func (c CapabilityRule) ToRule() types.CapabilityRule {
	return types.CapabilityRule{Kind: c.Kind, To: c.To, Payload: c.Payload}
}

// Participant is one statically configured identity within a topic.
type Participant struct {
	ID           string           `yaml:"id"`
	Name         string           `yaml:"name,omitempty"`
	Kind         string           `yaml:"kind,omitempty"`
	Tokens       []string         `yaml:"tokens"`
	Capabilities []CapabilityRule `yaml:"capabilities,omitempty"`
}

// ToParticipant builds the runtime Participant this config entry
// describes.
func (p Participant) ToParticipant() *types.Participant {
	rules := make([]types.CapabilityRule, 0, len(p.Capabilities))
	for _, c := range p.Capabilities {
		rules = append(rules, c.ToRule())
	}
	tokens := make(map[string]struct{}, len(p.Tokens))
	for _, t := range p.Tokens {
		tokens[t] = struct{}{}
	}
	return &types.Participant{
		ID:           p.ID,
		Name:         p.Name,
		Kind:         p.Kind,
		Capabilities: rules,
		Tokens:       tokens,
		Status:       "offline",
	}
}

// Topic is one configured MEW space.
type Topic struct {
	Name              string        `yaml:"name"`
	MaxParticipants   int           `yaml:"max_participants,omitempty"`
	HistoryLimit      int           `yaml:"history_limit,omitempty"`
	HistoryMaxBytes   int           `yaml:"history_max_bytes,omitempty"`
	HistoryOnJoin     int           `yaml:"history_on_join,omitempty"`
	GrantAckTimeout   Duration      `yaml:"grant_ack_timeout,omitempty"`
	StreamOpenTimeout Duration      `yaml:"stream_open_timeout,omitempty"`
	Participants      []Participant `yaml:"participants"`
}

// Gateway is the top-level gateway configuration document.
type Gateway struct {
	ListenAddr      string   `yaml:"listen_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins,omitempty"`
	Topics          []Topic  `yaml:"topics"`
	MirrorRabbitMQ  string   `yaml:"mirror_rabbitmq_url,omitempty"`
	MirrorSQSRegion string   `yaml:"mirror_sqs_region,omitempty"`
	AuditDSN        string   `yaml:"audit_dsn,omitempty"`
}

// Load reads and parses a gateway configuration document from path,
// then applies MEW_GATEWAY_* environment overrides for the fields
// operators most commonly need to vary per-deployment without editing
// the checked-in file.
func Load(path string) (*Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var g Gateway
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	g.ListenAddr = getEnvString("MEW_GATEWAY_LISTEN_ADDR", g.ListenAddr)
	g.MirrorRabbitMQ = getEnvString("MEW_GATEWAY_MIRROR_RABBITMQ_URL", g.MirrorRabbitMQ)
	g.MirrorSQSRegion = getEnvString("MEW_GATEWAY_MIRROR_SQS_REGION", g.MirrorSQSRegion)
	g.AuditDSN = getEnvString("MEW_GATEWAY_AUDIT_DSN", g.AuditDSN)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return &g, nil
}

// Validate rejects an obviously malformed configuration before the
// gateway starts serving.
func (g *Gateway) Validate() error {
	if g.ListenAddr == "" {
		return fmt.Errorf("config: listen_addr is required")
	}
	if len(g.Topics) == 0 {
		return fmt.Errorf("config: at least one topic is required")
	}
	seen := make(map[string]bool, len(g.Topics))
	for _, t := range g.Topics {
		if t.Name == "" {
			return fmt.Errorf("config: topic name cannot be empty")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate topic name %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
