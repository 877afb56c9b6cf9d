// Package authority maps source attributes to authority tiers through a
// declarative, versioned table
package authority

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/lexledger/internal/model"
)

// SupportedVersions is the range of mapping table formats this build understands
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Classifier assigns authority tiers to sources
type Classifier struct {
	version     string
	defaultTier model.AuthorityTier
	rules       []compiledRule
}

type compiledRule struct {
	name         string
	host         string
	pathPrefix   string
	publisher    string
	documentType string
	tier         model.AuthorityTier
}

// LoadMapping reads a YAML mapping table from disk
func LoadMapping(path string) (*model.AuthorityMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read authority mapping: %w", err)
	}
	var m model.AuthorityMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse authority mapping %s: %w", path, err)
	}
	return &m, nil
}

// FromConfig loads the mapping file when set, otherwise the inline or built-in table
func FromConfig(cfg model.AuthorityConfig) (*Classifier, error) {
	m := cfg.Mapping
	if cfg.MappingFile != "" {
		loaded, err := LoadMapping(cfg.MappingFile)
		if err != nil {
			return nil, err
		}
		m = loaded
	}
	if m == nil {
		m = model.DefaultAuthorityMapping()
	}
	return NewClassifier(m)
}

// NewClassifier validates and compiles a mapping table
func NewClassifier(m *model.AuthorityMapping) (*Classifier, error) {
	if m == nil {
		return nil, fmt.Errorf("authority mapping is nil")
	}
	if err := checkVersion(m.Version); err != nil {
		return nil, err
	}

	c := &Classifier{version: m.Version, defaultTier: model.TierPractice}
	if m.DefaultTier != "" {
		tier := model.ParseTier(m.DefaultTier)
		if tier == model.TierUnknown {
			return nil, fmt.Errorf("authority mapping: unknown default tier %q", m.DefaultTier)
		}
		c.defaultTier = tier
	}

	for i, r := range m.Rules {
		tier := model.ParseTier(r.Tier)
		if tier == model.TierUnknown {
			return nil, fmt.Errorf("authority rule %d (%s): unknown tier %q", i, r.Name, r.Tier)
		}
		if r.Host == "" && r.PathPrefix == "" && r.Publisher == "" && r.DocumentType == "" {
			return nil, fmt.Errorf("authority rule %d (%s): at least one matcher is required", i, r.Name)
		}
		c.rules = append(c.rules, compiledRule{
			name:         r.Name,
			host:         strings.ToLower(strings.TrimPrefix(r.Host, ".")),
			pathPrefix:   r.PathPrefix,
			publisher:    strings.TrimSpace(r.Publisher),
			documentType: strings.TrimSpace(r.DocumentType),
			tier:         tier,
		})
	}
	return c, nil
}

func checkVersion(v string) error {
	if v == "" {
		return fmt.Errorf("authority mapping: version is required")
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("authority mapping: invalid version %q: %w", v, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(ver) {
		return fmt.Errorf("authority mapping version %s is outside supported range %s", v, SupportedVersions)
	}
	return nil
}

// Version returns the mapping table version
func (c *Classifier) Version() string {
	return c.version
}

// Classify returns the tier of the first matching rule and its name.
// Unmatched sources get the default tier and an empty rule name.
func (c *Classifier) Classify(attrs model.SourceAttributes) (model.AuthorityTier, string) {
	host, path := splitURL(attrs.URL)
	for _, r := range c.rules {
		if r.matches(host, path, attrs) {
			return r.tier, r.name
		}
	}
	return c.defaultTier, ""
}

func (r compiledRule) matches(host, path string, attrs model.SourceAttributes) bool {
	if r.host != "" && host != r.host && !strings.HasSuffix(host, "."+r.host) {
		return false
	}
	if r.pathPrefix != "" && !strings.HasPrefix(path, r.pathPrefix) {
		return false
	}
	if r.publisher != "" && !strings.EqualFold(r.publisher, strings.TrimSpace(attrs.Publisher)) {
		return false
	}
	if r.documentType != "" && !strings.EqualFold(r.documentType, strings.TrimSpace(attrs.DocumentType)) {
		return false
	}
	return true
}

func splitURL(raw string) (host, path string) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", ""
	}
	return strings.ToLower(parsed.Hostname()), parsed.Path
}
