package rules

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/jsonc"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// ErrMalformedDocument is returned when a rule document cannot be decoded or a
// record is missing a required field.
var ErrMalformedDocument = errors.New("malformed rule document")

// stringList accepts either a scalar or a sequence of scalars.
type stringList []string

func (l *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*l = nil
			return nil
		}
		*l = stringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var out []string
		if err := node.Decode(&out); err != nil {
			return err
		}
		*l = out
		return nil
	}
	return fmt.Errorf("line %d: expected string or list of strings", node.Line)
}

type appScopeRecord struct {
	Container             string `yaml:"container"`
	Service               string `yaml:"service"`
	AppID                 string `yaml:"appId"`
	AllowAnyAppID         bool   `yaml:"allowAnyAppId"`
	AllowAnyPrivateApp    bool   `yaml:"allowAnyPrivateApp"`
	AllowAnyPrivateGadget bool   `yaml:"allowAnyPrivateGadget"`
}

// ruleRecord is the on-disk shape of a rule, including the legacy tag names
// older documents still use.
type ruleRecord struct {
	SeqNum  *int `yaml:"seqNum"`
	RuleNum *int `yaml:"ruleNum"`

	OwnerID  string `yaml:"ownerId"`
	AgentID  string `yaml:"agentId"`
	ClientID string `yaml:"clientId"`

	AllowedPrincipals stringList `yaml:"allowedPrincipals"`
	AllowedEntities   stringList `yaml:"allowedEntities"`
	ViewerEmail       stringList `yaml:"viewerEmail"`

	AppScopes   []appScopeRecord `yaml:"appScopes"`
	Apps        []appScopeRecord `yaml:"apps"`
	AllowAnyApp bool             `yaml:"allowAnyApp"`

	Pattern     string `yaml:"pattern"`
	URL         string `yaml:"url"`
	PatternType string `yaml:"patternType"`
	URLMatch    string `yaml:"urlMatch"`

	// Deprecated and ignored.
	Name                   string     `yaml:"name"`
	HealthCheckGadgetUsers stringList `yaml:"healthCheckGadgetUsers"`
}

type ruleDocument struct {
	Resources     []ruleRecord `yaml:"resources"`
	ResourceRules []ruleRecord `yaml:"resourceRules"`
}

// Parse decodes a rule document. The document is YAML (JSON and JSON with
// comments are accepted too) and is either a list of rule records or a mapping
// with a "resources" list. Unknown fields are ignored; a record without a
// sequence number or pattern fails the whole parse.
func Parse(document []byte) ([]ResourceRule, error) {
	document = stripJSONComments(document)

	var root yaml.Node
	if err := yaml.Unmarshal(document, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		return nil, nil
	}
	top := root.Content[0]

	var records []ruleRecord
	switch top.Kind {
	case yaml.SequenceNode:
		if err := top.Decode(&records); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
	case yaml.MappingNode:
		var doc ruleDocument
		if err := top.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
		}
		records = append(doc.Resources, doc.ResourceRules...)
	default:
		return nil, fmt.Errorf("%w: expected a list of rules", ErrMalformedDocument)
	}

	return fromRecords(records)
}

// ParseRecords converts already-decoded key/value records into rules with the
// same field names and checks as [Parse].
func ParseRecords(records []map[string]any) ([]ResourceRule, error) {
	raw, err := yaml.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	var decoded []ruleRecord
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return fromRecords(decoded)
}

func fromRecords(records []ruleRecord) ([]ResourceRule, error) {
	var errs error
	out := make([]ResourceRule, 0, len(records))
	for i, rec := range records {
		rule, err := rec.toRule()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("record %d: %w", i+1, err))
			continue
		}
		out = append(out, rule)
	}
	if errs != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, joinLines(errs))
	}
	return out, nil
}

func (rec ruleRecord) toRule() (ResourceRule, error) {
	seq := rec.SeqNum
	if seq == nil {
		seq = rec.RuleNum
	}
	if seq == nil {
		return ResourceRule{}, errors.New("missing seqNum")
	}

	pattern := firstNonEmpty(rec.Pattern, rec.URL)
	if pattern == "" {
		return ResourceRule{}, fmt.Errorf("resource %d: missing pattern", *seq)
	}

	pt, err := parsePatternType(firstNonEmpty(rec.PatternType, rec.URLMatch))
	if err != nil {
		return ResourceRule{}, fmt.Errorf("resource %d: %w", *seq, err)
	}

	rule := ResourceRule{
		SeqNum:      *seq,
		OwnerID:     firstNonEmpty(rec.OwnerID, rec.AgentID, rec.ClientID),
		Pattern:     pattern,
		PatternType: pt,
		AllowAnyApp: rec.AllowAnyApp,
	}
	rule.AllowedPrincipals = append(rule.AllowedPrincipals, rec.AllowedPrincipals...)
	rule.AllowedPrincipals = append(rule.AllowedPrincipals, rec.AllowedEntities...)
	rule.AllowedPrincipals = append(rule.AllowedPrincipals, rec.ViewerEmail...)

	for _, app := range append(rec.AppScopes, rec.Apps...) {
		rule.AppScopes = append(rule.AppScopes, AppScope{
			Container:          firstNonEmpty(app.Container, app.Service),
			AppID:              app.AppID,
			AllowAnyAppID:      app.AllowAnyAppID,
			AllowAnyPrivateApp: app.AllowAnyPrivateApp || app.AllowAnyPrivateGadget,
		})
	}
	return rule, nil
}

func parsePatternType(raw string) (PatternType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(HostPort):
		return HostPort, nil
	case string(URLExact):
		return URLExact, nil
	}
	return "", fmt.Errorf("unknown pattern type %q", raw)
}

// stripJSONComments removes comments from JSON documents so they decode as
// YAML flow content. Anything that does not look like JSON passes through.
func stripJSONComments(document []byte) []byte {
	trimmed := bytes.TrimSpace(document)
	if len(trimmed) == 0 || (trimmed[0] != '[' && trimmed[0] != '{') {
		return document
	}
	return jsonc.ToJSON(document)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
