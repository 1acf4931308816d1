package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Placeholder Resolution
// =============================================================================

// placeholderRegex matches {{ name }} tokens, whitespace-tolerant.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// exactPlaceholderRegex matches a scalar that consists of exactly one token.
var exactPlaceholderRegex = regexp.MustCompile(`^\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// identifierRegex matches a bare placeholder name.
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Resolve substitutes every {{ name }} placeholder in the template with its
// bound value and returns the concrete document.
//
// Substitution is structure-aware: the template is walked as a YAML node
// tree. A scalar consisting of exactly one placeholder takes the binding's
// type (an int binding yields a YAML integer, a bool a YAML boolean). A
// placeholder embedded in a longer scalar requires a string binding.
//
// Behavior:
//   - Placeholder with no binding → ErrMissingVariable
//   - Non-string binding embedded mid-scalar → ErrTypeMismatch
//   - Bound values are substituted verbatim and never re-scanned for
//     placeholders, so a value containing "{{" cannot expand further.
//
// Resolve is a pure function: same template and bindings produce
// byte-identical output.
//
// Example:
//
//	doc, err := Resolve("replicas: {{ workers }}", Bindings{"workers": IntValue(3)})
//	// doc == "replicas: 3\n"
func Resolve(template string, bindings Bindings) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", NewResolveError("", "template is empty", ErrInvalidTemplate)
	}

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(template), &root); err != nil {
		return "", NewResolveError("", "template is not valid YAML", ErrInvalidTemplate)
	}
	if root.Kind == 0 {
		return "", NewResolveError("", "template has no content", ErrInvalidTemplate)
	}

	if err := resolveNode(&root, bindings); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return "", NewResolveError("", "failed to render concrete document", ErrInvalidTemplate)
	}
	if err := enc.Close(); err != nil {
		return "", NewResolveError("", "failed to render concrete document", ErrInvalidTemplate)
	}

	return buf.String(), nil
}

// resolveNode walks the node tree, substituting placeholders in scalars.
// An unquoted standalone token like `replicas: {{ workers }}` is not a
// scalar at all: the braces parse as nested flow mappings. placeholderName
// recognizes that shape so the node can be rewritten in place.
func resolveNode(node *yaml.Node, bindings Bindings) error {
	if name, ok := placeholderName(node); ok {
		value, bound := bindings[name]
		if !bound {
			return NewResolveError(name, "no binding for placeholder", ErrMissingVariable)
		}
		*node = yaml.Node{Kind: yaml.ScalarNode, Value: value.String(), Tag: value.yamlTag()}
		return nil
	}

	switch node.Kind {
	case yaml.DocumentNode, yaml.SequenceNode, yaml.MappingNode:
		for _, child := range node.Content {
			if err := resolveNode(child, bindings); err != nil {
				return err
			}
		}
		return nil
	case yaml.ScalarNode:
		return resolveScalar(node, bindings)
	default:
		return nil
	}
}

// placeholderName recognizes the node shape an unquoted {{ name }} token
// parses to: a flow mapping whose single key is itself a flow mapping
// holding the bare name, with null values throughout.
func placeholderName(node *yaml.Node) (string, bool) {
	if node.Kind != yaml.MappingNode || node.Style != yaml.FlowStyle || len(node.Content) != 2 {
		return "", false
	}
	key, value := node.Content[0], node.Content[1]
	if value.Kind != yaml.ScalarNode || value.Tag != "!!null" {
		return "", false
	}
	if key.Kind != yaml.MappingNode || len(key.Content) != 2 {
		return "", false
	}
	inner, innerValue := key.Content[0], key.Content[1]
	if inner.Kind != yaml.ScalarNode || innerValue.Tag != "!!null" {
		return "", false
	}
	if !identifierRegex.MatchString(inner.Value) {
		return "", false
	}
	return inner.Value, true
}

// resolveScalar substitutes placeholders in a single scalar node.
func resolveScalar(node *yaml.Node, bindings Bindings) error {
	if !strings.Contains(node.Value, "{{") {
		return nil
	}

	// A scalar that is exactly one placeholder takes the binding's type.
	if m := exactPlaceholderRegex.FindStringSubmatch(node.Value); m != nil {
		name := m[1]
		value, ok := bindings[name]
		if !ok {
			return NewResolveError(name, "no binding for placeholder", ErrMissingVariable)
		}
		node.Value = value.String()
		node.Tag = value.yamlTag()
		node.Style = 0
		return nil
	}

	// Placeholders embedded in a longer scalar interpolate string bindings.
	var resolveErr error
	resolved := placeholderRegex.ReplaceAllStringFunc(node.Value, func(match string) string {
		if resolveErr != nil {
			return match
		}
		name := placeholderRegex.FindStringSubmatch(match)[1]
		value, ok := bindings[name]
		if !ok {
			resolveErr = NewResolveError(name, "no binding for placeholder", ErrMissingVariable)
			return match
		}
		if value.Kind() != KindString {
			resolveErr = NewResolveError(name,
				fmt.Sprintf("%s binding interpolated into a string context", value.Kind()),
				ErrTypeMismatch)
			return match
		}
		return value.String()
	})
	if resolveErr != nil {
		return resolveErr
	}

	node.Value = resolved
	node.Tag = "!!str"
	return nil
}

// ExtractPlaceholders returns the unique placeholder names referenced by
// the template, in order of first appearance.
func ExtractPlaceholders(template string) []string {
	seen := make(map[string]bool)
	var names []string

	for _, match := range placeholderRegex.FindAllStringSubmatch(template, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}

	return names
}
