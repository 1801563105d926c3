// Package toolname maps internal tool identifiers to display labels and
// decides which identifiers are timeline noise.
package toolname

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Reserved tool identifiers with engine-level meaning.
const (
	// CompletionMarker authoritatively signals run completion when present
	// in a run's activity set, regardless of other tool statuses
	CompletionMarker = "__run_completed__"

	// HandoffTool represents control passing from a specialized sub-agent
	// back to the primary advisor
	HandoffTool = "transfer_to_advisor"
)

// Mapper resolves display labels and noise filtering for tool identifiers.
// Implementations must be total: unknown identifiers get a deterministic
// fallback label, never an error.
type Mapper interface {
	// MapToolName returns the display label for a tool identifier.
	// ok=false means the identifier has no displayable label and the
	// caller must skip the activity entirely.
	MapToolName(tool string) (label string, ok bool)

	// ShouldFilterTool reports whether the identifier is known noise
	// (bookkeeping calls, meta-markers) that must be suppressed even
	// though it may have a label.
	ShouldFilterTool(tool string) bool
}

// TableConfig configures a Table mapper
type TableConfig struct {
	// Labels maps tool identifiers to display labels
	Labels map[string]string

	// Filtered lists identifiers suppressed from timelines
	Filtered []string

	// FilterRules holds CEL predicates over the string variable `tool`;
	// an identifier matching any rule is suppressed.
	// Example: `tool.startsWith("__")`
	FilterRules []string
}

// Table is a configuration-driven Mapper. Filter rules are compiled once at
// construction and evaluated per lookup.
type Table struct {
	labels   map[string]string
	filtered map[string]struct{}
	rules    []cel.Program
}

// NewTable creates a Table mapper, compiling any CEL filter rules.
// A rule that fails to compile is a configuration error.
func NewTable(cfg TableConfig) (*Table, error) {
	t := &Table{
		labels:   make(map[string]string, len(cfg.Labels)),
		filtered: make(map[string]struct{}, len(cfg.Filtered)),
	}
	for tool, label := range cfg.Labels {
		t.labels[tool] = label
	}
	for _, tool := range cfg.Filtered {
		t.filtered[tool] = struct{}{}
	}

	if len(cfg.FilterRules) > 0 {
		env, err := cel.NewEnv(cel.Variable("tool", cel.StringType))
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL env: %w", err)
		}
		for _, expr := range cfg.FilterRules {
			ast, issues := env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				return nil, fmt.Errorf("invalid filter rule %q: %w", expr, issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("failed to build filter rule %q: %w", expr, err)
			}
			t.rules = append(t.rules, prg)
		}
	}

	return t, nil
}

// MapToolName returns the configured label for the identifier, or a
// deterministic humanized fallback for unknown ones. Blank identifiers have
// no displayable label.
func (t *Table) MapToolName(tool string) (string, bool) {
	if strings.TrimSpace(tool) == "" {
		return "", false
	}
	if label, exists := t.labels[tool]; exists {
		if label == "" {
			return "", false
		}
		return label, true
	}
	return humanize(tool), true
}

// ShouldFilterTool checks the explicit filter set first, then the compiled
// rules. A rule evaluation error leaves the identifier visible.
func (t *Table) ShouldFilterTool(tool string) bool {
	if _, exists := t.filtered[tool]; exists {
		return true
	}
	for _, prg := range t.rules {
		out, _, err := prg.Eval(map[string]interface{}{"tool": tool})
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return true
		}
	}
	return false
}

// humanize converts a raw identifier into a readable fallback label:
// "lookup_stock_quote" -> "Lookup stock quote"
func humanize(tool string) string {
	cleaned := strings.Trim(tool, "_")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	cleaned = strings.ReplaceAll(cleaned, "-", " ")
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return tool
	}
	return strings.ToUpper(cleaned[:1]) + cleaned[1:]
}

// DefaultTable returns the mapper used by the advisory service: the built-in
// label table for advisor tools plus a rule suppressing double-underscore
// meta-markers.
func DefaultTable() *Table {
	t, err := NewTable(TableConfig{
		Labels: map[string]string{
			"lookup_quote":        "Looking up price",
			"get_portfolio":       "Reviewing your portfolio",
			"get_account_balance": "Checking account balance",
			"search_holdings":     "Scanning your holdings",
			"market_news":         "Catching up on market news",
			"compose_answer":      "Assembling answer",
			HandoffTool:           "Wrapping up with your advisor",
		},
		Filtered: []string{
			CompletionMarker,
			"record_interaction",
		},
		FilterRules: []string{
			`tool.startsWith("__")`,
		},
	})
	if err != nil {
		// The built-in rules are constants; a failure here is a programming error
		panic(fmt.Sprintf("default tool table invalid: %v", err))
	}
	return t
}
