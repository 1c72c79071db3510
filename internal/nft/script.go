package nft

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// forceQuote always quotes; nft needs interface names quoted when they may
// contain characters that the parser treats as operators.
func forceQuote(s string) string {
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds an nft script for atomic application with nft -f.
type ScriptBuilder struct {
	lines []string
}

// NewScriptBuilder creates an empty builder.
func NewScriptBuilder() *ScriptBuilder {
	return &ScriptBuilder{lines: make([]string, 0, 128)}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// FlushRuleset adds the unconditional flush that makes the script a full replace.
func (b *ScriptBuilder) FlushRuleset() {
	b.AddLine("flush ruleset")
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable(family Family, name string) {
	b.AddLine(fmt.Sprintf("add table %s %s", family, quote(name)))
}

// AddChain adds a chain creation command. Base chains carry type, hook,
// priority and policy.
func (b *ScriptBuilder) AddChain(family Family, table string, c *Chain) {
	if !c.IsBase() {
		b.AddLine(fmt.Sprintf("add chain %s %s %s", family, quote(table), quote(c.Name)))
		return
	}
	policy := ""
	if c.Policy != "" {
		policy = fmt.Sprintf(" policy %s;", c.Policy)
	}
	b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d;%s }",
		family, quote(table), quote(c.Name), c.Type, c.Hook, c.Prio, policy))
}

// AddRule appends a rule to a chain.
func (b *ScriptBuilder) AddRule(family Family, table, chain string, r *Rule) {
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s", family, quote(table), quote(chain), RuleExpr(r)))
}

// DeleteRule removes a rule by handle.
func (b *ScriptBuilder) DeleteRule(family Family, table, chain string, handle uint64) {
	b.AddLine(fmt.Sprintf("delete rule %s %s %s handle %d", family, quote(table), quote(chain), handle))
}

// Lines returns the accumulated command lines.
func (b *ScriptBuilder) Lines() []string {
	return b.lines
}

// Build returns the complete script.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// Render produces a full-replace script for the given tables. All chains of a
// table are declared before any rule so that jumps always resolve.
func Render(tables []Table) string {
	b := NewScriptBuilder()
	b.FlushRuleset()
	for i := range tables {
		t := &tables[i]
		b.AddTable(t.Family, t.Name)
		for j := range t.Chains {
			b.AddChain(t.Family, t.Name, &t.Chains[j])
		}
		for j := range t.Chains {
			c := &t.Chains[j]
			for k := range c.Rules {
				b.AddRule(t.Family, t.Name, c.Name, &c.Rules[k])
			}
		}
	}
	return b.Build()
}

// RuleExpr renders the body of a rule: its conditions, policy and comment.
func RuleExpr(r *Rule) string {
	parts := make([]string, 0, len(r.Conditions)+2)
	for _, c := range r.Conditions {
		parts = append(parts, ConditionExpr(c))
	}
	if r.Policy != nil {
		parts = append(parts, r.Policy.String())
	}
	if r.Comment != "" {
		parts = append(parts, fmt.Sprintf("comment %q", r.Comment))
	}
	return strings.Join(parts, " ")
}

// ConditionExpr renders one condition in nft syntax.
func ConditionExpr(c Condition) string {
	left := operandExpr(c.Left)
	right := rightExpr(c.Left, c.Right)
	if c.Op == OpNe {
		return left + " != " + right
	}
	return left + " " + right
}

func operandExpr(o Operand) string {
	switch v := o.(type) {
	case Meta:
		return "meta " + v.Key
	case Payload:
		return v.Protocol + " " + v.Field
	case CT:
		return "ct " + v.Key
	default:
		return o.String()
	}
}

func rightExpr(left, right Operand) string {
	lit := func(s string) string { return s }
	if m, ok := left.(Meta); ok && (m.Key == "iifname" || m.Key == "oifname") {
		lit = forceQuote
	}
	switch v := right.(type) {
	case Value:
		return lit(v.V)
	case Values:
		items := make([]string, len(v.V))
		for i, s := range v.V {
			items[i] = lit(s)
		}
		return "{ " + strings.Join(items, ", ") + " }"
	default:
		return right.String()
	}
}
