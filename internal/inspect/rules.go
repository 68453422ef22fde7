package inspect

import (
	"bufio"
	"sort"
	"strings"
)

// Rule is one firewall rule from a rule-table dump.
type Rule struct {
	Table string `json:"table" yaml:"table"`
	Chain string `json:"chain" yaml:"chain"`
	Text  string `json:"text" yaml:"text"`
}

func (r Rule) String() string {
	return "-t " + r.Table + " -A " + r.Chain + " " + r.Text
}

// RuleSet is the set of rules present in a dump. The zero value is an empty
// set with no facts.
type RuleSet struct {
	rules map[Rule]struct{}
}

// NewRuleSet builds a set from rules. Rule text is canonicalized.
func NewRuleSet(rules ...Rule) RuleSet {
	s := RuleSet{rules: make(map[Rule]struct{}, len(rules))}
	for _, r := range rules {
		s.add(r)
	}
	return s
}

func (s *RuleSet) add(r Rule) {
	if s.rules == nil {
		s.rules = make(map[Rule]struct{})
	}
	r.Text = CanonicalRule(r.Text)
	s.rules[r] = struct{}{}
}

// Has reports whether table/chain contains a rule whose canonical text
// equals text.
func (s RuleSet) Has(table, chain, text string) bool {
	_, ok := s.rules[Rule{Table: table, Chain: chain, Text: CanonicalRule(text)}]
	return ok
}

// Len returns the number of rules.
func (s RuleSet) Len() int {
	return len(s.rules)
}

// Rules returns the rules sorted by table, chain and text.
func (s RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(s.rules))
	for r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		if out[i].Chain != out[j].Chain {
			return out[i].Chain < out[j].Chain
		}
		return out[i].Text < out[j].Text
	})
	return out
}

// ParseRuleTable parses iptables-save output.
//
// Tables come from "*name" headers and rules from "-A CHAIN ..." lines.
// Comments, chain policy lines, COMMIT and blank lines are skipped, as are
// packet counters written by "iptables-save -c". Rules that appear before
// any table header are ignored. Empty or truncated input yields fewer facts,
// never an error.
func ParseRuleTable(dump string) RuleSet {
	set := NewRuleSet()
	table := ""

	scanner := bufio.NewScanner(strings.NewReader(dump))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ":"):
			continue
		case line == "COMMIT":
			table = ""
			continue
		case strings.HasPrefix(line, "*"):
			table = strings.TrimSpace(line[1:])
			continue
		}

		if strings.HasPrefix(line, "[") {
			if end := strings.IndexByte(line, ']'); end > 0 {
				line = strings.TrimSpace(line[end+1:])
			}
		}

		if table == "" || !strings.HasPrefix(line, "-A ") {
			continue
		}
		fields := strings.Fields(line[len("-A "):])
		if len(fields) < 2 {
			continue
		}
		set.add(Rule{Table: table, Chain: fields[0], Text: strings.Join(fields[1:], " ")})
	}
	return set
}

// stateFlags take a comma separated value list whose order iptables-save
// does not preserve.
var stateFlags = map[string]bool{
	"--state":   true,
	"--ctstate": true,
}

// CanonicalRule collapses whitespace and sorts connection-state lists, so
// "--state ESTABLISHED,RELATED" and "--state RELATED,ESTABLISHED" compare
// equal.
func CanonicalRule(text string) string {
	fields := strings.Fields(text)
	for i := 0; i+1 < len(fields); i++ {
		if stateFlags[fields[i]] {
			values := strings.Split(fields[i+1], ",")
			sort.Strings(values)
			fields[i+1] = strings.Join(values, ",")
			i++
		}
	}
	return strings.Join(fields, " ")
}
