package autostack

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
)

// MethodReport is the decision taken for one method.
type MethodReport struct {
	Name        string   `json:"name"`
	Desc        string   `json:"desc"`
	Transformed bool     `json:"transformed"`
	Policy      string   `json:"policy,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Calls       int      `json:"calls,omitempty"`
	CodeLength  int      `json:"code_length,omitempty"`
	Allocations int      `json:"allocations,omitempty"`
	Escapes     bool     `json:"escapes,omitempty"`
	Loops       int      `json:"loops,omitempty"`
	HasHandlers bool     `json:"has_handlers,omitempty"`
	Unresolved  []string `json:"unresolved,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// ClassReport collects the method decisions of one class.
type ClassReport struct {
	Unit        string         `json:"unit"`
	Class       string         `json:"class"`
	Transformed int            `json:"transformed"`
	Methods     []MethodReport `json:"methods"`
}

// Interesting returns the methods that call the scope API.
func (r *ClassReport) Interesting() []MethodReport {
	var out []MethodReport
	for _, m := range r.Methods {
		if m.Calls > 0 || m.Error != "" {
			out = append(out, m)
		}
	}
	return out
}

// Summary aggregates class reports.
type Summary struct {
	RunID       string         `json:"run_id,omitempty"`
	Classes     int            `json:"classes"`
	Methods     int            `json:"methods"`
	Transformed int            `json:"transformed"`
	Failed      int            `json:"failed"`
	Policies    map[string]int `json:"policies"`
	Reports     []*ClassReport `json:"reports,omitempty"`
}

// Summarize counts the decisions of the given reports. Reports are
// sorted by class name.
func Summarize(runID string, reports []*ClassReport) *Summary {
	s := &Summary{RunID: runID, Policies: map[string]int{}}
	for _, r := range reports {
		if r == nil {
			continue
		}
		s.Classes++
		s.Reports = append(s.Reports, r)
		for _, m := range r.Methods {
			s.Methods++
			if m.Error != "" {
				s.Failed++
			}
			if m.Transformed {
				s.Transformed++
				s.Policies[m.Policy]++
			}
		}
	}
	sort.SliceStable(s.Reports, func(i, j int) bool {
		return s.Reports[i].Class < s.Reports[j].Class
	})
	return s
}

// JSON encodes the summary with indentation.
func (s *Summary) JSON() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Print writes one table row per method that calls the scope API.
func (s *Summary) Print(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Method", "Calls", "Policy", "Loops", "Reason"})
	for _, r := range s.Reports {
		for _, m := range r.Interesting() {
			policy := m.Policy
			if !m.Transformed {
				policy = "-"
			}
			reason := m.Reason
			if m.Error != "" {
				reason = m.Error
			}
			t.AppendRow(table.Row{r.Class + "." + m.Name + m.Desc, m.Calls, policy, m.Loops, reason})
		}
	}
	t.AppendFooter(table.Row{
		fmt.Sprintf("%d classes, %d methods", s.Classes, s.Methods),
		"", fmt.Sprintf("%d transformed", s.Transformed), "", fmt.Sprintf("%d failed", s.Failed),
	})
	t.Render()
}
