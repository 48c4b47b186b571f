// Package dis renders method bodies as tables, for the CLI and for
// tracing transformed methods.
package dis

import (
	"fmt"
	"io"
	"strings"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Instruction is one row of a disassembly. Labels are numbered in the
// order they appear in the body.
type Instruction struct {
	Offset   int    `json:"offset"`
	Label    string `json:"label,omitempty"`
	Line     int    `json:"line,omitempty"`
	Name     string `json:"name"`
	Operands string `json:"operands,omitempty"`
}

// Handler is one exception table entry.
type Handler struct {
	Start  string `json:"start"`
	End    string `json:"end"`
	Target string `json:"target"`
	Type   string `json:"type"`
}

// Method is the disassembly of one method.
type Method struct {
	Name         string        `json:"name"`
	Desc         string        `json:"desc"`
	Access       uint16        `json:"access"`
	MaxStack     int           `json:"max_stack"`
	MaxLocals    int           `json:"max_locals"`
	Instructions []Instruction `json:"instructions,omitempty"`
	Handlers     []Handler     `json:"handlers,omitempty"`
}

type labels map[*bytecode.Label]string

func labelNames(body *bytecode.Body) labels {
	names := labels{}
	for _, n := range body.Nodes() {
		if l, ok := n.(*bytecode.Label); ok {
			names[l] = fmt.Sprintf("L%d", len(names))
		}
	}
	return names
}

func (ls labels) name(l *bytecode.Label) (string, error) {
	name, ok := ls[l]
	if !ok {
		return "", errz.Errorf(errz.ErrStructural, "label %s is not in the body", l)
	}
	return name, nil
}

// Disassemble returns one row per instruction. Labels and line numbers
// are attached to the instruction that follows them.
func Disassemble(body *bytecode.Body) ([]Instruction, error) {
	names := labelNames(body)
	var (
		result  []Instruction
		pending []string
		line    int
	)
	for i, n := range body.Nodes() {
		switch n := n.(type) {
		case *bytecode.Label:
			pending = append(pending, names[n])
		case *bytecode.LineNumber:
			line = n.Line
		case *bytecode.Frame:
		case bytecode.Insn:
			operands, err := names.operands(n)
			if err != nil {
				return nil, err
			}
			result = append(result, Instruction{
				Offset:   body.OffsetAt(i),
				Label:    strings.Join(pending, ","),
				Line:     line,
				Name:     opcodeName(n),
				Operands: operands,
			})
			pending, line = nil, 0
		}
	}
	return result, nil
}

func opcodeName(insn bytecode.Insn) string {
	return insn.Opcode().String()
}

func (ls labels) operands(insn bytecode.Insn) (string, error) {
	switch n := insn.(type) {
	case *bytecode.JumpInsn:
		return ls.name(n.Target)
	case *bytecode.TableSwitchInsn:
		var parts []string
		for k, t := range n.Targets {
			name, err := ls.name(t)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%d:%s", int(n.Low)+k, name))
		}
		def, err := ls.name(n.Default)
		if err != nil {
			return "", err
		}
		return strings.Join(append(parts, "default:"+def), " "), nil
	case *bytecode.LookupSwitchInsn:
		var parts []string
		for k, t := range n.Targets {
			name, err := ls.name(t)
			if err != nil {
				return "", err
			}
			parts = append(parts, fmt.Sprintf("%d:%s", n.Keys[k], name))
		}
		def, err := ls.name(n.Default)
		if err != nil {
			return "", err
		}
		return strings.Join(append(parts, "default:"+def), " "), nil
	}
	text := bytecode.Format(insn)
	text = strings.TrimPrefix(text, opcodeName(insn))
	return strings.TrimPrefix(text, " "), nil
}

// Handlers returns the exception table of a body.
func Handlers(body *bytecode.Body) ([]Handler, error) {
	names := labelNames(body)
	var result []Handler
	for _, h := range body.Handlers() {
		var row Handler
		var err error
		if row.Start, err = names.name(h.Start); err != nil {
			return nil, err
		}
		if row.End, err = names.name(h.End); err != nil {
			return nil, err
		}
		if row.Target, err = names.name(h.Target); err != nil {
			return nil, err
		}
		row.Type = h.CatchType
		if h.CatchAll() {
			row.Type = "any"
		}
		result = append(result, row)
	}
	return result, nil
}

// DisassembleMethod disassembles one method body.
func DisassembleMethod(body *bytecode.Body) (*Method, error) {
	insns, err := Disassemble(body)
	if err != nil {
		return nil, err
	}
	handlers, err := Handlers(body)
	if err != nil {
		return nil, err
	}
	m := body.Method()
	return &Method{
		Name:         m.Name,
		Desc:         m.Desc,
		Access:       m.Access,
		MaxStack:     body.MaxStack(),
		MaxLocals:    body.MaxLocals(),
		Instructions: insns,
		Handlers:     handlers,
	}, nil
}

// DisassembleClass disassembles every method of an encoded class.
// Methods without code are listed without instructions.
func DisassembleClass(data []byte) (string, []*Method, error) {
	class, err := classfile.Parse(data)
	if err != nil {
		return "", nil, err
	}
	var methods []*Method
	for _, member := range class.Methods {
		body, err := bytecode.DecodeMethod(class, member)
		if err != nil {
			return "", nil, errz.Errorf(errz.ErrFormat, "cannot decode %s%s", member.Name, member.Desc).
				WithCause(err).In(class.Name(), member.Name)
		}
		if body == nil {
			methods = append(methods, &Method{Name: member.Name, Desc: member.Desc, Access: member.Access})
			continue
		}
		m, err := DisassembleMethod(body)
		if err != nil {
			return "", nil, err
		}
		methods = append(methods, m)
	}
	return class.Name(), methods, nil
}

// Print writes the instructions as a table.
func Print(instructions []Instruction, writer io.Writer) {
	opcode := color.New(color.FgCyan).SprintFunc()
	label := color.New(color.FgYellow).SprintFunc()
	t := table.NewWriter()
	t.SetOutputMirror(writer)
	t.AppendHeader(table.Row{"Offset", "Label", "Line", "Opcode", "Operands"})
	for _, insn := range instructions {
		var offset, line any
		if insn.Offset >= 0 {
			offset = insn.Offset
		}
		if insn.Line > 0 {
			line = insn.Line
		}
		var l string
		if insn.Label != "" {
			l = label(insn.Label)
		}
		t.AppendRow(table.Row{offset, l, line, opcode(insn.Name), insn.Operands})
	}
	t.Render()
}

// PrintHandlers writes an exception table. Nothing is written for an
// empty table.
func PrintHandlers(handlers []Handler, writer io.Writer) {
	if len(handlers) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(writer)
	t.AppendHeader(table.Row{"Start", "End", "Target", "Type"})
	for _, h := range handlers {
		t.AppendRow(table.Row{h.Start, h.End, h.Target, h.Type})
	}
	t.Render()
}

// PrintMethod writes a heading followed by the instruction and handler
// tables of a method.
func PrintMethod(m *Method, writer io.Writer) {
	heading := color.New(color.Bold).SprintfFunc()
	fmt.Fprintln(writer, heading("%s%s  max_stack=%d max_locals=%d", m.Name, m.Desc, m.MaxStack, m.MaxLocals))
	if len(m.Instructions) == 0 {
		fmt.Fprintln(writer, "  (no code)")
		return
	}
	Print(m.Instructions, writer)
	PrintHandlers(m.Handlers, writer)
}

// Trace disassembles a body and prints it with PrintMethod.
func Trace(body *bytecode.Body, writer io.Writer) error {
	m, err := DisassembleMethod(body)
	if err != nil {
		return err
	}
	fmt.Fprintf(writer, "%s.", body.Method().Owner)
	PrintMethod(m, writer)
	return nil
}
