package toolset

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/aixgo-dev/genorch/pkg/tools"
)

// MaxEquationLength bounds the LaTeX source accepted by insert_equation.
const MaxEquationLength = 4096

var (
	forbiddenCommand = regexp.MustCompile(`\\(input|include|write|immediate|openout|read|catcode)(?:[^A-Za-z]|$)`)
	environmentToken = regexp.MustCompile(`\\(begin|end)\s*\{([^{}]*)\}`)
	validLabel       = regexp.MustCompile(`^[A-Za-z0-9:_.-]+$`)
)

// InsertEquationInput is the argument of insert_equation.
type InsertEquationInput struct {
	LaTeX   string `json:"latex" jsonschema:"required" description:"LaTeX math source without surrounding delimiters"`
	Display string `json:"display,omitempty" jsonschema:"enum=inline|block" description:"inline (default) or block"`
	Label   string `json:"label,omitempty" jsonschema:"maxLength=64" description:"Optional reference label for block equations"`
}

// InsertEquationOutput is the validated equation and its rendered markup.
type InsertEquationOutput struct {
	LaTeX   string `json:"latex"`
	Display string `json:"display"`
	Markup  string `json:"markup"`
}

// InsertEquation validates a LaTeX formula and wraps it for insertion into
// survey content.
func InsertEquation() tools.Tool {
	return tools.NewTyped("insert_equation",
		"Validate a LaTeX math expression and return markup for inserting it inline or as a display block.",
		func(_ context.Context, in InsertEquationInput) (InsertEquationOutput, error) {
			latex := strings.TrimSpace(in.LaTeX)
			if err := ValidateLaTeX(latex); err != nil {
				return InsertEquationOutput{}, tools.NewError(tools.KindInvalidArguments, err.Error(), nil)
			}
			display := in.Display
			if display == "" {
				display = "inline"
			}
			if in.Label != "" && !validLabel.MatchString(in.Label) {
				return InsertEquationOutput{}, tools.NewError(tools.KindInvalidArguments,
					fmt.Sprintf("label %q may only contain letters, digits and :_.-", in.Label), nil)
			}
			return InsertEquationOutput{
				LaTeX:   latex,
				Display: display,
				Markup:  renderEquation(latex, display, in.Label),
			}, nil
		})
}

// ValidateLaTeX checks length, forbidden file and register commands,
// brace balance and begin/end environment nesting.
func ValidateLaTeX(latex string) error {
	if latex == "" {
		return fmt.Errorf("latex must not be empty")
	}
	if len(latex) > MaxEquationLength {
		return fmt.Errorf("latex exceeds %d characters", MaxEquationLength)
	}
	if m := forbiddenCommand.FindStringSubmatch(latex); m != nil {
		return fmt.Errorf("command \\%s is not allowed", m[1])
	}

	depth := 0
	for i := 0; i < len(latex); i++ {
		switch latex[i] {
		case '\\':
			i++ // skip the escaped character, e.g. \{ or \\
		case '{':
			depth++
		case '}':
			depth--
			if depth < 0 {
				return fmt.Errorf("unbalanced braces: unexpected '}' at offset %d", i)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("unbalanced braces: %d unclosed '{'", depth)
	}

	var stack []string
	for _, m := range environmentToken.FindAllStringSubmatch(latex, -1) {
		env := strings.TrimSpace(m[2])
		if m[1] == "begin" {
			stack = append(stack, env)
			continue
		}
		if len(stack) == 0 {
			return fmt.Errorf("\\end{%s} without matching \\begin", env)
		}
		if top := stack[len(stack)-1]; top != env {
			return fmt.Errorf("\\end{%s} closes \\begin{%s}", env, top)
		}
		stack = stack[:len(stack)-1]
	}
	if len(stack) > 0 {
		return fmt.Errorf("\\begin{%s} is never closed", stack[len(stack)-1])
	}
	return nil
}

func renderEquation(latex, display, label string) string {
	if display != "block" {
		return "$" + latex + "$"
	}
	if label != "" {
		return "\\begin{equation}\\label{" + label + "}\n" + latex + "\n\\end{equation}"
	}
	return "$$\n" + latex + "\n$$"
}
