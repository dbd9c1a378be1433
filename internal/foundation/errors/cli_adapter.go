package errors

import (
	"encoding/json"
	"fmt"
	"io"
)

// CLI exit codes: 0 success, 1 operational failure, 2 usage or
// validation failure.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsageError = 2
)

// CLIAdapter turns classified errors into exit codes and one-line
// summaries with an optional hint for the user.
type CLIAdapter struct {
	json   bool
	silent bool
	out    io.Writer
}

// NewCLIAdapter creates an adapter. When jsonOutput is set, errors are
// rendered as a machine-readable envelope instead of human text.
func NewCLIAdapter(jsonOutput, silent bool, out io.Writer) *CLIAdapter {
	return &CLIAdapter{json: jsonOutput, silent: silent, out: out}
}

// ExitCodeFor maps an error to the process exit code.
func (a *CLIAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	switch GetCategory(err) {
	case CategoryValidation, CategoryConfig:
		return ExitUsageError
	default:
		return ExitFailure
	}
}

// Render writes the failure to the adapter's writer and returns the exit
// code. A nil error writes nothing and returns 0.
func (a *CLIAdapter) Render(err error) int {
	if err == nil {
		return ExitOK
	}
	if a.json {
		a.renderJSON(err)
	} else if !a.silent {
		fmt.Fprintln(a.out, a.Summary(err))
		if hint := a.Hint(err); hint != "" {
			fmt.Fprintln(a.out, hint)
		}
	}
	return a.ExitCodeFor(err)
}

// Summary returns the one-line human summary.
func (a *CLIAdapter) Summary(err error) string {
	if ce, ok := AsClassified(err); ok {
		return fmt.Sprintf("Error (%s): %s", ce.Category(), ce.Message())
	}
	return fmt.Sprintf("Error: %v", err)
}

// Hint returns a category-specific next step, or empty when there is
// nothing actionable to suggest.
func (a *CLIAdapter) Hint(err error) string {
	switch GetCategory(err) {
	case CategoryAuth:
		return "Run `civic auth:login` to get a new session token"
	case CategoryConflict:
		return "Re-run with --conflict-resolution or resolve the conflicting key first"
	case CategoryConfig:
		return "Check .civicrc and the files under .civic/"
	case CategoryFatal:
		return "The data directory needs operator attention before writes can resume"
	default:
		return ""
	}
}

type jsonError struct {
	Kind    Category `json:"kind"`
	Message string   `json:"message"`
	Details Context  `json:"details,omitempty"`
}

type jsonEnvelope struct {
	Success bool      `json:"success"`
	Error   jsonError `json:"error"`
}

func (a *CLIAdapter) renderJSON(err error) {
	env := jsonEnvelope{Error: jsonError{Kind: CategoryInternal, Message: err.Error()}}
	if ce, ok := AsClassified(err); ok {
		env.Error = jsonError{Kind: ce.Category(), Message: ce.Message(), Details: ce.Context()}
	}
	enc := json.NewEncoder(a.out)
	_ = enc.Encode(env)
}
