package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func success(w io.Writer, format string, a ...any) {
	green.Fprintf(w, "✓ "+format+"\n", a...)
}

func warning(w io.Writer, format string, a ...any) {
	yellow.Fprintf(w, "! "+format+"\n", a...)
}

func field(w io.Writer, name string, value any) {
	cyan.Fprintf(w, "  %-18s", name+":")
	fmt.Fprintf(w, "%v\n", value)
}

// reportedError has already been printed to the operator
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

// fail prints a titled error to stderr and returns it marked as reported
func fail(title string, err error) error {
	red.Fprintf(os.Stderr, "%s\n", title)
	if err == nil {
		return reportedError{errors.New(title)}
	}
	fmt.Fprintf(os.Stderr, "  %v\n", err)
	return reportedError{fmt.Errorf("%s: %w", title, err)}
}

// Report prints errors cobra produced itself, such as unknown commands.
func Report(err error) {
	var reported reportedError
	if err == nil || errors.As(err, &reported) {
		return
	}
	red.Fprintf(os.Stderr, "%v\n", err)
	fmt.Fprintf(os.Stderr, "Run 'questctl --help' for usage.\n")
}
