// ABOUTME: Structured diagnostics returned by validation and operations
// ABOUTME: Issues carry severity and type codes; counts drive success decisions

package outcome

import (
	"fmt"
	"strings"
)

// Severity of an issue.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// IssueType codes used by this server.
type IssueType string

const (
	IssueInvalid       IssueType = "invalid"
	IssueStructure     IssueType = "structure"
	IssueRequired      IssueType = "required"
	IssueValue         IssueType = "value"
	IssueCodeInvalid   IssueType = "code-invalid"
	IssueBusinessRule  IssueType = "business-rule"
	IssueIncomplete    IssueType = "incomplete"
	IssueNotSupported  IssueType = "not-supported"
	IssueNotFound      IssueType = "not-found"
	IssueDeleted       IssueType = "deleted"
	IssueConflict      IssueType = "conflict"
	IssueProcessing    IssueType = "processing"
	IssueException     IssueType = "exception"
	IssueInformational IssueType = "informational"
)

// Issue is a single diagnostic.
type Issue struct {
	Severity    Severity  `json:"severity"`
	Code        IssueType `json:"code"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	Expression  []string  `json:"expression,omitempty"`
}

// Outcome is an ordered list of issues.
type Outcome struct {
	ID     string  `json:"id,omitempty"`
	Issues []Issue `json:"issue"`
}

// New returns an empty outcome.
func New() *Outcome {
	return &Outcome{}
}

// Add appends an issue and returns the outcome for chaining.
func (o *Outcome) Add(sev Severity, code IssueType, format string, args ...any) *Outcome {
	o.Issues = append(o.Issues, Issue{Severity: sev, Code: code, Diagnostics: fmt.Sprintf(format, args...)})
	return o
}

// AddAt appends an issue located at a path expression.
func (o *Outcome) AddAt(sev Severity, code IssueType, expression, format string, args ...any) *Outcome {
	o.Issues = append(o.Issues, Issue{
		Severity:    sev,
		Code:        code,
		Diagnostics: fmt.Sprintf(format, args...),
		Expression:  []string{expression},
	})
	return o
}

// Prepend inserts an issue at the front.
func (o *Outcome) Prepend(issue Issue) {
	o.Issues = append([]Issue{issue}, o.Issues...)
}

// Merge appends every issue of other.
func (o *Outcome) Merge(other *Outcome) {
	if other == nil {
		return
	}
	o.Issues = append(o.Issues, other.Issues...)
}

func (o *Outcome) count(sev Severity) int {
	if o == nil {
		return 0
	}
	n := 0
	for _, i := range o.Issues {
		if i.Severity == sev {
			n++
		}
	}
	return n
}

func (o *Outcome) Fatals() int      { return o.count(SeverityFatal) }
func (o *Outcome) Errors() int      { return o.count(SeverityError) }
func (o *Outcome) Warnings() int    { return o.count(SeverityWarning) }
func (o *Outcome) Information() int { return o.count(SeverityInformation) }

// Success is true when there are no error or fatal issues.
func (o *Outcome) Success() bool {
	return o.Errors() == 0 && o.Fatals() == 0
}

// WithoutNonErrors returns a copy holding only error and fatal issues.
func (o *Outcome) WithoutNonErrors() *Outcome {
	out := &Outcome{ID: o.ID}
	for _, i := range o.Issues {
		if i.Severity == SeverityError || i.Severity == SeverityFatal {
			out.Issues = append(out.Issues, i)
		}
	}
	return out
}

// Clone returns a copy that can be modified independently.
func (o *Outcome) Clone() *Outcome {
	if o == nil {
		return nil
	}
	out := &Outcome{ID: o.ID, Issues: make([]Issue, len(o.Issues))}
	for i, is := range o.Issues {
		is.Expression = append([]string(nil), is.Expression...)
		out.Issues[i] = is
	}
	return out
}

// String joins the diagnostics of every issue.
func (o *Outcome) String() string {
	if o == nil || len(o.Issues) == 0 {
		return "no issues"
	}
	parts := make([]string, len(o.Issues))
	for i, is := range o.Issues {
		parts[i] = fmt.Sprintf("%s: %s", is.Severity, is.Diagnostics)
	}
	return strings.Join(parts, "; ")
}
