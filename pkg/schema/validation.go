package schema

import "fmt"

// Violation is one problem found in an externally supplied document.
// Warnings are reported but never reject the document.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// Violations collects the problems of one document.
type Violations []Violation

// Add records a rejecting violation at path.
func (vs *Violations) Add(path, format string, args ...any) {
	*vs = append(*vs, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Warn records a warning at path.
func (vs *Violations) Warn(path, format string, args ...any) {
	*vs = append(*vs, Violation{Path: path, Message: fmt.Sprintf(format, args...), Warning: true})
}

// Rejecting returns the violations that are not warnings.
func (vs Violations) Rejecting() []Violation {
	var out []Violation
	for _, v := range vs {
		if !v.Warning {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a VALIDATION_ERROR listing the rejecting violations, or nil.
func (vs Violations) Err() error {
	errs := vs.Rejecting()
	if len(errs) == 0 {
		return nil
	}
	msg := errs[0].String()
	if len(errs) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(errs))
	}
	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"violations": errs,
		"warnings":   len(vs) - len(errs),
	})
}
