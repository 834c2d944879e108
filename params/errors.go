package params

import "fmt"

// NotSupportedError is returned for language pairs or model sizes outside the
// closed set this project trains.
type NotSupportedError struct {
	Kind  string // "language pair" or "model size"
	Value string
}

func (e *NotSupportedError) Error() string {
	return fmt.Sprintf(
		"%s %q is not supported, since Hephaestus project aims to reproduce \"Attention is all you need\" (WMT14 de-en)",
		e.Kind, e.Value,
	)
}

// ConfigurationError reports merged configuration documents that cannot be
// used together: missing files, invalid values, mismatched vocabulary sizes.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return "configuration: " + e.Reason + ": " + e.Err.Error()
	}
	return "configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErrorf(err error, format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...), Err: err}
}
