package coerce

// SchemaError reports an invalid schema descriptor found by New.
type SchemaError struct {
	// Path is the dotted key path of the offending descriptor, list elements
	// are suffixed with "[]".
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "coerce: invalid schema: " + e.Reason
	}
	return "coerce: invalid schema at " + e.Path + ": " + e.Reason
}
