package renderer

// Result is the outcome of one render invocation, decoded from the engine
// runner's stdout.
//
// ErrorDetails and DataInfo must both be present for a failure to be
// eligible for the recovery loop: ErrorDetails is the machine-readable
// failure payload, DataInfo describes the shape of the data that failed to
// render.
type Result struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	Outputs      []string       `json:"outputs,omitempty"`
	ErrorDetails map[string]any `json:"errorDetails,omitempty"`
	DataInfo     map[string]any `json:"dataInfo,omitempty"`
}

// Diagnosable reports whether the failure carries enough diagnostics for the
// recovery agent. Success results are never diagnosable.
func (r *Result) Diagnosable() bool {
	return r != nil && !r.Success && len(r.ErrorDetails) > 0 && len(r.DataInfo) > 0
}

// DescribeData summarizes an inline dataset's shape: row count and the
// column names of the first row. Used to synthesize DataInfo when the
// runner dies before producing its own (e.g. on timeout).
func DescribeData(rows []map[string]any) map[string]any {
	if len(rows) == 0 {
		return nil
	}
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	return map[string]any{
		"rows":    len(rows),
		"columns": columns,
	}
}
