package engine

import (
	"sort"

	"github.com/probewatch/probewatch/internal/store"
)

// MatrixRow is one probing identity: all results reported by a distinct
// (agent, region) pair. A method with no entry in Cells means "no data",
// which is distinct from a stored failed result.
type MatrixRow struct {
	AgentID   string                         `json:"agent_id"`
	AgentName string                         `json:"agent_name"`
	Region    string                         `json:"region"`
	Cells     map[store.Method]*store.Result `json:"cells"`
}

// Matrix is the grouped per-(agent,region)×(method) view of a check's
// results. Traceroute is excluded by policy: it may be stored and reported
// individually but never appears in the aggregated view.
type Matrix struct {
	Methods []store.Method `json:"methods"`
	Rows    []MatrixRow    `json:"rows"`
}

// BuildMatrix folds a result set into the grouped view. The output depends
// only on the final result set, not on submission order: later duplicates
// have already replaced earlier tuples at fold time, and rows and columns
// are sorted deterministically.
func BuildMatrix(methods []store.Method, results []store.Result) Matrix {
	cols := make([]store.Method, 0, len(methods))
	for _, m := range methods {
		if m == store.MethodTraceroute {
			continue
		}
		cols = append(cols, m)
	}

	type rowKey struct{ agentID, region string }
	rows := make(map[rowKey]*MatrixRow)
	for i := range results {
		r := &results[i]
		if r.Method == store.MethodTraceroute {
			continue
		}
		key := rowKey{r.AgentID, r.Region}
		row, ok := rows[key]
		if !ok {
			row = &MatrixRow{
				AgentID:   r.AgentID,
				AgentName: r.AgentName,
				Region:    r.Region,
				Cells:     make(map[store.Method]*store.Result, len(cols)),
			}
			rows[key] = row
		}
		row.Cells[r.Method] = r
	}

	out := Matrix{Methods: cols, Rows: make([]MatrixRow, 0, len(rows))}
	for _, row := range rows {
		out.Rows = append(out.Rows, *row)
	}
	sort.Slice(out.Rows, func(i, j int) bool {
		if out.Rows[i].Region != out.Rows[j].Region {
			return out.Rows[i].Region < out.Rows[j].Region
		}
		if out.Rows[i].AgentName != out.Rows[j].AgentName {
			return out.Rows[i].AgentName < out.Rows[j].AgentName
		}
		return out.Rows[i].AgentID < out.Rows[j].AgentID
	})
	return out
}

// Matrix returns the grouped view of a check's current result set.
func (e *Engine) Matrix(check *store.Check) Matrix {
	return BuildMatrix(check.Methods, check.Results)
}
