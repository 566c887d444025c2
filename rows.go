package dbpool

import "fmt"

// Rowset is a fully read query result.
type Rowset struct {
	Columns []string
	Values  [][]any
	// Records holds the same rows keyed by column name. It is only filled
	// for sessions in dict mode.
	Records []map[string]any
}

// Len returns the number of rows.
func (rs *Rowset) Len() int {
	return len(rs.Values)
}

// ScanRowset reads rows to the end and closes them.
func ScanRowset(rows Rows, dict bool) (rs *Rowset, err error) {
	defer func() {
		if cerr := rows.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	rs = &Rowset{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for i, v := range vals {
			// drivers hand out []byte that is reused on the next scan
			if b, ok := v.([]byte); ok {
				vals[i] = append([]byte(nil), b...)
			}
		}
		rs.Values = append(rs.Values, vals)
		if dict {
			rec := make(map[string]any, len(cols))
			for i, c := range cols {
				rec[c] = vals[i]
			}
			rs.Records = append(rs.Records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rs, nil
}
