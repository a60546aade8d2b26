package database

// pqString converts an empty filter value to nil so PostgreSQL sees NULL
// and the ($1::text IS NULL OR ...) pattern skips the filter.
func pqString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
