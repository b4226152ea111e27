package audit

// Marker replaces sensitive values in persisted audit snapshots.
const Marker = "[REDACTED]"

// Redact returns a copy of snapshot with every listed field replaced by
// Marker. Fields absent from the snapshot are ignored; the input map is
// never mutated.
func Redact(snapshot map[string]any, fields []string) map[string]any {
	if snapshot == nil {
		return nil
	}
	out := make(map[string]any, len(snapshot))
	for k, v := range snapshot {
		out[k] = v
	}
	for _, f := range fields {
		if _, ok := out[f]; ok {
			out[f] = Marker
		}
	}
	return out
}
