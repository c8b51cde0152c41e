package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

var csvHeader = []string{"occurred_at", "principal_id", "action", "resource", "permission_name", "role_name", "context", "result", "actor", "id"}

// WriteCSV mengubah entri audit menjadi CSV.
func WriteCSV(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, e := range entries {
		ctxJSON := ""
		if len(e.Context) > 0 {
			raw, err := json.Marshal(e.Context)
			if err != nil {
				return nil, err
			}
			ctxJSON = string(raw)
		}
		record := []string{
			e.OccurredAt.UTC().Format(time.RFC3339),
			e.Principal,
			string(e.Action),
			e.Resource,
			e.Permission,
			e.Role,
			ctxJSON,
			strconv.FormatBool(e.Result),
			e.Actor,
			e.ID.String(),
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
