package regime

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Handler serves GET /regime?symbol=RELIANCE&direction=long&checks=volume:true,rsi:false
// and replies with the full evaluation so operators can see why a signal was rejected.
func (e *Engine) Handler(now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		symbol := q.Get("symbol")
		if symbol == "" {
			http.Error(w, "symbol is required", http.StatusBadRequest)
			return
		}
		checks, err := parseChecks(q.Get("checks"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		_, ev := e.EvaluateSignal(r.Context(), symbol, now(), strings.ToLower(q.Get("direction")), checks)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(ev)
	})
}

func parseChecks(raw string) ([]Check, error) {
	if raw == "" {
		return nil, nil
	}
	var out []Check
	for _, part := range strings.Split(raw, ",") {
		name, val, found := strings.Cut(strings.TrimSpace(part), ":")
		if !found || name == "" {
			return nil, &checkError{part}
		}
		ok, err := strconv.ParseBool(val)
		if err != nil {
			return nil, &checkError{part}
		}
		out = append(out, Check{Name: name, Passed: ok})
	}
	return out, nil
}

type checkError struct{ part string }

func (e *checkError) Error() string {
	return "invalid check " + strconv.Quote(e.part) + ", want name:true|false"
}
