package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/hpcmeter/internal/errors"
	"github.com/3leaps/hpcmeter/pkg/report"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

// queryTimeLayout is the from/to query-parameter format, matching the
// stored row keys.
const queryTimeLayout = usagestore.KeyLayout

// defaultUsageSpan is served when no from/to parameters are given.
const defaultUsageSpan = 24 * time.Hour

// rowSpan is the resolution of stored rows.
const rowSpan = 15 * time.Minute

// UsageAPI serves the usage, report and user endpoints from a usage
// store.
type UsageAPI struct {
	store *usagestore.Store
	log   *zap.Logger
}

// NewUsageAPI creates the API handler set.
func NewUsageAPI(store *usagestore.Store, log *zap.Logger) *UsageAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &UsageAPI{store: store, log: log}
}

// CheckHealth implements Checker by pinging the store.
func (a *UsageAPI) CheckHealth(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// usageRow is one interval in a usage response, with the stored JSON
// passed through untouched.
type usageRow struct {
	Time  string          `json:"time"`
	Users json.RawMessage `json:"users"`
	Jobs  json.RawMessage `json:"jobs"`
}

// Usage serves GET /api/v1/usage?from=YYYYMMDDHHMM&to=YYYYMMDDHHMM.
// Without parameters it serves the most recent 24 hours on record.
func (a *UsageAPI) Usage(w http.ResponseWriter, r *http.Request) {
	from, to, err := a.resolveSpan(r)
	if err != nil {
		apperrors.WriteJSON(w, http.StatusBadRequest,
			apperrors.CodeInvalidArgument, err.Error(), nil)
		return
	}

	rows := make([]usageRow, 0)
	err = a.store.RowsBetween(r.Context(), from, to, func(row usagestore.Row) error {
		rows = append(rows, usageRow{
			Time:  row.Time,
			Users: json.RawMessage(row.UsersData),
			Jobs:  json.RawMessage(row.JobsData),
		})
		return nil
	})
	if err != nil {
		a.internalError(w, "query usage rows", err)
		return
	}

	writeJSON(w, map[string]any{
		"from": from.Format(queryTimeLayout),
		"to":   to.Format(queryTimeLayout),
		"rows": rows,
	})
}

func (a *UsageAPI) resolveSpan(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()

	if s := q.Get("to"); s != "" {
		if to, err = time.Parse(queryTimeLayout, s); err != nil {
			return from, to, err
		}
	} else {
		_, latest, ok, berr := a.store.TimeBounds(r.Context())
		if berr != nil {
			return from, to, berr
		}
		if !ok {
			latest = time.Now()
		}
		to = latest.Add(rowSpan)
	}

	if s := q.Get("from"); s != "" {
		if from, err = time.Parse(queryTimeLayout, s); err != nil {
			return from, to, err
		}
	} else {
		from = to.Add(-defaultUsageSpan)
	}
	return from, to, nil
}

// ReportMonths serves GET /api/v1/reports.
func (a *UsageAPI) ReportMonths(w http.ResponseWriter, r *http.Request) {
	months, err := a.store.ReportMonths(r.Context())
	if err != nil {
		a.internalError(w, "query report months", err)
		return
	}
	if months == nil {
		months = []string{}
	}
	writeJSON(w, map[string]any{"months": months})
}

// Report serves GET /api/v1/reports/{month}.
func (a *UsageAPI) Report(w http.ResponseWriter, r *http.Request) {
	month := chi.URLParam(r, "month")
	if _, err := time.Parse(usagestore.ReportMonthLayout, month); err != nil {
		apperrors.WriteJSON(w, http.StatusBadRequest,
			apperrors.CodeInvalidArgument, "month must be formatted YYYY-MM", nil)
		return
	}

	entries, err := a.store.Report(r.Context(), month)
	if err != nil {
		a.internalError(w, "query report", err)
		return
	}
	if len(entries) == 0 {
		apperrors.WriteJSON(w, http.StatusNotFound,
			apperrors.CodeNotFound, "no report for "+month, nil)
		return
	}

	teams, ok := entries[report.TeamsLogin]
	if !ok {
		teams = json.RawMessage("[]")
	}
	delete(entries, report.TeamsLogin)

	writeJSON(w, map[string]any{
		"month": month,
		"users": entries,
		"teams": teams,
	})
}

// Users serves GET /api/v1/users.
func (a *UsageAPI) Users(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.Users(r.Context())
	if err != nil {
		a.internalError(w, "query users", err)
		return
	}
	writeJSON(w, map[string]any{"users": users})
}

func (a *UsageAPI) internalError(w http.ResponseWriter, op string, err error) {
	a.log.Error("request failed", zap.String("op", op), zap.Error(err))
	apperrors.WriteJSON(w, http.StatusInternalServerError,
		apperrors.CodeInternalError, op+" failed", nil)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
