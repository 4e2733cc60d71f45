package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ledgerflow/autobook/internal/app/booking"
	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/rules"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// ─── Proposals ──────────────────────────────────────────────────────────────
//
// POST /v1/proposals               propose a posting for an intent + receipt
// GET  /v1/proposals               most recent proposals (?limit=)
// GET  /v1/proposals/{id}          one proposal from the audit log
// POST /v1/proposals/{id}/book     book a GREEN proposal
// GET  /v1/entries/{id}            a booked journal entry

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req booking.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	out, err := s.proposals.Propose(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	list, err := s.proposals.Proposals(r.Context(), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []domain.ProposalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": list, "count": len(list)})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	rec, err := s.proposals.Proposal(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	entry, err := s.proposals.Book(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.proposals.Entry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ─── Policies ───────────────────────────────────────────────────────────────
//
// GET  /v1/policies                policies effective on ?date= for ?bas_version=
// POST /v1/policies/validate       schema + chart check of a policy document

// policySummary is the list view of a policy.
type policySummary struct {
	ID            string       `json:"id"`
	Version       string       `json:"version"`
	Name          string       `json:"name"`
	Intent        string       `json:"intent,omitempty"`
	BASVersion    string       `json:"bas_version"`
	EffectiveFrom domain.Date  `json:"effective_from"`
	EffectiveTo   *domain.Date `json:"effective_to,omitempty"`
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	date, version, ok := s.dateAndVersion(w, r)
	if !ok {
		return
	}
	policies, err := s.catalog.PoliciesFor(r.Context(), date, version)
	if err != nil {
		writeErr(w, err)
		return
	}
	out := make([]policySummary, len(policies))
	for i, p := range policies {
		out[i] = policySummary{
			ID:            p.ID,
			Version:       p.Version,
			Name:          p.Name,
			Intent:        p.Rules.Match.Intent,
			BASVersion:    p.BASVersion,
			EffectiveFrom: p.EffectiveFrom,
			EffectiveTo:   p.EffectiveTo,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":        date,
		"bas_version": version,
		"policies":    out,
	})
}

// validationResponse reports both the schema and the chart check.
type validationResponse struct {
	Valid        bool                 `json:"valid"`
	PolicyID     string               `json:"policy_id,omitempty"`
	SchemaErrors []rules.FieldError   `json:"schema_errors,omitempty"`
	BAS          *rules.BASValidation `json:"bas,omitempty"`
}

func (s *Server) handleValidatePolicy(w http.ResponseWriter, r *http.Request) {
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	p, err := rules.DefaultValidator().ParsePolicy(doc)
	var sv *rules.SchemaViolation
	if errors.As(err, &sv) {
		writeJSON(w, http.StatusUnprocessableEntity, validationResponse{PolicyID: sv.PolicyID, SchemaErrors: sv.Errors})
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}

	version := r.URL.Query().Get("bas_version")
	if version == "" {
		version = p.BASVersion
	}
	m := s.catalog.Migrator()
	migrated, err := m.Migrate(p, version)
	if err != nil {
		writeErr(w, err)
		return
	}
	v, err := m.ValidateAgainstBAS(r.Context(), migrated, version)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !v.Valid {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, validationResponse{Valid: v.Valid, PolicyID: p.ID, BAS: &v})
}

// ─── Accounts ───────────────────────────────────────────────────────────────
//
// GET  /v1/accounts                accounts of ?bas_version=, filtered by ?class= or ?type=
// GET  /v1/accounts/{number}       one account

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataset(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var accounts []bas.Account
	switch {
	case q.Get("class") != "":
		accounts = ds.AccountsByClass(q.Get("class"))
	case q.Get("type") != "":
		accounts = ds.AccountsByType(q.Get("type"))
	default:
		accounts = ds.Accounts()
	}
	if accounts == nil {
		accounts = []bas.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bas_version": ds.Version, "accounts": accounts})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	ds, ok := s.dataset(w, r)
	if !ok {
		return
	}
	number := chi.URLParam(r, "number")
	acc, found := ds.Account(number)
	if !found {
		writeErr(w, fmt.Errorf("%w: %s in BAS %s", domain.ErrAccountNotFound, number, ds.Version))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (s *Server) dataset(w http.ResponseWriter, r *http.Request) (*bas.Dataset, bool) {
	_, version, ok := s.dateAndVersion(w, r)
	if !ok {
		return nil, false
	}
	ds, err := s.charts.Dataset(r.Context(), version)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return ds, true
}

// dateAndVersion reads ?date= (default today) and ?bas_version= (default the
// version scheduled for the date).
func (s *Server) dateAndVersion(w http.ResponseWriter, r *http.Request) (domain.Date, string, bool) {
	q := r.URL.Query()
	date := s.today()
	if v := q.Get("date"); v != "" {
		d, err := domain.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return domain.Date{}, "", false
		}
		date = d
	}
	version := q.Get("bas_version")
	if version == "" {
		version = s.catalog.VersionFor(date)
	}
	return date, version, true
}
