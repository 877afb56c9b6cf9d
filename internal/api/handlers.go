package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/store"
)

// SubmitRequest is the body of POST /v1/evidence. Exactly one of Content and
// ContentBase64 is set.
type SubmitRequest struct {
	URL           string     `json:"url"`
	Content       string     `json:"content,omitempty"`
	ContentBase64 string     `json:"content_base64,omitempty"`
	ContentType   string     `json:"content_type,omitempty"`
	Publisher     string     `json:"publisher,omitempty"`
	DocumentType  string     `json:"document_type,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  *time.Time `json:"last_modified,omitempty"`
}

// SubmitResponse reports the stored record
type SubmitResponse struct {
	Evidence *model.Evidence `json:"evidence"`
	Created  bool            `json:"created"`
}

// ResolveRequest is the body of POST /v1/conflicts/{id}/resolve
type ResolveRequest struct {
	WinnerID string `json:"winner_id"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	limit := s.p.Config().HTTP.MaxBodyBytes
	if limit <= 0 {
		limit = 8_000_000
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := req.raw()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ev, created, err := s.p.Submit(r.Context(), model.Submission{
		URL:             req.URL,
		Raw:             raw,
		ContentTypeHint: req.ContentType,
		ChangeSignal:    model.ChangeSignal{ETag: req.ETag, LastModified: req.LastModified},
		Attributes: model.SourceAttributes{
			URL:          req.URL,
			Publisher:    req.Publisher,
			DocumentType: req.DocumentType,
		},
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SubmitResponse{Evidence: ev, Created: created})
}

func (req SubmitRequest) raw() ([]byte, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, badRequest{msg: "url is required"}
	}
	switch {
	case req.Content != "" && req.ContentBase64 != "":
		return nil, badRequest{msg: "set one of content and content_base64"}
	case req.ContentBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			return nil, badRequest{msg: "content_base64: " + err.Error()}
		}
		return raw, nil
	case req.Content != "":
		return []byte(req.Content), nil
	default:
		return nil, badRequest{msg: "content is required"}
	}
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.URL == "" {
		s.writeError(w, r, badRequest{msg: "url is required"})
		return
	}
	ev, created, err := s.p.IngestURL(r.Context(), req.URL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SubmitResponse{Evidence: ev, Created: created})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	ev, err := s.p.Evidence.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleLineage lists every record fetched from ?url=, oldest first
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		s.writeError(w, r, badRequest{msg: "url is required"})
		return
	}
	records, err := s.p.Evidence.Lineage(r.Context(), url)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []*model.Evidence{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleTombstone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, r, badRequest{msg: "reason is required"})
		return
	}
	if err := s.p.Tombstone(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		s.writeError(w, r, badRequest{msg: "topic is required"})
		return
	}
	asOf, err := ParseAsOf(r.URL.Query().Get("as_of"), s.now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ans, err := s.p.Gateway.Answer(r.Context(), topic, asOf)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ans.RefusalReason == model.RefusalGraphInconsistent && ans.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(ans.RetryAfter.Round(time.Second)/time.Second)))
	}
	writeJSON(w, answerStatus(ans), ans)
}

// ParseAsOf accepts a date or an RFC 3339 timestamp; empty means now
func ParseAsOf(v string, now time.Time) (time.Time, error) {
	if v == "" {
		return now.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest{msg: fmt.Sprintf("as_of %q: want YYYY-MM-DD or RFC 3339", v)}
	}
	return t.UTC(), nil
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var statuses []model.RuleStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			statuses = append(statuses, model.RuleStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	rules, err := s.p.Store.ListRulesByTopic(r.Context(), chi.URLParam(r, "topic"), statuses...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rules == nil {
		rules = []*model.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleProvenance(w http.ResponseWriter, r *http.Request) {
	chain, err := s.p.Gateway.Provenance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conflicts, err := s.p.Store.ListConflicts(r.Context(), store.ConflictFilter{
		TopicKey: q.Get("topic"),
		OpenOnly: q.Get("open") == "true",
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []*model.Conflict{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.p.Arbiter.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if history == nil {
		history = []*model.Resolution{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WinnerID == "" || strings.TrimSpace(req.Reviewer) == "" {
		s.writeError(w, r, badRequest{msg: "winner_id and reviewer are required"})
		return
	}
	res, err := s.p.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.WinnerID, req.Reviewer, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.p.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	jobs, err := s.p.Queue.ListDead(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if err := s.p.Queue.Requeue(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
