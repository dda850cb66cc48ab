/*
handlers.go - HTTP API handlers for repayment cases

PURPOSE:
  Exposes the case service and the claim-basis store via REST API. Handles
  HTTP request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Saker:
    POST   /api/saker                                  Register a sak
    GET    /api/saker?saksnummer=N                     Find a sak by saksnummer
    GET    /api/saker/{sakId}                          Get a sak
    GET    /api/saker/{sakId}/hendelser                Event history

  Cases:
    GET    /api/saker/{sakId}/tilbakekrevinger         List cases
    POST   /api/saker/{sakId}/tilbakekrevinger         Open a case
    GET    /api/saker/{sakId}/tilbakekrevinger/{id}    Get a case
    POST   .../{id}/forhandsvarsel                     Record a pre-notification
    POST   .../{id}/vurderinger                        Set monthly decisions
    POST   .../{id}/vedtaksbrev                        Choose the decision letter
    POST   .../{id}/tilAttestering                     Submit for attestation
    POST   .../{id}/iverksett                          Attest and settle
    POST   .../{id}/underkjenn                         Reject the attestation
    POST   .../{id}/avklarIverksetting                 Confirm an unanswered settlement
    POST   .../{id}/avbryt                             Abort the case

  Claim basis:
    POST   /api/kravgrunnlag                           Store a received message
    GET    /api/kravgrunnlag/unprocessed               Messages not yet ingested
    POST   /api/kravgrunnlag/ingest                    Run ingestion now
    GET    /api/kravgrunnlag/ingest                    Last ingestion report

ACTOR:
  The acting caseworker comes from the X-Nav-Ident header. Commands without
  it are refused by the case service.

ERROR HANDLING:
  Errors are returned as JSON with an HTTP status and a kind:
  - 400 invalid_input:        Validation errors, illegal transitions
  - 404 not_found:            Unknown sak or case
  - 409 conflict:             Stale cursor, second open case, duplicate sak,
                              settlement outcome not yet confirmed
  - 422 external_rejection:   The financial system refused the decision
  - 503 external_unreachable: Nothing was sent, safe to retry
  - 504 external_unreachable: Outcome unknown, check before retrying
  - 500 internal:             Everything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/navikt/su-tilbakekreving/generic"
	"github.com/navikt/su-tilbakekreving/ingest"
	"github.com/navikt/su-tilbakekreving/kravgrunnlag"
	"github.com/navikt/su-tilbakekreving/oppdrag"
	"github.com/navikt/su-tilbakekreving/tilbakekreving"
	"github.com/navikt/su-tilbakekreving/vurdering"
)

const (
	// ActorHeader carries the NAV ident of the caseworker making the call.
	ActorHeader = "X-Nav-Ident"

	// MessageIDHeader carries the transport's message ID on claim-basis pushes.
	MessageIDHeader = "X-Ekstern-Melding-Id"

	maxPayloadBytes = 4 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Cases  *tilbakekreving.Service
	Raw    kravgrunnlag.RawStore
	Ingest *ingest.Scheduler

	log logrus.FieldLogger
	now func() time.Time
}

// NewHandler creates a handler. A nil scheduler disables the ingest endpoints.
func NewHandler(cases *tilbakekreving.Service, raw kravgrunnlag.RawStore, scheduler *ingest.Scheduler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Cases:  cases,
		Raw:    raw,
		Ingest: scheduler,
		log:    log.WithField("component", "api"),
		now:    time.Now,
	}
}

// =============================================================================
// SAK HANDLERS
// =============================================================================

func (h *Handler) RegisterSak(w http.ResponseWriter, r *http.Request) {
	var req RegisterSakRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sak, err := h.Cases.RegisterSak(r.Context(), req.Saksnummer, req.SakType)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSakDTO(sak))
}

func (h *Handler) FindSak(w http.ResponseWriter, r *http.Request) {
	saksnummer, err := generic.ParseSaksnummer(r.URL.Query().Get("saksnummer"))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Invalid saksnummer", err)
		return
	}
	sak, err := h.Cases.SakBySaksnummer(r.Context(), saksnummer)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSakDTO(sak))
}

func (h *Handler) GetSak(w http.ResponseWriter, r *http.Request) {
	sak, err := h.Cases.Sak(r.Context(), sakID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSakDTO(sak))
}

// History returns every event of the sak, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.Cases.History(r.Context(), sakID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.Cases.List(r.Context(), sakID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]CaseDTO, len(cases))
	for i, c := range cases {
		dtos[i] = toCaseDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Cases.Get(r.Context(), sakID(r), caseID(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseDTO(c))
}

// CreateCase opens a case, optionally with a claim basis already attached.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	var basis *kravgrunnlag.Kravgrunnlag
	if len(req.Kravgrunnlag) > 0 {
		parsed, err := kravgrunnlag.Parse(req.Kravgrunnlag)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		basis = &parsed
	}

	c, err := h.Cases.Create(r.Context(), sakID(r), actor(r), basis)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCaseDTO(c))
}

func (h *Handler) AddPreNotification(w http.ResponseWriter, r *http.Request) {
	var req PreNotificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DokumentID == "" {
		req.DokumentID = uuid.NewString()
	}
	h.respond(w, r)(h.Cases.AddPreNotification(r.Context(), command(r, req.Cursor), req.DokumentID, req.Fritekst))
}

func (h *Handler) SetDecisions(w http.ResponseWriter, r *http.Request) {
	var req DecisionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	decisions, err := vurdering.NewDecisions(req.Vurderinger)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	h.respond(w, r)(h.Cases.SetDecisions(r.Context(), command(r, req.Cursor), decisions))
}

func (h *Handler) ChooseLetter(w http.ResponseWriter, r *http.Request) {
	var req LetterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.ChooseLetter(r.Context(), command(r, req.Cursor), req.LetterChoice))
}

func (h *Handler) SubmitForAttestation(w http.ResponseWriter, r *http.Request) {
	var req CursorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.SubmitForAttestation(r.Context(), command(r, req.Cursor)))
}

// Settle attests the case and sends the decision to the financial system.
// The case only moves on if the decision was accepted.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	var req CursorRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.Settle(r.Context(), command(r, req.Cursor)))
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req RejectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.Reject(r.Context(), command(r, req.Cursor), req.Grunn, req.Kommentar))
}

// ResolveSettlement records what the caseworker found in the financial system
// after a settlement that got no answer.
func (h *Handler) ResolveSettlement(w http.ResponseWriter, r *http.Request) {
	var req ResolveSettlementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.ResolveSettlement(r.Context(), command(r, req.Cursor), req.Iverksatt, req.Kommentar))
}

func (h *Handler) Abort(w http.ResponseWriter, r *http.Request) {
	var req AbortRequest
	if !decodeBody(w, r, &req) {
		return
	}
	h.respond(w, r)(h.Cases.Abort(r.Context(), command(r, req.Cursor), req.Begrunnelse))
}

// respond writes the case a command returned, or its error.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request) func(tilbakekreving.Case, error) {
	return func(c tilbakekreving.Case, err error) {
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCaseDTO(c))
	}
}

// =============================================================================
// CLAIM BASIS HANDLERS
// =============================================================================

// ReceiveKravgrunnlag stores a claim-basis message exactly as pushed. The
// body is the payload; the message ID comes from X-Ekstern-Melding-Id. A
// redelivered message ID is acknowledged without storing anything.
func (h *Handler) ReceiveKravgrunnlag(w http.ResponseWriter, r *http.Request) {
	extID := r.Header.Get(MessageIDHeader)
	if extID == "" {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Missing "+MessageIDHeader+" header", nil)
		return
	}
	var saksnummer generic.Saksnummer
	if s := r.URL.Query().Get("saksnummer"); s != "" {
		n, err := generic.ParseSaksnummer(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "Invalid saksnummer", err)
			return
		}
		saksnummer = n
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Cannot read body", err)
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Empty claim basis payload", nil)
		return
	}

	msg := kravgrunnlag.NewRawMessage(extID, saksnummer, string(payload), h.now())
	inserted, err := h.Raw.Save(r.Context(), msg)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	log := h.log.WithFields(logrus.Fields{"externalMessageId": extID, "saksnummer": saksnummer})
	if !inserted {
		log.Info("claim basis message already stored")
		writeJSON(w, http.StatusOK, ReceivedDTO{Inserted: false})
		return
	}
	log.WithField("rawMessageId", msg.ID).Info("claim basis message stored")
	writeJSON(w, http.StatusCreated, ReceivedDTO{ID: msg.ID, Inserted: true})
}

func (h *Handler) ListUnprocessed(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.Raw.ListUnprocessed(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	dtos := make([]RawMessageDTO, len(msgs))
	for i, m := range msgs {
		dtos[i] = RawMessageDTO{ID: m.ID, ExternalMessageID: m.ExternalMessageID, Saksnummer: m.Saksnummer, ReceivedAt: m.ReceivedAt}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// TriggerIngest runs one ingestion pass and returns its report.
func (h *Handler) TriggerIngest(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, kindInternal, "Ingestion is not configured", nil)
		return
	}
	writeJSON(w, http.StatusOK, h.Ingest.RunNow(r.Context()))
}

func (h *Handler) LastIngest(w http.ResponseWriter, r *http.Request) {
	if h.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, kindInternal, "Ingestion is not configured", nil)
		return
	}
	report, ok := h.Ingest.LastReport()
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound, "No ingestion has run yet", nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

const (
	kindInvalidInput        = "invalid_input"
	kindConflict            = "conflict"
	kindExternalRejection   = "external_rejection"
	kindExternalUnreachable = "external_unreachable"
	kindNotFound            = "not_found"
	kindInternal            = "internal"
)

func sakID(r *http.Request) generic.SakID   { return generic.SakID(chi.URLParam(r, "sakId")) }
func caseID(r *http.Request) generic.CaseID { return generic.CaseID(chi.URLParam(r, "caseId")) }
func actor(r *http.Request) string          { return r.Header.Get(ActorHeader) }

func command(r *http.Request, cursor tilbakekreving.Cursor) tilbakekreving.Command {
	return tilbakekreving.Command{SakID: sakID(r), CaseID: caseID(r), Cursor: cursor, Actor: actor(r)}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, message string, err error) {
	resp := ErrorResponse{Error: message, Kind: kind}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps a domain error onto a status and kind.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	log := h.log.WithFields(logrus.Fields{"path": r.URL.Path, "actor": actor(r)})
	switch {
	case generic.IsRetryable(err):
		log.WithError(err).Info("stale cursor, caller must re-read")
		writeError(w, http.StatusConflict, kindConflict, "The case changed since it was read", err)
	case errors.Is(err, tilbakekreving.ErrSettlementUnconfirmed):
		writeError(w, http.StatusConflict, kindConflict,
			"An earlier settlement got no answer; confirm its outcome in the financial system first", err)
	case errors.Is(err, tilbakekreving.ErrOpenCaseExists),
		errors.Is(err, tilbakekreving.ErrClaimBasisUnchanged),
		errors.Is(err, tilbakekreving.ErrClaimBasisSuperseded),
		errors.Is(err, generic.ErrSakExists):
		writeError(w, http.StatusConflict, kindConflict, "Conflict", err)
	case generic.IsNotFound(err), errors.Is(err, kravgrunnlag.ErrRawMessageNotFound):
		writeError(w, http.StatusNotFound, kindNotFound, "Not found", err)
	case oppdrag.IsRejected(err):
		writeError(w, http.StatusUnprocessableEntity, kindExternalRejection, "The financial system rejected the request", err)
	case oppdrag.IsNotSent(err):
		writeError(w, http.StatusServiceUnavailable, kindExternalUnreachable,
			"The request was not sent to the financial system; it is safe to retry", err)
	case oppdrag.IsIndeterminate(err):
		writeError(w, http.StatusGatewayTimeout, kindExternalUnreachable,
			"Could not confirm the outcome with the financial system; check before retrying", err)
	case kravgrunnlag.IsMalformed(err):
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Malformed claim basis", err)
	case generic.IsClientError(err), tilbakekreving.IsIllegalTransition(err):
		writeError(w, http.StatusBadRequest, kindInvalidInput, "Invalid request", err)
	default:
		log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "Internal error", nil)
	}
}
