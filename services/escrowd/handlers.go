package escrowd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"quorumescrow/crypto"
	"quorumescrow/native/escrow"
	telemetry "quorumescrow/observability/otel"
)

type createRequest struct {
	Config escrow.ConfigDocument `json:"config"`
	Nonce  *uint64               `json:"nonce,omitempty"`
}

type createResponse struct {
	ID     string     `json:"id"`
	Nonce  uint64     `json:"nonce"`
	Escrow EscrowView `json:"escrow"`
}

type depositRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

type withdrawRequest struct {
	Asset string `json:"asset"`
}

type withdrawResponse struct {
	Escrow string `json:"escrow"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type creditRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

func randomNonce() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// caller returns the authenticated identity or writes 401.
func (s *Server) caller(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	p := PrincipalFrom(r.Context())
	if !p.HasCaller {
		writeError(w, http.StatusUnauthorized, errMissingCaller)
		return [20]byte{}, false
	}
	return p.Caller, true
}

func (s *Server) instanceID(w http.ResponseWriter, r *http.Request) ([32]byte, bool) {
	id, err := crypto.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return [32]byte{}, false
	}
	if _, err := s.registry.Get(id); err != nil {
		writeEscrowError(w, err)
		return [32]byte{}, false
	}
	return id, true
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*escrow.Engine, bool) {
	id, err := crypto.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	engine, err := s.registry.Get(id)
	if err != nil {
		writeEscrowError(w, err)
		return nil, false
	}
	return engine, true
}

func (s *Server) view(engine *escrow.Engine) (EscrowView, error) {
	snap := engine.Snapshot()
	digest, err := snap.Digest()
	if err != nil {
		return EscrowView{}, err
	}
	return newEscrowView(snap, digest, engine.Unallocated), nil
}

func (s *Server) writeView(w http.ResponseWriter, status int, engine *escrow.Engine) {
	view, err := s.view(engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("ETag", `"`+view.Digest+`"`)
	writeJSON(w, status, view)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := req.Config.Config()
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	nonce := s.nonceFn()
	if req.Nonce != nil {
		nonce = *req.Nonce
	}
	id, err := s.registry.Create(creator, nonce, cfg)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	engine, err := s.registry.Get(id)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	view, err := s.view(engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+view.ID)
	writeJSON(w, http.StatusCreated, createResponse{ID: view.ID, Nonce: nonce, Escrow: view})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	ids := s.registry.ListAll()
	if raw := strings.TrimSpace(query.Get("phase")); raw != "" {
		phase, err := escrow.ParsePhase(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ids = intersect(ids, s.registry.ListByPhase(phase))
	}
	if raw := strings.TrimSpace(query.Get("member")); raw != "" {
		member, err := crypto.ParseAddress(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ids = intersect(ids, s.registry.ListByMember(member))
	}
	out := make([]SummaryView, 0, len(ids))
	for _, id := range ids {
		engine, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		out = append(out, SummaryView{ID: crypto.FormatID(id), Phase: engine.Phase().String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrows": out})
}

// intersect keeps the members of base present in filter, preserving base order.
func intersect(base, filter [][32]byte) [][32]byte {
	keep := make(map[[32]byte]struct{}, len(filter))
	for _, id := range filter {
		keep[id] = struct{}{}
	}
	out := make([][32]byte, 0, len(base))
	for _, id := range base {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	summary := s.registry.Summary()
	counts := make(map[string]int, len(summary))
	for phase, n := range summary {
		counts[phase.String()] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  s.registry.Count(),
		"phases": counts,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	view, err := s.view(engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	etag := `"` + view.Digest + `"`
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	depositor, ok := s.caller(w, r)
	if !ok {
		return
	}
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := crypto.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = traced(r, "deposit", engine, func() error { return engine.Deposit(depositor, asset, amount) })
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	s.writeView(w, http.StatusOK, engine)
}

// handleAction runs a body-less operation on behalf of the caller.
func (s *Server) handleAction(name string, op func(*escrow.Engine, [20]byte) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := s.caller(w, r)
		if !ok {
			return
		}
		engine, ok := s.engine(w, r)
		if !ok {
			return
		}
		if err := traced(r, name, engine, func() error { return op(engine, caller) }); err != nil {
			writeEscrowError(w, err)
			return
		}
		s.writeView(w, http.StatusOK, engine)
	}
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.handleAction("confirm", (*escrow.Engine).Confirm)(w, r)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.handleAction("dispute", (*escrow.Engine).RaiseDispute)(w, r)
}

func (s *Server) handleForceRefund(w http.ResponseWriter, r *http.Request) {
	s.handleAction("force_refund", (*escrow.Engine).ForceRefund)(w, r)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	mediator, ok := s.caller(w, r)
	if !ok {
		return
	}
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var resolve func([20]byte) error
	switch strings.ToLower(strings.TrimSpace(req.Outcome)) {
	case escrow.OutcomeRelease:
		resolve = engine.ResolveDisputeToRecipients
	case escrow.OutcomeRefund:
		resolve = engine.ResolveDisputeRefundAll
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("outcome must be %q or %q", escrow.OutcomeRelease, escrow.OutcomeRefund))
		return
	}
	if err := traced(r, "resolve", engine, func() error { return resolve(mediator) }); err != nil {
		writeEscrowError(w, err)
		return
	}
	s.writeView(w, http.StatusOK, engine)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	beneficiary, ok := s.caller(w, r)
	if !ok {
		return
	}
	engine, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req withdrawRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := crypto.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var amount *big.Int
	err = traced(r, "withdraw", engine, func() (err error) {
		amount, err = engine.Withdraw(beneficiary, asset)
		return err
	})
	s.metrics.RecordWithdrawal(err)
	if err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{
		Escrow: crypto.FormatID(engine.ID()),
		Asset:  crypto.FormatAsset(asset),
		Amount: amount.String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.instanceID(w, r)
	if !ok {
		return
	}
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errJournalUnavailable)
		return
	}
	entries, err := s.journal.List(r.Context(), crypto.FormatID(id))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if strings.EqualFold(r.URL.Query().Get("format"), "parquet") {
		var buf bytes.Buffer
		if err := writeParquet(&buf, entries); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.apache.parquet")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.parquet"`, crypto.FormatID(id)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	out := make([]EventView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, eventViewFromEntry(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleBankCredit(w http.ResponseWriter, r *http.Request) {
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := crypto.ParseAddress(req.Account)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := crypto.ParseAsset(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.ledger.Credit(account, asset, amount); err != nil {
		writeEscrowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(account, s.ledger.Balances(account)))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	account, err := crypto.ParseAddress(chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid account"))
		return
	}
	writeJSON(w, http.StatusOK, newAccountView(account, s.ledger.Balances(account)))
}

// traced runs op inside an escrow operation span.
func traced(r *http.Request, name string, engine *escrow.Engine, op func() error) error {
	_, span := telemetry.StartOperation(r.Context(), name, crypto.FormatID(engine.ID()))
	err := op()
	span.End(engine.Phase().String(), err, string(escrow.KindOf(err)))
	return err
}
