package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"revertprobe/internal/session"
	"revertprobe/internal/txflow"
	"revertprobe/internal/wallet"
)

type providerResponse struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
	RDNS string `json:"rdns,omitempty"`
}

type connectRequest struct {
	ProviderID string `json:"providerId"`
}

type sessionResponse struct {
	Connected     bool              `json:"connected"`
	SessionID     string            `json:"sessionId,omitempty"`
	Provider      *providerResponse `json:"provider,omitempty"`
	Account       string            `json:"account,omitempty"`
	ChainID       uint64            `json:"chainId,omitempty"`
	Network       string            `json:"network,omitempty"`
	EstablishedAt *time.Time        `json:"establishedAt,omitempty"`
	Balance       string            `json:"balance,omitempty"`
	Counter       string            `json:"counter,omitempty"`
}

type operationResponse struct {
	Name        string       `json:"name"`
	Phase       txflow.Phase `json:"phase"`
	Message     string       `json:"message,omitempty"`
	TxHash      string       `json:"txHash,omitempty"`
	ExplorerURL string       `json:"explorerUrl,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	RunID       string       `json:"runId,omitempty"`
	UpdatedAt   *time.Time   `json:"updatedAt,omitempty"`
}

type executeResponse struct {
	RunID string `json:"runId"`
}

// snapshotResponse carries the derived values and the state of the last manual refresh.
type snapshotResponse struct {
	Balance string       `json:"balance,omitempty"`
	Counter string       `json:"counter,omitempty"`
	Phase   txflow.Phase `json:"phase"`
	Message string       `json:"message,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	details := s.registry.Discover(r.Context(), s.cfg.Discovery.Window)
	s.metrics.setDiscovered(len(details))

	out := make([]providerResponse, 0, len(details))
	for _, d := range details {
		out = append(out, toProviderResponse(d.Info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var payload connectRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	id := strings.TrimSpace(payload.ProviderID)
	if id == "" {
		writeError(w, http.StatusBadRequest, "providerId is required")
		return
	}

	detail, ok := s.registry.Lookup(id)
	if !ok {
		// The client may be holding an id from a listing this process never ran.
		s.metrics.setDiscovered(len(s.registry.Discover(r.Context(), s.cfg.Discovery.Window)))
		if detail, ok = s.registry.Lookup(id); !ok {
			writeError(w, http.StatusNotFound, "unknown provider "+id)
			return
		}
	}

	sess, err := s.sessions.Connect(r.Context(), detail)
	if err != nil {
		status, result := connectFailure(err)
		s.metrics.incConnect(result)
		writeError(w, status, err.Error())
		return
	}
	s.metrics.incConnect("connected")
	writeJSON(w, http.StatusOK, s.describeSession(sess))
}

func connectFailure(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrAlreadyConnected):
		return http.StatusConflict, "already_connected"
	case wallet.HasCode(err, wallet.CodeUserRejected):
		return http.StatusForbidden, "rejected"
	case errors.Is(err, session.ErrNoAccounts):
		return http.StatusUnprocessableEntity, "no_accounts"
	case errors.Is(err, session.ErrNetworkAssuranceFailed):
		return http.StatusBadGateway, "network_failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusBadGateway, "error"
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{Connected: false})
		return
	}
	writeJSON(w, http.StatusOK, s.describeSession(sess))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessions.Disconnect()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	states := s.controller.Statuses()
	out := make([]operationResponse, 0, len(states))
	for _, st := range states {
		out = append(out, s.describeOperation(st.Name, st.Status))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	runID, err := s.controller.Start(s.runCtx, name)
	switch {
	case errors.Is(err, txflow.ErrUnknownOperation):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, txflow.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, executeResponse{RunID: runID.String()})
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.describeSnapshot(s.controller.Snapshot()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.controller.Refresh(r.Context())
	switch {
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, txflow.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.describeSnapshot(snap))
}

func (s *Server) describeSnapshot(snap txflow.Snapshot) snapshotResponse {
	st := s.controller.RefreshStatus()
	return snapshotResponse{
		Balance: bigString(snap.Balance),
		Counter: bigString(snap.Counter),
		Phase:   st.Phase,
		Message: st.Message,
		Reason:  st.Reason,
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is disabled")
		return
	}
	rec, err := s.history.Get(r.Context(), r.PathValue("runId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) describeSession(sess *session.Session) sessionResponse {
	info := toProviderResponse(sess.Info)
	established := sess.EstablishedAt
	resp := sessionResponse{
		Connected:     true,
		SessionID:     sess.ID.String(),
		Provider:      &info,
		Account:       sess.Account.Hex(),
		ChainID:       sess.ChainID,
		Network:       s.sessions.Network().Name,
		EstablishedAt: &established,
	}
	// A snapshot taken for an earlier session is not shown.
	if snap := s.controller.Snapshot(); snap.SessionID == sess.ID {
		resp.Balance = bigString(snap.Balance)
		resp.Counter = bigString(snap.Counter)
	}
	return resp
}

func (s *Server) describeOperation(name string, st txflow.Status) operationResponse {
	resp := operationResponse{
		Name:    name,
		Phase:   st.Phase,
		Message: st.Message,
		Reason:  st.Reason,
	}
	if st.TxHash != (common.Hash{}) {
		resp.TxHash = st.TxHash.Hex()
		resp.ExplorerURL = s.sessions.Network().TxURL(st.TxHash)
	}
	if st.Phase != txflow.Idle {
		resp.RunID = st.RunID.String()
	}
	if !st.UpdatedAt.IsZero() {
		updated := st.UpdatedAt
		resp.UpdatedAt = &updated
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	nodeInfo := struct {
		Configured bool    `json:"configured"`
		Connected  bool    `json:"connected"`
		LatencyMs  float64 `json:"latency_ms"`
		Error      string  `json:"error,omitempty"`
	}{}

	if s.nodeHealthFn != nil {
		nodeInfo.Configured = true
		start := time.Now()
		nodeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.nodeHealthFn(nodeCtx); err != nil {
			nodeInfo.Error = err.Error()
			overallHealthy = false
		} else {
			nodeInfo.Connected = true
			nodeInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.storeHealthFn != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.storeHealthFn(storeCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	_, connected := s.sessions.Current()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string      `json:"status"`
		Node    interface{} `json:"node"`
		History interface{} `json:"history"`
		Session bool        `json:"session"`
	}{
		Status:  status,
		Node:    nodeInfo,
		History: storeInfo,
		Session: connected,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func toProviderResponse(info wallet.ProviderInfo) providerResponse {
	return providerResponse{UUID: info.UUID, Name: info.Name, Icon: info.Icon, RDNS: info.RDNS}
}

func bigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: msg})
}
