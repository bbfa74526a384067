package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"estatechain/internal/escrow"
	"estatechain/internal/idempotency"
	"estatechain/internal/listing"
	"estatechain/internal/loader"
	"estatechain/internal/metadata"
	"estatechain/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

type sessionResponse struct {
	ChainID       string `json:"chainId"`
	Account       string `json:"account"`
	ActiveAccount string `json:"activeAccount,omitempty"`
	RealEstate    string `json:"realEstate"`
	Escrow        string `json:"escrow"`
	Assets        int    `json:"assets"`
}

type selectAccountRequest struct {
	Account string `json:"account"`
}

type accountsResponse struct {
	Accounts []string `json:"accounts"`
	Active   string   `json:"active,omitempty"`
}

type assetResponse struct {
	ID            string             `json:"id"`
	URI           string             `json:"uri"`
	Metadata      *metadata.Metadata `json:"metadata,omitempty"`
	MetadataError string             `json:"metadataError,omitempty"`
}

type approvalsView struct {
	Buyer  bool `json:"buyer"`
	Seller bool `json:"seller"`
	Lender bool `json:"lender"`
}

type statusView struct {
	AssetID          string        `json:"assetId"`
	Buyer            string        `json:"buyer"`
	Seller           string        `json:"seller"`
	Inspector        string        `json:"inspector"`
	Lender           string        `json:"lender"`
	PurchasePrice    string        `json:"purchasePrice"`
	PurchasePriceWei string        `json:"purchasePriceWei"`
	EscrowAmount     string        `json:"escrowAmount"`
	EscrowAmountWei  string        `json:"escrowAmountWei"`
	Listed           bool          `json:"listed"`
	Inspected        bool          `json:"inspected"`
	Approvals        approvalsView `json:"approvals"`
	Owner            string        `json:"owner"`
	Balance          string        `json:"balance"`
}

func newStatusView(s *listing.Status) *statusView {
	if s == nil {
		return nil
	}
	return &statusView{
		AssetID:          s.AssetID.String(),
		Buyer:            s.Buyer.Hex(),
		Seller:           s.Seller.Hex(),
		Inspector:        s.Inspector.Hex(),
		Lender:           s.Lender.Hex(),
		PurchasePrice:    escrow.FormatEther(s.PurchasePrice),
		PurchasePriceWei: s.PurchasePrice.String(),
		EscrowAmount:     escrow.FormatEther(s.EscrowAmount),
		EscrowAmountWei:  s.EscrowAmount.String(),
		Listed:           s.Listed,
		Inspected:        s.Inspected,
		Approvals: approvalsView{
			Buyer:  s.BuyerApproved,
			Seller: s.SellerApproved,
			Lender: s.LenderApproved,
		},
		Owner:   s.Owner.Hex(),
		Balance: escrow.FormatEther(s.Balance),
	}
}

type snapshotResponse struct {
	AssetID string           `json:"assetId"`
	URI     string           `json:"uri"`
	Account string           `json:"account"`
	Role    listing.Role     `json:"role"`
	Status  *statusView      `json:"status"`
	Actions []listing.Option `json:"actions"`
}

type actionResponse struct {
	AssetID      string           `json:"assetId"`
	Action       listing.Action   `json:"action"`
	Role         listing.Role     `json:"role"`
	Transactions []string         `json:"transactions"`
	Status       *statusView      `json:"status,omitempty"`
	RefreshError string           `json:"refreshError,omitempty"`
	Actions      []listing.Option `json:"actions"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.loader.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	resp := sessionResponse{
		ChainID:    session.ChainID.String(),
		Account:    session.Account.Hex(),
		RealEstate: session.Registry.Address().Hex(),
		Escrow:     session.Escrow.Address().Hex(),
		Assets:     len(session.Assets),
	}
	if active, err := s.wallet.Active(); err == nil {
		resp.ActiveAccount = active.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	resp := accountsResponse{Accounts: hexAddresses(s.wallet.Accounts())}
	if active, err := s.wallet.Active(); err == nil {
		resp.Active = active.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSelectAccount switches the wallet account. The reload it triggers runs
// asynchronously through the loader's account watch.
func (s *Server) handleSelectAccount(w http.ResponseWriter, r *http.Request) {
	var payload selectAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid json payload"))
		return
	}
	if !common.IsHexAddress(payload.Account) {
		writeError(w, http.StatusBadRequest, errors.New("account must be a hex address"))
		return
	}
	account := common.HexToAddress(payload.Account)
	if err := s.wallet.Select(account); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, wallet.ErrUnknownAccount) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	s.logger.Info("account selected", zap.String("account", account.Hex()))
	writeJSON(w, http.StatusAccepted, accountsResponse{Accounts: hexAddresses(s.wallet.Accounts()), Active: account.Hex()})
}

func hexAddresses(accounts []common.Address) []string {
	out := make([]string, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, acct.Hex())
	}
	return out
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	session, err := s.loader.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), metadataTimeout)
	defer cancel()

	out := make([]assetResponse, 0, len(session.Assets))
	for _, asset := range session.Assets {
		item := assetResponse{ID: asset.ID.String(), URI: asset.URI}
		if s.metadata != nil {
			md, err := s.metadata.Fetch(ctx, asset.URI)
			if err != nil {
				item.MetadataError = err.Error()
				s.metrics.incMetadata("failed")
			} else {
				item.Metadata = md
				s.metrics.incMetadata("ok")
			}
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAsset(w http.ResponseWriter, r *http.Request) {
	session, asset, ok := s.resolveAsset(w, r)
	if !ok {
		return
	}

	account, err := s.viewer(r, session)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view := listing.NewView(session.Registry, session.Escrow, asset.ID, s.logger)
	snap, err := view.Snapshot(r.Context(), account)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	actions := snap.Options
	if actions == nil {
		actions = []listing.Option{}
	}
	writeJSON(w, http.StatusOK, snapshotResponse{
		AssetID: asset.ID.String(),
		URI:     asset.URI,
		Account: account.Hex(),
		Role:    snap.Role,
		Status:  newStatusView(snap.Status),
		Actions: actions,
	})
}

// handleAction performs a role-gated action for the active wallet account.
// Outcomes other than transport failures are replayed for the same
// idempotency key.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing %s header", idempotencyHeader))
		return
	}

	session, asset, ok := s.resolveAsset(w, r)
	if !ok {
		return
	}
	action, err := listing.ParseAction(mux.Vars(r)["action"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	account, err := s.wallet.Active()
	if err != nil {
		writeError(w, http.StatusPreconditionFailed, err)
		return
	}

	fingerprint := idempotency.Fingerprint(account.Hex(), session.ChainID.String(), asset.ID.String(), string(action))
	ctx := r.Context()
	if s.replay(ctx, w, key, fingerprint, action) {
		return
	}

	if _, busy := s.inflight.LoadOrStore(key, struct{}{}); busy {
		writeError(w, http.StatusConflict, errors.New("a request with this idempotency key is in progress"))
		return
	}
	defer s.inflight.Delete(key)

	// a request holding the key may have finished between the first read and
	// the claim
	if s.replay(ctx, w, key, fingerprint, action) {
		return
	}

	// The pipeline outlives a client disconnect so no action is left half
	// submitted.
	runCtx := context.WithoutCancel(ctx)
	signer, err := s.wallet.SignerFor(runCtx, account, session.ChainID)
	if err != nil {
		writeError(w, http.StatusPreconditionFailed, err)
		return
	}

	started := time.Now()
	view := listing.NewView(session.Registry, session.Escrow, asset.ID, s.logger.With(zap.String("requestId", r.Header.Get(requestIDHeader))))
	result, err := view.Perform(runCtx, listing.Request{Account: account, Signer: signer, Action: action})
	s.metrics.observeAction(string(action), started)

	status, body := actionOutcome(asset.ID, action, result, err)
	s.metrics.incAction(string(action), strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_")))

	blob, _ := json.Marshal(body)
	if replayable(status) {
		if err := s.store.Save(runCtx, key, idempotency.NewRecord(fingerprint, status, blob, s.cfg.Service.IdempotencyWindow)); err != nil {
			s.logger.Warn("idempotency record not saved", zap.String("key", key), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(blob, '\n'))
}

// replay answers from a stored record for key and reports whether it wrote a
// response. A store failure is answered with 503 rather than treated as a miss.
func (s *Server) replay(ctx context.Context, w http.ResponseWriter, key, fingerprint string, action listing.Action) bool {
	existing, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Error("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("idempotency store unavailable: %w", err))
		return true
	}
	if existing == nil {
		return false
	}
	if err := existing.Matches(fingerprint); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return true
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(existing.StatusCode)
	_, _ = w.Write(existing.Response)
	s.metrics.incAction(string(action), "cached")
	return true
}

func actionOutcome(id *big.Int, action listing.Action, result *listing.Result, err error) (int, interface{}) {
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		var stepErr *listing.StepError
		if errors.As(err, &stepErr) {
			resp.Step = stepErr.Step
		}
		return actionErrorStatus(err), resp
	}

	resp := actionResponse{
		AssetID:      id.String(),
		Action:       result.Action,
		Role:         result.Role,
		Transactions: make([]string, 0, len(result.Receipts)),
		Status:       newStatusView(result.Status),
		Actions:      []listing.Option{},
	}
	for _, receipt := range result.Receipts {
		resp.Transactions = append(resp.Transactions, receipt.TxHash.Hex())
	}
	if result.RefreshErr != nil {
		resp.RefreshError = result.RefreshErr.Error()
	}
	if result.Status != nil {
		if opts := listing.Options(result.Role, result.Status); opts != nil {
			resp.Actions = opts
		}
	}
	return http.StatusOK, resp
}

func actionErrorStatus(err error) int {
	switch {
	case errors.Is(err, listing.ErrNotPermitted):
		return http.StatusForbidden
	case errors.Is(err, listing.ErrUnavailable):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrReverted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrReadOnly),
		errors.Is(err, wallet.ErrNoAccount),
		errors.Is(err, wallet.ErrUnknownAccount):
		return http.StatusPreconditionFailed
	}
	return http.StatusBadGateway
}

func replayable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusForbidden, http.StatusConflict, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func (s *Server) resolveAsset(w http.ResponseWriter, r *http.Request) (*loader.Session, loader.Asset, bool) {
	session, err := s.loader.Current()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return nil, loader.Asset{}, false
	}
	id, ok := new(big.Int).SetString(mux.Vars(r)["id"], 10)
	if !ok {
		writeError(w, http.StatusBadRequest, errors.New("invalid asset id"))
		return nil, loader.Asset{}, false
	}
	asset, ok := session.Asset(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset %s not found", id))
		return nil, loader.Asset{}, false
	}
	return session, asset, true
}

// viewer is the account an asset is shown for: the account query parameter,
// else the active wallet account, else the loaded session's account.
func (s *Server) viewer(r *http.Request, session *loader.Session) (common.Address, error) {
	if raw := r.URL.Query().Get("account"); raw != "" {
		if !common.IsHexAddress(raw) {
			return common.Address{}, errors.New("account must be a hex address")
		}
		return common.HexToAddress(raw), nil
	}
	if active, err := s.wallet.Active(); err == nil {
		return active, nil
	}
	return session.Account, nil
}
