package routes

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"notoristake/core/chain"
	"notoristake/gateway/middleware"
)

type amountRequest struct {
	Amount   string `json:"amount"`
	Approval string `json:"approval"`
}

type rateRequest struct {
	Rate string `json:"rate"`
	// Approval optionally carries a signed transaction for chain gateways.
	Approval string `json:"approval"`
}

type txResponse struct {
	Success       bool         `json:"success"`
	TransactionID chain.TxID   `json:"transactionId"`
	Status        chain.Status `json:"status"`
	Hash          string       `json:"transactionHash,omitempty"`
}

func (a *api) stake(w http.ResponseWriter, r *http.Request) {
	a.submitAmount(w, r, chain.FuncStake)
}

func (a *api) unstake(w http.ResponseWriter, r *http.Request) {
	a.submitAmount(w, r, chain.FuncUnstake)
}

func (a *api) submitAmount(w http.ResponseWriter, r *http.Request, function string) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.submit(w, r, chain.Call{Function: function, From: session.Address, Amount: amount, Approval: req.Approval})
}

func (a *api) claim(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	a.submit(w, r, chain.Call{Function: chain.FuncClaimRewards, From: session.Address, Approval: req.Approval})
}

func (a *api) setRewardRate(w http.ResponseWriter, r *http.Request) {
	session, ok := a.requireSession(w, r)
	if !ok {
		return
	}
	var req rateRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	rate, err := uint256.FromDecimal(trimmed(req.Rate))
	if err != nil {
		a.writeError(w, r, fmt.Errorf("%w: rate: %v", errBadRequest, err))
		return
	}
	a.submit(w, r, chain.Call{Function: chain.FuncSetRewardRate, From: session.Address, Amount: rate, Approval: req.Approval})
}

func (a *api) submit(w http.ResponseWriter, r *http.Request, call chain.Call) {
	if a.cfg.Gateway == nil {
		a.writeError(w, r, chain.ErrNotConfigured)
		return
	}
	// Submission is not abandoned when the client disconnects.
	ctx := context.WithoutCancel(r.Context())
	id, err := a.cfg.Gateway.Submit(ctx, call)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	receipt, err := a.cfg.Gateway.PollStatus(ctx, id)
	if err != nil {
		receipt = chain.Receipt{ID: id, Status: chain.StatusPending}
	}
	middleware.WriteJSON(w, http.StatusOK, txResponse{Success: true, TransactionID: id, Status: receipt.Status, Hash: receipt.Hash})
}

func (a *api) position(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		a.writeError(w, r, fmt.Errorf("%w: invalid address %q", errBadRequest, raw))
		return
	}
	if a.cfg.Gateway == nil {
		a.writeError(w, r, chain.ErrNotConfigured)
		return
	}
	owner := common.HexToAddress(raw)
	staked, err := a.cfg.Gateway.StakedAmount(r.Context(), owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	rewards, err := a.cfg.Gateway.RewardsAmount(r.Context(), owner)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"address": owner.Hex(),
		"staked":  decimal(staked),
		"rewards": decimal(rewards),
	})
}

func (a *api) ledger(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Ledger == nil {
		a.writeError(w, r, chain.ErrNotConfigured)
		return
	}
	totals := a.cfg.Ledger.Totals()
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ratePerSecond":        decimal(totals.RatePerSecond),
		"rewardPerTokenStored": decimal(totals.RewardPerTokenStored),
		"totalPrincipal":       decimal(totals.TotalPrincipal),
		"totalPaid":            decimal(totals.TotalPaid),
		"lastUpdateTime":       totals.LastUpdateTime.UTC(),
	})
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: amount required", errBadRequest)
	}
	amount, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: amount: %v", errBadRequest, err)
	}
	return amount, nil
}
