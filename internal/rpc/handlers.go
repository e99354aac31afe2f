package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veilcash/veild/internal/exchange"
	"github.com/veilcash/veild/internal/storage"
	"github.com/veilcash/veild/internal/wire"
	"github.com/veilcash/veild/internal/xchain"
	"github.com/veilcash/veild/pkg/helpers"
)

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(params, v)
}

func (s *Server) chainStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	status := s.chain.GetStatus()

	return map[string]interface{}{
		"last_indelible_level":     status.LastIndelibleLevel,
		"last_indelible_timestamp": status.LastIndelibleTimestamp,
		"last_indelible_oid":       helpers.BytesToHex(status.LastIndelibleOid),
		"matching_completed_time":  status.LastMatchingCompletedBlockTime,
		"matching_start_time":      status.LastMatchingStartBlockTime,
	}, nil
}

func (s *Server) chainGetBlock(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Level uint64 `json:"level"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	block, found, err := s.store.BlockchainSelect(p.Level)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no block at level %d", p.Level)
	}

	return map[string]interface{}{
		"level": p.Level,
		"block": helpers.BytesToHex(block),
	}, nil
}

func (s *Server) chainGetSerialnum(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Serialnum string `json:"serialnum"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	serialnum, err := helpers.HexToBytes(p.Serialnum)
	if err != nil {
		return nil, fmt.Errorf("invalid serialnum: %w", err)
	}

	result, err := s.store.SerialnumSelect(serialnum)
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{"spent": result.Found}
	if result.Found {
		out["hashkey"] = helpers.BytesToHex(result.HashKey)
		out["tx_commitnum"] = result.TxCommitnum
	}
	return out, nil
}

func (s *Server) chainGetCommitRoot(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Level     int64 `json:"level"`
		OrGreater bool  `json:"or_greater"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	sel := storage.RootAtOrBelow
	if p.OrGreater {
		sel = storage.RootAtOrAbove
	}

	root, found, err := s.store.CommitRootsSelectLevel(p.Level, sel)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no commit root near level %d", p.Level)
	}

	return map[string]interface{}{
		"level":          root.Level,
		"timestamp":      root.Timestamp,
		"next_commitnum": root.NextCommitnum,
		"merkle_root":    helpers.BytesToHex(root.MerkleRoot),
	}, nil
}

func (s *Server) chainGetTxOutputs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Address        string `json:"address"`
		CommitnumStart uint64 `json:"commitnum_start"`
		Limit          int    `json:"limit"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	address, err := helpers.HexToBytes(p.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	if p.Limit <= 0 || p.Limit > 100 {
		p.Limit = 20
	}

	outputs, err := s.store.TxOutputSelect(address, p.CommitnumStart, p.Limit)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0, len(outputs))
	for _, out := range outputs {
		results = append(results, map[string]interface{}{
			"domain":      out.Domain,
			"asset_enc":   out.AssetEnc,
			"amount_enc":  out.AmountEnc,
			"merkle_root": helpers.BytesToHex(out.MerkleRoot),
			"commitment":  helpers.BytesToHex(out.Commitment),
			"commitnum":   out.Commitnum,
		})
	}

	return map[string]interface{}{"outputs": results}, nil
}

func (s *Server) chainGetDonationTotal(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Witness int `json:"witness"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	total, err := s.chain.DonationTotal(p.Witness)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"witness": p.Witness,
		"total":   total.String(),
	}, nil
}

func (s *Server) exchangeGetRequests(ctx context.Context, params json.RawMessage) (interface{}, error) {
	results := []map[string]interface{}{}

	s.chain.Xreqs.ForEach(func(x *exchange.Xreq) {
		results = append(results, map[string]interface{}{
			"xreqnum":           x.Xreqnum,
			"seqnum":            x.Seqnum,
			"type":              uint32(x.Type),
			"is_buyer":          x.IsBuyer(),
			"base_asset":        x.BaseAsset,
			"quote_asset":       x.QuoteAsset,
			"foreign_asset":     x.ForeignAsset,
			"min_amount":        x.MinAmount.String(),
			"max_amount":        x.MaxAmount.String(),
			"open_amount":       x.OpenAmount.String(),
			"net_rate_required": x.NetRateRequired,
			"expire_time":       x.ExpireTime,
			"blocktime":         x.Blocktime,
		})
	})

	return map[string]interface{}{"requests": results}, nil
}

func (s *Server) exchangeGetMatch(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Xmatchnum uint64 `json:"xmatchnum"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	match, found, err := s.store.MatchSelectFrom(p.Xmatchnum)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("no match at or above %d", p.Xmatchnum)
	}

	return matchResult(match), nil
}

func (s *Server) exchangeGetMatchesByRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Xreqnum      uint64 `json:"xreqnum"`
		MinXmatchnum uint64 `json:"min_xmatchnum"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	match, found, err := s.store.MatchSelectByReqnum(p.Xreqnum, p.MinXmatchnum)
	if err != nil {
		return nil, err
	}
	if !found {
		return map[string]interface{}{"match": nil}, nil
	}

	return matchResult(match), nil
}

func matchResult(m *storage.Match) map[string]interface{} {
	return map[string]interface{}{
		"xmatchnum":       m.Xmatchnum,
		"buy_xreqnum":     m.BuyXreqnum,
		"sell_xreqnum":    m.SellXreqnum,
		"status":          m.Status,
		"base_amount":     m.BaseAmount.String(),
		"rate":            m.Rate,
		"amount_paid":     m.AmountPaid,
		"mining_amount":   m.MiningAmount,
		"next_deadline":   m.NextDeadline,
		"match_timestamp": m.MatchTimestamp,
		"final_timestamp": m.FinalTimestamp,
	}
}

func (s *Server) exchangeGetMiningParams(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := s.chain.Mining.Params()

	return map[string]interface{}{
		"period":                    p.Period,
		"total_mined":               helpers.FormatBigAmount(p.TotalMined, 24),
		"total_remaining_to_mine":   helpers.FormatBigAmount(p.TotalRemainingToMine, 24),
		"currently_mineable_amount": p.CurrentlyMineableAmount,
		"amount_multiplier":         p.AmountMultiplier,
		"avg_amount":                p.Stats.AvgAmount,
		"avg_match_rate_required":   p.Stats.AvgMatchRateRequired,
	}, nil
}

// exchangeSubmitRequest accepts a relayed exchange request that is not yet
// in a block: the payload is decoded and placed in the matcher's working
// set as a pending request. Foreign addresses are screened first.
func (s *Server) exchangeSubmitRequest(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Type           uint32 `json:"type"`
		Payload        string `json:"payload"`
		ObjID          string `json:"objid"`
		ForeignAddress string `json:"foreign_address,omitempty"`
		Blockchain     uint64 `json:"blockchain,omitempty"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	payload, err := helpers.HexToBytes(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	objID, err := helpers.HexToBytes(p.ObjID)
	if err != nil {
		return nil, fmt.Errorf("invalid objid: %w", err)
	}

	if p.ForeignAddress != "" {
		if err := xchain.ValidateAddress(p.Blockchain, p.ForeignAddress); err != nil {
			return nil, err
		}
		blocked, err := s.store.ForeignAddressBlocked(p.Blockchain, p.ForeignAddress)
		if err != nil {
			return nil, err
		}
		if blocked {
			return nil, fmt.Errorf("foreign address is blocked")
		}
	}

	if err := s.chain.Matcher.AddPendingRequest(wire.TxType(p.Type), payload, objID); err != nil {
		return nil, err
	}

	return map[string]interface{}{"accepted": true}, nil
}

func (s *Server) exchangeValidatePayment(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Blockchain uint64 `json:"blockchain"`
		Txid       string `json:"txid"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	if err := xchain.ValidateTxid(p.Blockchain, p.Txid); err != nil {
		return map[string]interface{}{"valid": false, "reason": err.Error()}, nil
	}
	return map[string]interface{}{"valid": true}, nil
}

func (s *Server) exchangeValidateForeignAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Blockchain uint64 `json:"blockchain"`
		Address    string `json:"address"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}

	result := map[string]interface{}{"valid": true}

	if err := xchain.ValidateAddress(p.Blockchain, p.Address); err != nil {
		return map[string]interface{}{"valid": false, "reason": err.Error()}, nil
	}

	blocked, err := s.store.ForeignAddressBlocked(p.Blockchain, p.Address)
	if err != nil {
		return nil, err
	}
	if blocked {
		return map[string]interface{}{"valid": false, "reason": "address is blocked"}, nil
	}

	inUse, err := s.store.ForeignAddressInUse(p.Blockchain, p.Address, s.chain.GetStatus().LastIndelibleTimestamp)
	if err != nil {
		return nil, err
	}
	if inUse {
		result["in_use"] = true
	}

	return result, nil
}
