package hashdive

// UserRecord is the aggregated output of one analyze-user run. Every
// field except the address is optional, a nil field means no frame in
// the run supplied it.
type UserRecord struct {
	UserAddress string `json:"user_address"`

	TraderTypes     []string `json:"trader_types"`
	TotalPositions  *int     `json:"total_positions"`
	ActiveSinceDate *string  `json:"active_since_date"`
	ActiveSinceDays *int     `json:"active_since_days"`
	CurrentBalance  *float64 `json:"current_balance"`
	PolymarketURL   *string  `json:"polymarket_url"`

	Rank1DPlace       *string `json:"rank_1d_place"`
	Rank1DAmount      *string `json:"rank_1d_amount"`
	Rank7DPlace       *string `json:"rank_7d_place"`
	Rank7DAmount      *string `json:"rank_7d_amount"`
	Rank30DPlace      *string `json:"rank_30d_place"`
	Rank30DAmount     *string `json:"rank_30d_amount"`
	RankAllTimePlace  *string `json:"rank_all_time_place"`
	RankAllTimeAmount *string `json:"rank_all_time_amount"`

	SmartScore                *float64 `json:"smart_score"`
	TotalPnl                  *float64 `json:"total_pnl"`
	SharpeRatio               *float64 `json:"sharpe_ratio"`
	TradedUSDVolumeLast30DSum *float64 `json:"traded_usd_volume_last_30d_sum"`

	ActiveBetsAmount   *float64 `json:"active_bets_amount"`
	ActiveBetsPnl      *float64 `json:"active_bets_pnl"`
	FinishedBetsAmount *float64 `json:"finished_bets_amount"`
	FinishedBetsPnl    *float64 `json:"finished_bets_pnl"`

	BestTradeRoiProc    *float64 `json:"best_trade_roi_proc"`
	BestTradeRoiAmount  *float64 `json:"best_trade_roi_amount"`
	WorstTradeRoiProc   *float64 `json:"worst_trade_roi_proc"`
	WorstTradeRoiAmount *float64 `json:"worst_trade_roi_amount"`

	MostTradedCategories map[string]float64 `json:"most_traded_categories"`
	SmartScoreByCategory map[string]float64 `json:"smart_score_by_category"`
	WinRateByCategory    map[string]float64 `json:"win_rate_by_category"`
	WhereTraderBetsMost  map[string]float64 `json:"where_trader_bets_most"`

	// carried over from the input listing by the bulk fetcher
	WinRate        *float64 `json:"win_rate,omitempty"`
	EffectiveCount *float64 `json:"effective_count,omitempty"`
	NumMarkets     *int     `json:"num_markets,omitempty"`

	FetchedAt string `json:"fetched_at,omitempty"`
}

// NonNullFields counts how many fields a run actually populated, used
// for progress logging.
func (r UserRecord) NonNullFields() int {
	count := 0
	if len(r.TraderTypes) > 0 {
		count++
	}
	for _, set := range []bool{
		r.TotalPositions != nil,
		r.ActiveSinceDate != nil,
		r.ActiveSinceDays != nil,
		r.CurrentBalance != nil,
		r.PolymarketURL != nil,
		r.Rank1DPlace != nil,
		r.Rank1DAmount != nil,
		r.Rank7DPlace != nil,
		r.Rank7DAmount != nil,
		r.Rank30DPlace != nil,
		r.Rank30DAmount != nil,
		r.RankAllTimePlace != nil,
		r.RankAllTimeAmount != nil,
		r.SmartScore != nil,
		r.TotalPnl != nil,
		r.SharpeRatio != nil,
		r.TradedUSDVolumeLast30DSum != nil,
		r.ActiveBetsAmount != nil,
		r.ActiveBetsPnl != nil,
		r.FinishedBetsAmount != nil,
		r.FinishedBetsPnl != nil,
		r.BestTradeRoiProc != nil,
		r.BestTradeRoiAmount != nil,
		r.WorstTradeRoiProc != nil,
		r.WorstTradeRoiAmount != nil,
		len(r.MostTradedCategories) > 0,
		len(r.SmartScoreByCategory) > 0,
		len(r.WinRateByCategory) > 0,
		len(r.WhereTraderBetsMost) > 0,
	} {
		if set {
			count++
		}
	}
	return count
}
