package hashdive

import (
	"strings"
)

// Tag is the semantic classification of one decoded frame. The string
// values double as the keys used in debug output.
type Tag string

const (
	TagTraderType        Tag = "trader_type"
	TagTraderTypeDesc    Tag = "trader_type_desc"
	TagTotalPositions    Tag = "stats_total_positions"
	TagActiveSince       Tag = "stats_active_since"
	TagCurrentBalance    Tag = "stats_current_balance"
	TagViewOnPolymarket  Tag = "view_on_polymarket"
	TagRank1D            Tag = "rank_1d"
	TagRank7D            Tag = "rank_7d"
	TagRank30D           Tag = "rank_30d"
	TagRankAllTime       Tag = "rank_alltime"
	TagSmartScoreSummary Tag = "smart_score_summary"
	TagHistoricalPnl     Tag = "historical_pnl_chart"
	TagSharpeRatio       Tag = "sharpe_ratio"
	TagTradedVolume30D   Tag = "traded_volume_30d"
	TagActiveBetsSum     Tag = "active_bets_sum"
	TagActiveBetsTable   Tag = "active_bets_table"
	TagFinishedBetsSum   Tag = "finished_bets_sum"
	TagFinishedBetsTable Tag = "finished_bets_table"
	TagBestTrade         Tag = "best_trade"
	TagWorstTrade        Tag = "worst_trade"
	TagDistributionRoi   Tag = "distribution_roi"
	TagMostTradedCats    Tag = "most_traded_categories"
	TagSmartScoreByCat   Tag = "smart_score_by_category"
	TagWinRateByCat      Tag = "win_rate_by_category"
	TagRecentTrades      Tag = "recent_trades_table"
	TagPriceBuckets      Tag = "where_trader_bets_most"
	TagUnknown           Tag = "unknown"
)

// State is the classifier's memory between frames of one run. Several
// tags are only distinguishable by what came before them: a trader
// type's description is a plain markdown frame that immediately
// follows the type label, the four rank frames are structurally
// identical and ordered 1d/7d/30d/all-time, and the first
// arrow-dataframe frame after each bets summary is that category's
// table. Zero value is the reset state; never share one State across
// concurrent runs.
type State struct {
	lastTag           Tag
	rankSeq           int
	activeTableSeen   bool
	finishedTableSeen bool
}

// Classified pairs a decoded frame with its tag and structural path.
type Classified struct {
	Tag  Tag
	Data map[string]any
	Path []any
}

// Classify assigns a tag to one decoded frame. It is a pure function
// of (frame, state): the same inputs always produce the same tag and
// the same next state. Unrecognized content resolves to TagUnknown,
// any number of unknown frames must not degrade later classification.
func Classify(msg map[string]any, st State) (Classified, State) {
	out := Classified{Data: msg, Path: deltaPath(msg)}

	newElement := dig(msg, "delta", "newElement")
	content := sniffContent(newElement)

	// order-dependent tags are resolved off prior state before any
	// content sniffing
	switch {
	case st.lastTag == TagTraderType:
		st.lastTag = ""
		out.Tag = TagTraderTypeDesc
		return out, st

	case st.lastTag == TagActiveBetsSum && !st.activeTableSeen:
		st.activeTableSeen = true
		st.lastTag = ""
		if _, ok := newElement["arrowDataFrame"]; ok {
			out.Tag = TagActiveBetsTable
			return out, st
		}

	case st.lastTag == TagFinishedBetsSum && !st.finishedTableSeen:
		st.finishedTableSeen = true
		st.lastTag = ""
		if _, ok := newElement["arrowDataFrame"]; ok {
			out.Tag = TagFinishedBetsTable
			return out, st
		}

	case st.lastTag == TagRank1D:
		st.rankSeq++
		switch st.rankSeq {
		case 1:
			out.Tag = TagRank7D
			return out, st
		case 2:
			out.Tag = TagRank30D
			return out, st
		default:
			st.rankSeq = 0
			st.lastTag = ""
			out.Tag = TagRankAllTime
			return out, st
		}
	}

	out.Tag = sniffTag(content)
	switch out.Tag {
	case TagTraderType, TagRank1D, TagActiveBetsSum, TagFinishedBetsSum:
		st.lastTag = out.Tag
	}
	return out, st
}

// sniffTag matches markers known to be unique to each widget in the
// rendered page.
func sniffTag(content string) Tag {
	switch {
	case strings.Contains(content, ":material/"):
		return TagTraderType
	case strings.Contains(content, ">Total Positions<"):
		return TagTotalPositions
	case strings.Contains(content, ">Active Since<"):
		return TagActiveSince
	case strings.Contains(content, "Current Balance\n") ||
		strings.Contains(content, ">Current Balance<"):
		return TagCurrentBalance
	case strings.Contains(content, `<a href="https://polymarket.com/profile/`):
		return TagViewOnPolymarket
	case strings.Contains(content, ">Rank: "):
		return TagRank1D
	case strings.Contains(content, "User Smart Score:"):
		return TagSmartScoreSummary
	case strings.Contains(content, "Historical PnL"):
		return TagHistoricalPnl
	case strings.Contains(content, "Sharpe Ratio:"):
		return TagSharpeRatio
	case strings.Contains(content, "Traded USD Volume (Last 30d, daily)"):
		return TagTradedVolume30D
	case strings.Contains(content, "Active Bets") && strings.Contains(content, "PnL:"):
		return TagActiveBetsSum
	case strings.Contains(content, "Finished Bets") && strings.Contains(content, "PnL:"):
		return TagFinishedBetsSum
	case strings.Contains(content, "Best trade (ROI):"):
		return TagBestTrade
	case strings.Contains(content, "Worst trade (ROI):"):
		return TagWorstTrade
	case strings.Contains(content, "Distribution of ROI weighted by invested capital"):
		return TagDistributionRoi
	case strings.Contains(content, "Markets traded:"):
		return TagMostTradedCats
	case strings.Contains(content, "Smart Score: %{r:.2f}"):
		return TagSmartScoreByCat
	case strings.Contains(content, "Win Rate: %{r:.2%}"):
		return TagWinRateByCat
	case strings.Contains(content, `"timestamp": {"label": "Timestamp"`) &&
		strings.Contains(content, `"question": {"label": "Question"`):
		return TagRecentTrades
	case strings.Contains(content, "Where This Trader Bets Most"):
		return TagPriceBuckets
	}
	return TagUnknown
}

// sniffContent flattens the pieces of a frame the markers can live in:
// markdown bodies, metric labels, chart specs and table column schemas.
func sniffContent(newElement map[string]any) string {
	var parts []string
	if markdown := dig(newElement, "markdown"); markdown != nil {
		parts = append(parts, digString(markdown, "body"))
	}
	if metric := dig(newElement, "metric"); metric != nil {
		parts = append(parts, digString(metric, "label"), digString(metric, "body"))
	}
	if chart := dig(newElement, "plotlyChart"); chart != nil {
		parts = append(parts, digString(chart, "spec"))
	}
	if frame := dig(newElement, "arrowDataFrame"); frame != nil {
		parts = append(parts, digString(frame, "columns"))
	}
	return strings.Join(parts, " ")
}

// IsTerminal reports whether a decoded frame is the remote's
// stream-complete signal for the current request.
func IsTerminal(msg map[string]any) bool {
	finished, _ := msg["scriptFinished"].(string)
	return finished == "FINISHED_SUCCESSFULLY"
}

func deltaPath(msg map[string]any) []any {
	metadata := dig(msg, "metadata")
	if metadata == nil {
		return nil
	}
	path, _ := metadata["deltaPath"].([]any)
	return path
}

func dig(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		if current == nil {
			return nil
		}
		next, _ := current[key].(map[string]any)
		current = next
	}
	return current
}

func digString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
