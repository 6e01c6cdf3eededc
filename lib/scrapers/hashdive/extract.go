package hashdive

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"hashdive-scraper/lib/htmlutil"
	"hashdive-scraper/lib/textutil"

	"github.com/PuerkitoBio/goquery"
)

// Extraction is best-effort per field: every routine leaves its fields
// untouched when the expected pattern is absent from the frame, a
// broken pattern degrades one field rather than the whole record.

var (
	traderTypeRegex   = regexp.MustCompile(`:.*?\[(.*?)\]`)
	materialIconRegex = regexp.MustCompile(`:material/[^\s]+\s*`)
	parentheticalRe   = regexp.MustCompile(`\s*\([^)]+\)\s*`)
	daysRegex         = regexp.MustCompile(`(\d+) days`)
	rankPlaceRegex    = regexp.MustCompile(`Rank: #(\d+)`)
	rankAmountRegex   = regexp.MustCompile(`\$([\d.]+[kKmM]?)`)
	smartScoreRegex   = regexp.MustCompile(`Smart Score: <strong>([\d.]+)</strong>`)
	totalPnlRegex     = regexp.MustCompile(`Total PnL: <strong>\$([\d,]+\.?\d*)</strong>`)
	sharpeRegex       = regexp.MustCompile(`Sharpe Ratio: <span>([\d.]+)</span>`)
	balanceRegex      = regexp.MustCompile(`<span>([\d,]+\.?\d*)</span>`)
	volumeRegex       = regexp.MustCompile(`\$([\d,]+)`)
	betsAmountRegex   = regexp.MustCompile(`font-size: 26px[^>]*>\s*\$([\d,]+\.?\d*)`)
	betsPnlRegex      = regexp.MustCompile(`PnL:.*?<span[^>]*>\s*\$([\d,]+\.?\d*)`)
	roiPercentRegex   = regexp.MustCompile(`>([+\x{2212}\-]?[\d,]+\.?\d*)%<`)
	roiAmountRegex    = regexp.MustCompile(`\(([+\x{2212}\-]?)\$([\d,]+\.?\d*)\)`)
	allDigitsRegex    = regexp.MustCompile(`^\d+$`)
)

// extractInto merges the fields a classified frame supplies into the
// record. Duplicate tags overwrite, except trader types (append
// unique) and the category maps (union).
func extractInto(rec *UserRecord, c Classified) {
	body := markdownBody(c.Data)

	switch c.Tag {
	case TagTraderType:
		label := extractTraderType(body)
		if label != "" && !contains(rec.TraderTypes, label) {
			rec.TraderTypes = append(rec.TraderTypes, label)
		}

	case TagTotalPositions:
		extractTotalPositions(rec, body)

	case TagActiveSince:
		extractActiveSince(rec, body)

	case TagCurrentBalance:
		extractCurrentBalance(rec, body)

	case TagViewOnPolymarket:
		extractPolymarketURL(rec, body)

	case TagRank1D:
		rec.Rank1DPlace, rec.Rank1DAmount = extractRank(body, rec.Rank1DPlace, rec.Rank1DAmount)
	case TagRank7D:
		rec.Rank7DPlace, rec.Rank7DAmount = extractRank(body, rec.Rank7DPlace, rec.Rank7DAmount)
	case TagRank30D:
		rec.Rank30DPlace, rec.Rank30DAmount = extractRank(body, rec.Rank30DPlace, rec.Rank30DAmount)
	case TagRankAllTime:
		rec.RankAllTimePlace, rec.RankAllTimeAmount = extractRank(body, rec.RankAllTimePlace, rec.RankAllTimeAmount)

	case TagSmartScoreSummary:
		if m := smartScoreRegex.FindStringSubmatch(body); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rec.SmartScore = &v
			}
		}
		if m := totalPnlRegex.FindStringSubmatch(body); m != nil {
			if v, err := textutil.ParseThousands(m[1]); err == nil {
				rec.TotalPnl = &v
			}
		}

	case TagSharpeRatio:
		if m := sharpeRegex.FindStringSubmatch(body); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				rec.SharpeRatio = &v
			}
		}

	case TagTradedVolume30D:
		metricBody := digString(dig(c.Data, "delta", "newElement", "metric"), "body")
		if m := volumeRegex.FindStringSubmatch(metricBody); m != nil {
			if v, err := textutil.ParseThousands(m[1]); err == nil {
				rec.TradedUSDVolumeLast30DSum = &v
			}
		}

	case TagActiveBetsSum:
		rec.ActiveBetsAmount, rec.ActiveBetsPnl = extractBetsSum(body, rec.ActiveBetsAmount, rec.ActiveBetsPnl)
	case TagFinishedBetsSum:
		rec.FinishedBetsAmount, rec.FinishedBetsPnl = extractBetsSum(body, rec.FinishedBetsAmount, rec.FinishedBetsPnl)

	case TagBestTrade:
		rec.BestTradeRoiProc, rec.BestTradeRoiAmount = extractTradeRoi(body, rec.BestTradeRoiProc, rec.BestTradeRoiAmount)
	case TagWorstTrade:
		rec.WorstTradeRoiProc, rec.WorstTradeRoiAmount = extractTradeRoi(body, rec.WorstTradeRoiProc, rec.WorstTradeRoiAmount)

	case TagMostTradedCats:
		mergeCategories(&rec.MostTradedCategories, extractRadarChart(c.Data))
	case TagSmartScoreByCat:
		mergeCategories(&rec.SmartScoreByCategory, extractRadarChart(c.Data))
	case TagWinRateByCat:
		mergeCategories(&rec.WinRateByCategory, extractRadarChart(c.Data))

	case TagPriceBuckets:
		if buckets := extractPriceBuckets(c.Data); buckets != nil {
			rec.WhereTraderBetsMost = buckets
		}
	}
}

func markdownBody(msg map[string]any) string {
	return digString(dig(msg, "delta", "newElement", "markdown"), "body")
}

// The type label arrives as markdown like ":material/trending_up:
// [Contrarian (bets against the crowd)]", the icon shortcode and the
// parenthetical are presentation noise.
func extractTraderType(body string) string {
	m := traderTypeRegex.FindStringSubmatch(body)
	if m == nil {
		return ""
	}
	label := materialIconRegex.ReplaceAllString(m[1], "")
	label = parentheticalRe.ReplaceAllString(label, "")
	return strings.TrimSpace(label)
}

func parseMarkup(body string) *goquery.Document {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	return doc
}

func extractTotalPositions(rec *UserRecord, body string) {
	doc := parseMarkup(body)
	if doc == nil {
		return
	}
	doc.Find("div").Each(func(_ int, sel *goquery.Selection) {
		text := htmlutil.CleanText(sel.Text())
		if allDigitsRegex.MatchString(text) {
			if v, err := strconv.Atoi(text); err == nil {
				rec.TotalPositions = &v
			}
		}
	})
}

func extractActiveSince(rec *UserRecord, body string) {
	doc := parseMarkup(body)
	if doc == nil {
		return
	}
	// the widget styles the month/year and the day count with fixed
	// palette colors, the only stable handle in the markup
	date := htmlutil.CleanText(doc.Find(`div[style*="312e81"]`).First().Text())
	if date != "" && !strings.Contains(date, "Active Since") {
		rec.ActiveSinceDate = &date
	}
	daysText := doc.Find(`div[style*="1e1b4b"]`).First().Text()
	if m := daysRegex.FindStringSubmatch(daysText); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			rec.ActiveSinceDays = &v
		}
	}
}

func extractCurrentBalance(rec *UserRecord, body string) {
	if m := balanceRegex.FindStringSubmatch(body); m != nil {
		if v, err := textutil.ParseThousands(m[1]); err == nil {
			rec.CurrentBalance = &v
		}
	}
}

func extractPolymarketURL(rec *UserRecord, body string) {
	doc := parseMarkup(body)
	if doc == nil {
		return
	}
	doc.Find(`a[href^="https://polymarket.com/profile/"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if ok {
			rec.PolymarketURL = &href
			return false
		}
		return true
	})
}

func extractRank(body string, place, amount *string) (*string, *string) {
	if m := rankPlaceRegex.FindStringSubmatch(body); m != nil {
		v := "#" + m[1]
		place = &v
	}
	if m := rankAmountRegex.FindStringSubmatch(body); m != nil {
		v := "$" + m[1]
		amount = &v
	}
	return place, amount
}

func extractBetsSum(body string, amount, pnl *float64) (*float64, *float64) {
	if m := betsAmountRegex.FindStringSubmatch(body); m != nil {
		if v, err := textutil.ParseThousands(m[1]); err == nil {
			amount = &v
		}
	}
	if m := betsPnlRegex.FindStringSubmatch(body); m != nil {
		if v, err := textutil.ParseThousands(m[1]); err == nil {
			pnl = &v
		}
	}
	return amount, pnl
}

func extractTradeRoi(body string, proc, amount *float64) (*float64, *float64) {
	if m := roiPercentRegex.FindStringSubmatch(body); m != nil {
		if v, err := textutil.ParseSignedThousands(m[1]); err == nil {
			proc = &v
		}
	}
	if m := roiAmountRegex.FindStringSubmatch(body); m != nil {
		raw := textutil.NormalizeSign(m[1]) + m[2]
		if v, err := textutil.ParseThousands(raw); err == nil {
			amount = &v
		}
	}
	return proc, amount
}

// chart specs are a JSON document embedded as a string inside the
// decoded frame, with their own trace structure

type chartSpec struct {
	Data []struct {
		X     []any     `json:"x"`
		Y     []float64 `json:"y"`
		Theta []string  `json:"theta"`
		R     []float64 `json:"r"`
	} `json:"data"`
}

func decodeChartSpec(msg map[string]any) *chartSpec {
	specText := digString(dig(msg, "delta", "newElement", "plotlyChart"), "spec")
	if specText == "" {
		return nil
	}
	var spec chartSpec
	err := json.Unmarshal([]byte(specText), &spec)
	if err != nil || len(spec.Data) == 0 {
		return nil
	}
	return &spec
}

// extractRadarChart pulls category -> value pairs out of a polar
// trace. Polar charts repeat the first point at the end to close the
// loop, the duplicate is dropped.
func extractRadarChart(msg map[string]any) map[string]float64 {
	spec := decodeChartSpec(msg)
	if spec == nil {
		return nil
	}
	trace := spec.Data[0]
	categories := trace.Theta
	values := trace.R
	if len(categories) > 1 && categories[0] == categories[len(categories)-1] {
		categories = categories[:len(categories)-1]
		values = values[:len(values)-1]
	}
	if len(categories) == 0 {
		return nil
	}
	out := map[string]float64{}
	for i, category := range categories {
		if i < len(values) {
			out[category] = values[i]
		}
	}
	return out
}

func extractPriceBuckets(msg map[string]any) map[string]float64 {
	spec := decodeChartSpec(msg)
	if spec == nil {
		return nil
	}
	trace := spec.Data[0]
	if len(trace.X) == 0 {
		return nil
	}
	out := map[string]float64{}
	for i, bucket := range trace.X {
		label, ok := bucket.(string)
		if !ok || i >= len(trace.Y) {
			continue
		}
		out[label] = math.Round(trace.Y[i]*100) / 100
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func mergeCategories(dst *map[string]float64, src map[string]float64) {
	if src == nil {
		return
	}
	if *dst == nil {
		*dst = map[string]float64{}
	}
	for k, v := range src {
		(*dst)[k] = v
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
