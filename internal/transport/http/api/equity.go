package apihttp

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"cyclone/internal/logger"
	"cyclone/internal/store/journal"
)

const (
	chartWidth  = "1200px"
	chartHeight = "420px"

	equityChartWindow = 1000
)

// handleEquityChart renders the account curve page: balance and equity
// from periodic snapshots, plus cumulative realized profit from journal
// cycle closes.
func (r *Router) handleEquityChart(c *gin.Context) {
	if r.snapshots == nil && r.journal == nil {
		c.String(http.StatusServiceUnavailable, "no snapshot store or journal configured")
		return
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)
	page.PageTitle = "cyclone account"

	ctx := c.Request.Context()
	if r.snapshots != nil {
		recs, err := r.snapshots.ListAccountSnapshots(ctx, time.Time{}, equityChartWindow)
		if err != nil {
			logger.Errorf("[api] equity chart snapshots failed ip=%s err=%v", c.ClientIP(), err)
			c.String(http.StatusInternalServerError, "load snapshots: %v", err)
			return
		}
		x := make([]string, len(recs))
		equity := make([]opts.LineData, len(recs))
		balance := make([]opts.LineData, len(recs))
		for i, rec := range recs {
			x[i] = rec.At.UTC().Format("01-02 15:04")
			equity[i] = opts.LineData{Value: round2(rec.Equity)}
			balance[i] = opts.LineData{Value: round2(rec.Balance)}
		}
		line := newCurveChart("Account equity", fmt.Sprintf("%d snapshots", len(recs)))
		line.SetXAxis(x)
		line.AddSeries("Equity", equity, charts.WithLineStyleOpts(opts.LineStyle{Width: 2}))
		line.AddSeries("Balance", balance, charts.WithLineStyleOpts(opts.LineStyle{Width: 2}))
		page.AddCharts(line)
	}

	if r.journal != nil {
		entries, err := r.journal.List(ctx, journal.Query{Event: journal.EventCycleClose, Limit: equityChartWindow})
		if err != nil {
			logger.Errorf("[api] equity chart journal failed ip=%s err=%v", c.ClientIP(), err)
			c.String(http.StatusInternalServerError, "load journal: %v", err)
			return
		}
		// The journal lists newest first; the curve wants time ascending.
		sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
		x := make([]string, 0, len(entries))
		cumulative := make([]opts.LineData, 0, len(entries))
		var total float64
		for _, e := range entries {
			total += closeProfit(e)
			x = append(x, time.UnixMilli(e.Timestamp).UTC().Format("01-02 15:04"))
			cumulative = append(cumulative, opts.LineData{Value: round2(total)})
		}
		line := newCurveChart("Cumulative realized profit", fmt.Sprintf("%d closed cycles, total %.2f", len(entries), total))
		line.SetXAxis(x)
		line.AddSeries("Realized", cumulative, charts.WithLineStyleOpts(opts.LineStyle{Width: 2}))
		page.AddCharts(line)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		logger.Errorf("[api] equity chart render failed ip=%s err=%v", c.ClientIP(), err)
		c.String(http.StatusInternalServerError, "render chart: %v", err)
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", buf.Bytes())
}

func newCurveChart(title, subtitle string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:  types.ThemeWesteros,
			Width:  chartWidth,
			Height: chartHeight,
		}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle, Left: "left"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithYAxisOpts(opts.YAxis{Scale: opts.Bool(true)}),
	)
	line.SetSeriesOptions(
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

// closeProfit digs the realized profit out of a cycle_close entry.
func closeProfit(e journal.Entry) float64 {
	v, ok := e.Detail["profit"]
	if !ok {
		return 0
	}
	switch p := v.(type) {
	case float64:
		return p
	case int:
		return float64(p)
	case int64:
		return float64(p)
	default:
		return 0
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
