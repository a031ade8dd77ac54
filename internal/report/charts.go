package report

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// ErrNoData is returned when a view has nothing to draw.
var ErrNoData = errors.New("no data")

// FillChart builds a bar chart of assigned tubes against capacity for every
// destination grid.
func FillChart(s Summary) *charts.Bar {
	x := make([]string, 0, len(s.Fill))
	filled := make([]opts.BarData, 0, len(s.Fill))
	capacity := make([]opts.BarData, 0, len(s.Fill))
	for _, f := range s.Fill {
		x = append(x, fmt.Sprintf("D%d %s", f.ID, strings.ToUpper(string(f.Classification))))
		filled = append(filled, opts.BarData{Value: f.Filled})
		capacity = append(capacity, opts.BarData{Value: f.Capacity})
	}

	subtitle := "no run yet"
	if s.RunID != "" {
		subtitle = fmt.Sprintf("run %s (%s) %s", s.RunID, s.Outcome, s.FinishedAt.Format(time.RFC3339))
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Destination fill", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Destination fill", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("assigned", filled,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		).
		AddSeries("capacity", capacity)
	return bar
}

// RenderFill writes the fill chart as a standalone HTML page.
func RenderFill(w io.Writer, s Summary) error {
	page := components.NewPage()
	page.AddCharts(FillChart(s))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return fmt.Errorf("render fill chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// LatencyPlot builds a histogram of classification latencies.
func LatencyPlot(s Summary) (*plot.Plot, error) {
	if len(s.Durations) == 0 {
		return nil, ErrNoData
	}
	values := make(plotter.Values, len(s.Durations))
	for i, d := range s.Durations {
		values[i] = float64(d) / float64(time.Millisecond)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Classification latency (%d requests)", len(values))
	p.X.Label.Text = "Latency (ms)"
	p.Y.Label.Text = "Requests"

	h, err := plotter.NewHist(values, min(len(values), 30))
	if err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	h.LineStyle.Width = vg.Points(1)
	p.Add(h)
	return p, nil
}

// RenderLatencyPNG writes the latency histogram as a PNG image.
func RenderLatencyPNG(w io.Writer, s Summary) error {
	p, err := LatencyPlot(s)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("latency plot writer: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
