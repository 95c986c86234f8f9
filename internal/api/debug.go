package api

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/sortbridge/internal/bridge"
	"github.com/banshee-data/sortbridge/internal/sorting"
	"github.com/banshee-data/sortbridge/internal/version"
)

const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachAdminRoutes adds the bridge's own /debug/ pages: a chart of the sort
// log and a form that submits a test actuation through the dispatcher.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KV("Version", version.Version)
	debug.KV("Git SHA", version.GitSHA)
	debug.KV("Build time", version.BuildTime)
	debug.KVFunc("Open alerts", func() any { return s.alerts.OpenCount() })

	debug.HandleFunc("sort-chart", "sorted items per bin and per hour", s.handleSortChart)
	debug.HandleFunc("test-actuate", "submit a test classification", s.handleTestActuate)
}

// handleSortChart renders per-bin totals and the hourly rate over the last
// hours (default 24, ?hours=n).
func (s *Server) handleSortChart(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 24*31 {
			http.Error(w, "invalid hours", http.StatusBadRequest)
			return
		}
		hours = n
	}

	counts, err := s.sortCounts()
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load counts: %v", err), http.StatusInternalServerError)
		return
	}
	now := s.now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour).Truncate(time.Hour)
	hourly, err := s.store.SortCountsByHour(since)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load hourly counts: %v", err), http.StatusInternalServerError)
		return
	}

	x := make([]string, 0, len(counts))
	y := make([]opts.BarData, 0, len(counts))
	for _, c := range counts {
		x = append(x, fmt.Sprintf("%v -> %d", c.TypeID, c.BinID))
		y = append(y, opts.BarData{Value: c.Count})
	}
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sort log", Width: "100%", Height: "480px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Items per bin", Subtitle: now.Format(time.RFC3339)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("sorted", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	// fill empty hours so the line reads as a rate
	byHour := make(map[time.Time]int64, len(hourly))
	for _, h := range hourly {
		byHour[h.Hour] = h.Count
	}
	var hx []string
	var hy []opts.LineData
	for h := since; !h.After(now); h = h.Add(time.Hour) {
		hx = append(hx, h.Format("01-02 15:00"))
		hy = append(hy, opts.LineData{Value: byHour[h]})
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: echartsAssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Items per hour", Subtitle: fmt.Sprintf("last %dh (UTC)", hours)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
	)
	line.SetXAxis(hx).AddSeries("sorted", hy)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)
	page.AddCharts(bar, line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

var testActuateTmpl = template.Must(template.New("test-actuate").Parse(`<!DOCTYPE html>
<html><head><title>Test actuation</title></head>
<body>
<h1>Test actuation</h1>
{{if .Result}}<p><b>{{.Result}}</b></p>{{end}}
<form method="POST">
<select name="type_id">
{{range .Types}}<option value="{{.ID}}">{{.ID}} ({{.Name}})</option>
{{end}}</select>
<button type="submit">Sort</button>
</form>
<p>Runs the full path: queue, controller and sort log.</p>
</body></html>
`))

type typeOption struct {
	ID   int
	Name string
}

// handleTestActuate renders a form on GET. On POST it submits type_id through
// the dispatcher exactly like the ingress does; there is no way to write raw
// bytes to the port from here.
func (s *Server) handleTestActuate(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Types  []typeOption
		Result string
	}{}
	for _, t := range s.types {
		data.Types = append(data.Types, typeOption{ID: int(t), Name: t.String()})
	}

	status := http.StatusOK
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		n, err := strconv.Atoi(r.FormValue("type_id"))
		if err != nil {
			http.Error(w, "type_id must be an integer", http.StatusBadRequest)
			return
		}
		ticket, err := s.dispatcher.Accept(sorting.ClassificationRequest{TypeID: sorting.TypeID(n), ReceivedAt: s.now()})
		switch {
		case errors.Is(err, sorting.ErrInput):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case errors.Is(err, bridge.ErrBusy), errors.Is(err, bridge.ErrStopped):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.logger.Printf("test actuation of type %d accepted as %s", n, ticket.ID)
		data.Result = fmt.Sprintf("accepted: ticket %s, see /api/jobs/%s", ticket.ID, ticket.ID)
		status = http.StatusAccepted
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := testActuateTmpl.Execute(w, data); err != nil {
		s.logger.Printf("render test-actuate: %v", err)
	}
}
