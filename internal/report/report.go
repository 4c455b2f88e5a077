// Package report writes daily usage summaries aggregated from the
// session store.
package report

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/store"
)

// dailySpec fires just before midnight so the report covers the whole day.
const dailySpec = "59 23 * * *"

// ProviderUsage is one provider's share of a day.
type ProviderUsage struct {
	Provider     models.Provider `json:"provider"`
	Sessions     int             `json:"sessions"`
	Messages     int             `json:"messages"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	CostUSD      float64         `json:"cost_usd"`
}

// Daily is the persisted shape of one day's report.
type Daily struct {
	Date      string          `json:"date"`
	Sessions  int             `json:"sessions"`
	Messages  int             `json:"messages"`
	Tokens    int64           `json:"tokens"`
	CostUSD   float64         `json:"cost_usd"`
	Providers []ProviderUsage `json:"providers"`
}

// Reporter aggregates store data into dated report files.
type Reporter struct {
	store *store.Store
	dir   string
	cron  *cron.Cron
}

// New creates a reporter writing into dir.
func New(s *store.Store, dir string) *Reporter {
	return &Reporter{store: s, dir: dir}
}

// Start schedules the nightly report. It returns after registering the
// job; Stop cancels it.
func (r *Reporter) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(dailySpec, func() {
		day := time.Now().Format("2006-01-02")
		if _, err := r.WriteDaily(day); err != nil {
			log.Printf("report: write %s: %v", day, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule daily report: %w", err)
	}
	r.cron.Start()
	return nil
}

// Stop cancels the schedule.
func (r *Reporter) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// Build aggregates the sessions active on day (YYYY-MM-DD, local time).
func (r *Reporter) Build(day string) (*Daily, error) {
	sessions, err := r.store.SearchSessionsFiltered(store.SessionFilter{
		DateFrom: day,
		DateTo:   day,
		Limit:    100000,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", day, err)
	}

	daily := &Daily{Date: day}
	byProvider := make(map[models.Provider]*ProviderUsage)
	for _, sess := range sessions {
		pu := byProvider[sess.Provider]
		if pu == nil {
			pu = &ProviderUsage{Provider: sess.Provider}
			byProvider[sess.Provider] = pu
		}
		pu.Sessions++
		pu.Messages += sess.MessageCount
		pu.InputTokens += sess.Tokens.Input
		pu.OutputTokens += sess.Tokens.Output
		pu.TotalTokens += sess.Tokens.Total()
		pu.CostUSD += sess.TotalCostUSD

		daily.Sessions++
		daily.Messages += sess.MessageCount
		daily.Tokens += sess.Tokens.Total()
		daily.CostUSD += sess.TotalCostUSD
	}

	for _, pu := range byProvider {
		daily.Providers = append(daily.Providers, *pu)
	}
	sort.Slice(daily.Providers, func(i, j int) bool {
		return daily.Providers[i].Provider < daily.Providers[j].Provider
	})
	return daily, nil
}

// WriteDaily builds the report for day and writes both the JSON and
// Markdown renditions. It returns the JSON path.
func (r *Reporter) WriteDaily(day string) (string, error) {
	daily, err := r.Build(day)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}

	jsonPath := filepath.Join(r.dir, day+".json")
	data, err := json.MarshalIndent(daily, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	mdPath := filepath.Join(r.dir, day+".md")
	if err := os.WriteFile(mdPath, []byte(renderMarkdown(daily)), 0644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return jsonPath, nil
}

func renderMarkdown(d *Daily) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Usage report for %s\n\n", d.Date)
	fmt.Fprintf(&b, "- Sessions: %d\n", d.Sessions)
	fmt.Fprintf(&b, "- Messages: %d\n", d.Messages)
	fmt.Fprintf(&b, "- Tokens: %d\n", d.Tokens)
	fmt.Fprintf(&b, "- Cost: $%.2f\n", d.CostUSD)

	if len(d.Providers) > 0 {
		b.WriteString("\n| Provider | Sessions | Tokens | Cost |\n")
		b.WriteString("|----------|----------|--------|------|\n")
		for _, pu := range d.Providers {
			fmt.Fprintf(&b, "| %s | %d | %d | $%.2f |\n", pu.Provider, pu.Sessions, pu.TotalTokens, pu.CostUSD)
		}
	}
	return b.String()
}
