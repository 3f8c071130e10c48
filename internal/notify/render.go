package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/baraktamir/yadwatch/internal/domain"
)

// Renderer formats domain events into channel-agnostic messages. Rendering
// happens before dispatch so workers only touch immutable data.
type Renderer struct{}

// RenderDiff turns one run's diff into the ordered batch of messages to send:
// new listings first, then price changes, then removals.
func (Renderer) RenderDiff(res domain.DiffResult) []Message {
	msgs := make([]Message, 0, len(res.New)+len(res.PriceChanges)+len(res.Removed))

	for _, l := range res.New {
		msgs = append(msgs, Message{
			Title: "New listing",
			Body:  listingBody(l),
		})
	}

	for _, pc := range res.PriceChanges {
		direction := "dropped"
		if pc.Change > 0 {
			direction = "increased"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Price %s: %d -> %d (%+d, %+.1f%%)\n", direction, pc.OldPrice, pc.NewPrice, pc.Change, pc.ChangePct)
		b.WriteString(listingBody(pc.Listing))
		msgs = append(msgs, Message{
			Title: "Price change",
			Body:  b.String(),
		})
	}

	for _, l := range res.Removed {
		msgs = append(msgs, Message{
			Title: "Listing removed",
			Body:  listingBody(l),
		})
	}

	return msgs
}

func listingBody(l domain.Listing) string {
	var b strings.Builder
	b.WriteString(l.Title)
	if l.PriceText != "" {
		fmt.Fprintf(&b, "\nPrice: %s", l.PriceText)
	}
	if l.Location != "" {
		fmt.Fprintf(&b, "\nLocation: %s", l.Location)
	}
	if l.StreetAddress != "" {
		fmt.Fprintf(&b, "\nAddress: %s", l.StreetAddress)
	}
	if l.ItemInfo != "" {
		fmt.Fprintf(&b, "\nDetails: %s", l.ItemInfo)
	}
	if l.Link != "" {
		fmt.Fprintf(&b, "\n%s", l.Link)
	}
	return b.String()
}

// StatusReport is the periodic health summary emitted every N iterations.
type StatusReport struct {
	Iteration      int
	ActiveListings int
	Strategy       domain.Strategy
	Recent         domain.KindCounts
	LastCycle      time.Duration
	Sequential     bool
}

// RenderStatus formats the periodic status message.
func (Renderer) RenderStatus(r StatusReport) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d\n", r.Iteration)
	fmt.Fprintf(&b, "Active listings: %d\n", r.ActiveListings)
	fmt.Fprintf(&b, "Delay multiplier: %.2f (%s)\n", r.Strategy.DelayMultiplier, r.Strategy.Reason)
	total := r.Recent.Total()
	if total > 0 {
		fmt.Fprintf(&b, "Last 24h: %d fetches, %.0f%% ok, %d rate-limited, %d blocked\n",
			total, float64(r.Recent.Success)/float64(total)*100, r.Recent.RateLimit, r.Recent.Block)
	}
	if len(r.Strategy.RiskyHours) > 0 {
		fmt.Fprintf(&b, "Risky hours: %s\n", formatHours(r.Strategy.RiskyHours))
	}
	if r.LastCycle > 0 {
		fmt.Fprintf(&b, "Last cycle took %s\n", r.LastCycle.Round(time.Second))
	}
	if r.Sequential {
		b.WriteString("Dispatch: sequential fallback active\n")
	}
	return Message{Title: "Monitor status", Body: strings.TrimRight(b.String(), "\n")}
}

// RenderAlert formats an operator-facing alert such as a detected block or a
// crashed iteration.
func (Renderer) RenderAlert(title string, err error) Message {
	return Message{Title: title, Body: err.Error()}
}

// RenderStartup announces that monitoring began, with the effective pacing
// settings so the operator can see the active configuration.
func (Renderer) RenderStartup(searchURL string, strategy domain.Strategy) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Watching %s\n", searchURL)
	fmt.Fprintf(&b, "Delay multiplier: %.2f", strategy.DelayMultiplier)
	return Message{Title: "Monitor started", Body: b.String()}
}

// RenderShutdown announces a clean stop.
func (Renderer) RenderShutdown(iterations int, uptime time.Duration) Message {
	return Message{
		Title: "Monitor stopped",
		Body:  fmt.Sprintf("Ran %d iterations over %s", iterations, uptime.Round(time.Second)),
	}
}

// RenderDailySummary formats the end-of-day digest.
func (Renderer) RenderDailySummary(date string, newCount, drops, increases, removed int) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Summary for %s\n", date)
	fmt.Fprintf(&b, "New listings: %d\n", newCount)
	fmt.Fprintf(&b, "Price drops: %d\n", drops)
	fmt.Fprintf(&b, "Price increases: %d\n", increases)
	fmt.Fprintf(&b, "Removed: %d", removed)
	return Message{Title: "Daily summary", Body: b.String()}
}

func formatHours(hours map[int]bool) string {
	var hs []int
	for h := range hours {
		hs = append(hs, h)
	}
	sort.Ints(hs)
	parts := make([]string, len(hs))
	for i, h := range hs {
		parts[i] = fmt.Sprintf("%02d:00", h)
	}
	return strings.Join(parts, ", ")
}
