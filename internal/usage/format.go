package usage

import (
	"fmt"
	"strings"
	"time"
)

// FormatTokenCount renders a token count compactly for chat display.
func FormatTokenCount(count int64) string {
	if count <= 0 {
		return "0"
	}
	if count >= 1_000_000 {
		return fmt.Sprintf("%.1fm", float64(count)/1_000_000)
	}
	if count >= 10_000 {
		return fmt.Sprintf("%dk", count/1_000)
	}
	if count >= 1_000 {
		return fmt.Sprintf("%.1fk", float64(count)/1_000)
	}
	return fmt.Sprintf("%d", count)
}

// FormatStats renders one provider's stats as a single display line.
func FormatStats(st Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d requests, %s tokens (in %s, out %s)",
		st.Provider, st.Requests,
		FormatTokenCount(st.TotalTokens),
		FormatTokenCount(st.InputTokens),
		FormatTokenCount(st.OutputTokens))
	if st.PrimaryModel != "" {
		fmt.Fprintf(&b, ", mostly %s", st.PrimaryModel)
	}
	if st.AvgLatency > 0 {
		fmt.Fprintf(&b, ", avg %s", st.AvgLatency.Round(time.Millisecond))
	}
	return b.String()
}
