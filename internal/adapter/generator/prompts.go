package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
	"github.com/arturoeanton/strategy-pipeline/internal/port"
)

var errMissingInput = Permanent(errors.New("missing upstream input"))

// driverContext renders the snapshot the way every prompt presents it.
func driverContext(s *domain.Snapshot) string {
	var b strings.Builder
	b.WriteString("DRIVER CONTEXT:\n")
	fmt.Fprintf(&b, "- Location: %s (%s, %s)\n", s.FormattedAddress, s.City, s.State)
	fmt.Fprintf(&b, "- GPS: %.6f, %.6f\n", s.Lat, s.Lng)
	fmt.Fprintf(&b, "- Time: %s (%s, hour %d, %s)\n", s.LocalTime.Format("2006-01-02 15:04"), s.DayOfWeek, s.Hour, s.Timezone)
	fmt.Fprintf(&b, "- Market: %s\n", s.MarketID)
	fmt.Fprintf(&b, "- Weather: %s\n", compact(s.Weather))
	fmt.Fprintf(&b, "- Air quality: %s\n", compact(s.AirQuality))
	return b.String()
}

// briefingContext renders the non-empty briefing categories.
func briefingContext(p *domain.BriefingPayload) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("BRIEFING:\n")
	for _, f := range []struct {
		name string
		raw  json.RawMessage
	}{
		{"weather", p.Weather}, {"traffic", p.Traffic}, {"news", p.News},
		{"events", p.Events}, {"school closures", p.SchoolClosures}, {"airport", p.Airport},
	} {
		if domain.Present(f.raw) {
			fmt.Fprintf(&b, "- %s: %s\n", f.name, compact(f.raw))
		}
	}
	return b.String()
}

func compact(raw json.RawMessage) string {
	if !domain.Present(raw) {
		return "unknown"
	}
	return string(raw)
}

func requireSnapshot(in port.GeneratorInput) error {
	if in.Snapshot == nil {
		return fmt.Errorf("snapshot: %w", errMissingInput)
	}
	return nil
}
