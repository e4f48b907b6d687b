package app

import (
	"fmt"
	"strings"
	"time"
)

// StartupSummary is printed once at boot so an operator can read back
// what the process is actually wired to before the first order goes out.
type StartupSummary struct {
	Venue         VenueSummary
	Engine        EngineSummary
	Strategies    []StrategySummary
	TelegramAlert bool
	HTTPAddr      string
}

type VenueSummary struct {
	BaseURL   string
	StreamURL string
	Account   int64
	Server    string
	Magic     int64
}

type EngineSummary struct {
	Symbols           []string
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
	Streaming         bool
}

type StrategySummary struct {
	ID          string
	Description string
	Version     int
	Symbols     []string
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("STARTUP SUMMARY")/2, "STARTUP SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[VENUE]")
	fmt.Printf("  bridge:   %s\n", s.Venue.BaseURL)
	if s.Venue.StreamURL != "" {
		fmt.Printf("  stream:   %s\n", s.Venue.StreamURL)
	}
	fmt.Printf("  account:  %d (%s)\n", s.Venue.Account, orDash(s.Venue.Server))
	fmt.Printf("  magic:    %d\n", s.Venue.Magic)
	fmt.Println()

	fmt.Println("[ENGINE]")
	fmt.Printf("  symbols:    %s\n", formatList(s.Engine.Symbols))
	feed := "polling"
	if s.Engine.Streaming {
		feed = "stream + polling fallback"
	}
	fmt.Printf("  feed:       %s (interval %s)\n", feed, s.Engine.TickInterval)
	fmt.Printf("  reconcile:  every %s\n", s.Engine.ReconcileInterval)
	fmt.Printf("  snapshots:  every %s\n", s.Engine.SnapshotInterval)
	fmt.Println()

	fmt.Println("[STRATEGIES]")
	if len(s.Strategies) == 0 {
		fmt.Println("  (none loaded)")
	} else {
		for _, st := range s.Strategies {
			fmt.Printf("  > %s (v%d)\n", st.ID, st.Version)
			if st.Description != "" {
				fmt.Printf("      %s\n", st.Description)
			}
			if len(st.Symbols) > 0 {
				fmt.Printf("      symbols: %s\n", formatList(st.Symbols))
			}
		}
	}
	fmt.Println()

	fmt.Println("[INTERFACES]")
	fmt.Printf("  http api:  %s\n", orDash(s.HTTPAddr))
	alerts := "disabled"
	if s.TelegramAlert {
		alerts = "telegram"
	}
	fmt.Printf("  alerts:    %s\n", alerts)
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
