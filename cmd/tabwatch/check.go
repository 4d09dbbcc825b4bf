package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tabwatch/tabwatch/internal/config"
	"github.com/tabwatch/tabwatch/internal/limit"
)

var (
	checkDay  string
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] URL",
	Short: "Check limit rule standing for a URL",
	Long:  `Check which limit rules match a URL and what state each one is in.`,
	Example: `  tabwatch -c config.yaml check https://www.youtube.com/watch
  tabwatch check --day saturday --time 20:30 https://www.youtube.com/watch`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	url := args[0]

	// Parse time (if provided)
	var checkDateTime time.Time
	var err error
	if checkDay != "" || checkTime != "" {
		checkDateTime, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid time specification: %w", err)
		}
	} else {
		checkDateTime = time.Now()
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	// Open the daemon's store read path
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	// Initialize Limit Engine
	engine, err := limit.NewEngine(store, limit.Options{
		ReminderWindow: cfg.Limits.ReminderWindowDuration(),
		DelayGrant:     cfg.Limits.DelayGrantDuration(),
		WeekStart:      cfg.Limits.WeekStart,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Limit Engine: %w", err)
	}

	// Set custom clock for time-based evaluation
	engine.SetClock(&limit.TestClock{CurrentTime: checkDateTime})

	statuses, err := engine.Status(context.Background(), url)
	if err != nil {
		return fmt.Errorf("status evaluation failed: %w", err)
	}

	whitelisted := engine.Whitelisted(context.Background(), hostOf(url), url)

	printCheckResult(url, checkDateTime, whitelisted, statuses)

	return nil
}

// printCheckResult prints the rule standings with colors
func printCheckResult(url string, checkTime time.Time, whitelisted bool, statuses []limit.RuleStatus) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("LIMIT RULE CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("URL:        %s\n", url)
	fmt.Printf("Check Time: %s (%s)\n", checkTime.Format("2006-01-02 15:04"), checkTime.Weekday())
	fmt.Println()

	if whitelisted {
		green.Println("Host is WHITELISTED")
		fmt.Println("            → No time is recorded for this host")
		fmt.Println("            → No limits apply")
		fmt.Println()
		cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		return
	}

	if len(statuses) == 0 {
		fmt.Println("No enabled rules match this URL.")
		fmt.Println()
		cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println()
		return
	}

	printState := func(state limit.State) {
		switch state {
		case limit.StateNormal:
			green.Println("NORMAL")
		case limit.StateReminder:
			yellow.Println("REMINDER")
		case limit.StateLimited:
			red.Println("LIMITED")
		default:
			fmt.Printf("%s\n", state)
		}
	}

	for _, status := range statuses {
		name := status.Rule.Name
		if name == "" {
			name = status.Rule.ID
		}
		cyan.Printf("Rule: %s\n", name)

		fmt.Print("  Daily:    ")
		printState(status.Daily)
		fmt.Printf("            focus %s", formatMs(status.DailyFocusMs))
		if status.Rule.TimeMs > 0 {
			fmt.Printf(" of %s", formatMs(status.Rule.TimeMs))
		}
		if status.Rule.Visits > 0 {
			fmt.Printf(", %d of %d visits", status.DailyVisits, status.Rule.Visits)
		}
		fmt.Println()

		fmt.Print("  Weekly:   ")
		printState(status.Weekly)
		fmt.Printf("            focus %s", formatMs(status.WeeklyFocusMs))
		if status.Rule.WeeklyMs > 0 {
			fmt.Printf(" of %s", formatMs(status.Rule.WeeklyMs))
		}
		if status.Rule.WeeklyVisits > 0 {
			fmt.Printf(", %d of %d visits", status.WeeklyVisits, status.Rule.WeeklyVisits)
		}
		fmt.Println()
		fmt.Println()
	}

	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// formatMs renders milliseconds as a short duration
func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Second).String()
}

// hostOf extracts the host portion of a URL without requiring a scheme
func hostOf(url string) string {
	rest := url
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// parseCheckTime parses day and time flags into a time.Time
func parseCheckTime(dayStr, timeStr string) (time.Time, error) {
	now := time.Now()

	// Parse time (HH:MM)
	hour := now.Hour()
	minute := now.Minute()

	if timeStr != "" {
		parts := strings.Split(timeStr, ":")
		if len(parts) != 2 {
			return time.Time{}, fmt.Errorf("time must be in HH:MM format")
		}

		var err error
		_, err = fmt.Sscanf(timeStr, "%d:%d", &hour, &minute)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
		}

		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
		}
	}

	// Parse day of week
	targetDay := now.Weekday()
	if dayStr != "" {
		dayStr = strings.ToLower(dayStr)
		switch dayStr {
		case "sunday", "sun":
			targetDay = time.Sunday
		case "monday", "mon":
			targetDay = time.Monday
		case "tuesday", "tue":
			targetDay = time.Tuesday
		case "wednesday", "wed":
			targetDay = time.Wednesday
		case "thursday", "thu":
			targetDay = time.Thursday
		case "friday", "fri":
			targetDay = time.Friday
		case "saturday", "sat":
			targetDay = time.Saturday
		default:
			return time.Time{}, fmt.Errorf("invalid day: %s", dayStr)
		}
	}

	// Calculate target date
	daysUntilTarget := int(targetDay - now.Weekday())
	if daysUntilTarget < 0 {
		daysUntilTarget += 7
	}

	targetDate := now.AddDate(0, 0, daysUntilTarget)
	result := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), hour, minute, 0, 0, now.Location())

	return result, nil
}
