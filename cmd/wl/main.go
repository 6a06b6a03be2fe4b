package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"worklog-go/internal/app"
	"worklog-go/internal/config"
	"worklog-go/internal/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
// operation identifies the CLI command being run (e.g. "start", "report").
func newApp(operation string) (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg, operation)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readPassword prompts on stderr and reads a password without echo.
func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

// parseDay parses a YYYY-MM-DD argument in local time.
func parseDay(s string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}

// parseGroupKeys validates a comma-separated --group value.
func parseGroupKeys(s string) ([]model.GroupKey, error) {
	if s == "" {
		return nil, nil
	}
	var keys []model.GroupKey
	for _, part := range strings.Split(s, ",") {
		switch k := model.GroupKey(strings.TrimSpace(part)); k {
		case model.GroupByDirectory, model.GroupByFlowType, model.GroupByDay:
			keys = append(keys, k)
		default:
			return nil, fmt.Errorf("unknown group key %q, want directory, type or day", part)
		}
	}
	return keys, nil
}

func formatDuration(d time.Duration) string {
	return d.Truncate(time.Minute).String()
}

func printFlows(views []model.FlowView) {
	for _, v := range views {
		if v.Open() {
			fmt.Printf("%s  %s-       %-16s (open)  %s\n",
				v.Start.Format("2006-01-02"), v.Start.Format("15:04"), v.Type, v.Dir)
			continue
		}
		fmt.Printf("%s  %s-%s  %-16s %-8s %s\n",
			v.Start.Format("2006-01-02"), v.Start.Format("15:04"), v.End.Format("15:04"),
			v.Type, formatDuration(v.Duration()), v.Dir)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wl",
	Short: "Personal worklog",
}

// init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and register the user",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		if user == "" {
			user = os.Getenv("USER")
		}
		if user == "" {
			return fmt.Errorf("cannot determine user: pass --user")
		}

		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("getting defaults: %w", err)
		}

		cfg := config.NewConfig(user, defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("initializing config: %w", err)
		}

		password, err := readPassword("Password (empty for none): ")
		if err != nil {
			return err
		}

		a, err := app.NewApp(cfg, "init")
		if err != nil {
			return fmt.Errorf("initializing app: %w", err)
		}
		defer a.Close()

		profile, err := a.Register(password)
		if err != nil {
			return fmt.Errorf("registering user: %w", err)
		}

		passphrase, err := readPassword("Export key passphrase: ")
		if err != nil {
			return err
		}
		if err := a.SetupEncryption(passphrase); err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("User: %s (uid %d)\n", profile.Name, profile.UID)
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

// start command
var startCmd = &cobra.Command{
	Use:   "start TYPE",
	Short: "Start an activity flow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("start")
		if err != nil {
			return err
		}
		defer a.Close()

		start, err := a.StartFlow(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Started at %s\n", start.Format("15:04"))
		return nil
	},
}

// end command
var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the current flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("end")
		if err != nil {
			return err
		}
		defer a.Close()

		end, err := a.EndFlow()
		if err != nil {
			return err
		}
		fmt.Printf("Ended at %s\n", end.Format("15:04"))
		return nil
	},
}

// note command
var noteCmd = &cobra.Command{
	Use:   "note TEXT...",
	Short: "Record a note",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("note")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.AddNote(strings.Join(args, " "))
	},
}

// trace command
var traceCmd = &cobra.Command{
	Use:   "trace PROGRAM [ARGS...]",
	Short: "Record an executed command",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exitCode, _ := cmd.Flags().GetInt64("exit")

		a, err := newApp("trace")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.RecordTrace(args[0], args[1:], exitCode)
	},
}

// day command
var dayCmd = &cobra.Command{
	Use:   "day [DATE]",
	Short: "View the flows of a day",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var day time.Time
		if len(args) > 0 {
			var err error
			if day, err = parseDay(args[0]); err != nil {
				return err
			}
		}

		a, err := newApp("day")
		if err != nil {
			return err
		}
		defer a.Close()

		views, err := a.Day(day)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No flows recorded.")
			return nil
		}
		printFlows(views)
		return nil
	},
}

// report command
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report flows over a period",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromArg, _ := cmd.Flags().GetString("from")
		toArg, _ := cmd.Flags().GetString("to")
		groupArg, _ := cmd.Flags().GetString("group")

		from, err := parseDay(fromArg)
		if err != nil {
			return err
		}
		to, err := parseDay(toArg)
		if err != nil {
			return err
		}
		// --to names the last included day.
		to = to.AddDate(0, 0, 1)

		keys, err := parseGroupKeys(groupArg)
		if err != nil {
			return err
		}

		a, err := newApp("report")
		if err != nil {
			return err
		}
		defer a.Close()

		views, sums, err := a.Report(from, to, keys)
		if err != nil {
			return err
		}

		if keys == nil {
			if len(views) == 0 {
				fmt.Println("No flows recorded.")
				return nil
			}
			printFlows(views)
			return nil
		}

		if len(sums) == 0 {
			fmt.Println("No flows recorded.")
			return nil
		}
		for _, s := range sums {
			fmt.Printf("%-40s %s\n", strings.Join(s.Keys, "  "), formatDuration(s.Duration))
		}
		return nil
	},
}

// search command
var searchCmd = &cobra.Command{
	Use:   "search TERM...",
	Short: "Search notes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("search")
		if err != nil {
			return err
		}
		defer a.Close()

		notes, err := a.SearchNotes(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(notes) == 0 {
			fmt.Println("No matching notes.")
			return nil
		}
		for _, n := range notes {
			fmt.Printf("%s  %s\n", n.Timestamp.Format("2006-01-02 15:04"), n.Text)
		}
		return nil
	},
}

// shift command
var shiftCmd = &cobra.Command{
	Use:   "shift DURATION",
	Short: "Move the last flow's start (e.g. -15m)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		delta, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[0], err)
		}

		a, err := newApp("shift")
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.ShiftLastFlowStart(delta)
		if err != nil {
			return err
		}
		fmt.Printf("%s now starts at %s\n", view.Type, view.Start.Format("15:04"))
		return nil
	},
}

// now command
var nowCmd = &cobra.Command{
	Use:   "now",
	Short: "Show or override the current time",
	RunE: func(cmd *cobra.Command, args []string) error {
		setArg, _ := cmd.Flags().GetString("set")

		a, err := newApp("now")
		if err != nil {
			return err
		}
		defer a.Close()

		if setArg != "" {
			t, err := time.ParseInLocation("2006-01-02 15:04", setArg, time.Local)
			if err != nil {
				return fmt.Errorf("invalid time %q, want YYYY-MM-DD HH:MM", setArg)
			}
			if err := a.SetNow(t); err != nil {
				return err
			}
			fmt.Printf("Time set to %s\n", t.Format("2006-01-02 15:04"))
			return nil
		}

		now, err := a.Now()
		if err != nil {
			return err
		}
		fmt.Println(now.Format("2006-01-02 15:04"))
		return nil
	},
}

// export command
var exportCmd = &cobra.Command{
	Use:   "export [NAME]",
	Short: "Write the encrypted event history to the archive",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "worklog.export"
		if len(args) > 0 {
			name = args[0]
		}

		a, err := newApp("export")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Export(name); err != nil {
			return err
		}
		fmt.Printf("Exported to %s\n", name)
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import [NAME]",
	Short: "Import events from an archived export",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "worklog.export"
		if len(args) > 0 {
			name = args[0]
		}

		passphrase, err := readPassword("Export key passphrase: ")
		if err != nil {
			return err
		}

		a, err := newApp("import")
		if err != nil {
			return err
		}
		defer a.Close()

		count, err := a.Import(name, passphrase)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d event(s)\n", count)
		return nil
	},
}

// profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage the user profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "View the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("profile show")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Profile()
		if err != nil {
			return err
		}

		fmt.Printf("Name:      %s (uid %d)\n", p.Name, p.UID)
		fmt.Printf("Timezone:  %s\n", p.Timezone)
		fmt.Printf("Day:       %s-%s\n", p.DayStart, p.DayEnd)
		for alias, target := range p.Aliases {
			fmt.Printf("Alias:     %s -> %s\n", alias, target)
		}
		for ft, color := range p.FlowColors {
			fmt.Printf("Color:     %s = %s\n", ft, color)
		}
		return nil
	},
}

var profileSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update profile settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		timezone, _ := cmd.Flags().GetString("timezone")
		dayStart, _ := cmd.Flags().GetString("day-start")
		dayEnd, _ := cmd.Flags().GetString("day-end")
		aliasArg, _ := cmd.Flags().GetString("alias")
		colorArg, _ := cmd.Flags().GetString("color")
		changePassword, _ := cmd.Flags().GetBool("password")

		a, err := newApp("profile set")
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Profile()
		if err != nil {
			return err
		}

		if timezone != "" {
			p.Timezone = timezone
		}
		if dayStart != "" {
			p.DayStart = dayStart
		}
		if dayEnd != "" {
			p.DayEnd = dayEnd
		}
		if aliasArg != "" {
			alias, target, ok := strings.Cut(aliasArg, "=")
			if !ok {
				return fmt.Errorf("invalid alias %q, want ALIAS=TYPE", aliasArg)
			}
			if p.Aliases == nil {
				p.Aliases = make(map[string]string)
			}
			p.Aliases[alias] = target
		}
		if colorArg != "" {
			ft, color, ok := strings.Cut(colorArg, "=")
			if !ok {
				return fmt.Errorf("invalid color %q, want TYPE=COLOR", colorArg)
			}
			if p.FlowColors == nil {
				p.FlowColors = make(map[model.FlowType]string)
			}
			p.FlowColors[model.FlowType(ft)] = color
		}

		if err := a.UpdateProfile(p); err != nil {
			return err
		}

		if changePassword {
			password, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			if err := a.SetPassword(password); err != nil {
				return err
			}
		}

		fmt.Println("Profile updated.")
		return nil
	},
}

func init() {
	initCmd.Flags().String("user", "", "Profile name (default: $USER)")

	traceCmd.Flags().Int64("exit", 0, "Exit code of the traced command")

	reportCmd.Flags().String("from", "", "First day of the period (YYYY-MM-DD)")
	reportCmd.Flags().String("to", "", "Last day of the period (YYYY-MM-DD)")
	reportCmd.Flags().String("group", "", "Group durations by comma-separated keys: directory, type, day")
	reportCmd.MarkFlagRequired("from")
	reportCmd.MarkFlagRequired("to")

	nowCmd.Flags().String("set", "", "Override the current time (YYYY-MM-DD HH:MM)")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileSetCmd)
	profileSetCmd.Flags().String("timezone", "", "IANA timezone name")
	profileSetCmd.Flags().String("day-start", "", "Working day start (HH:MM)")
	profileSetCmd.Flags().String("day-end", "", "Working day end (HH:MM)")
	profileSetCmd.Flags().String("alias", "", "Flow type alias (ALIAS=TYPE)")
	profileSetCmd.Flags().String("color", "", "Flow type display color (TYPE=COLOR)")
	profileSetCmd.Flags().Bool("password", false, "Prompt for a new password")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(dayCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(shiftCmd)
	rootCmd.AddCommand(nowCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(profileCmd)
}
