package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/hpcmeter/pkg/identity"
	"github.com/3leaps/hpcmeter/pkg/usagestore"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user metadata overrides",
}

var usersSetCmd = &cobra.Command{
	Use:   "set <login>",
	Short: "Interactively edit one user's metadata override",
	Long: `Edit the hand-maintained override record for one login. The current
metadata from the usage database and from the overrides file is shown,
then each field is prompted for. An empty answer keeps the current
value, "N/A" clears it, and teams are separated by a pipe (|).`,
	Args: cobra.ExactArgs(1),
	RunE: runUsersSet,
}

var usersFile string

func init() {
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersSetCmd)

	usersSetCmd.Flags().StringVar(&usersFile, "file", "", "Overrides file (default: config custom_users)")
}

func runUsersSet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	login := args[0]

	path := usersFile
	if path == "" {
		path = cfg.CustomUsers
	}
	if path == "" {
		return exitError(foundry.ExitInvalidArgument, "No overrides file",
			fmt.Errorf("set custom_users in the config or pass --file"))
	}

	store, err := usagestore.Open(ctx, cfg.UsageDB)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open usage database", err)
	}
	dbUsers, err := store.Users(ctx)
	_ = store.Close()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load users", err)
	}

	custom, err := identity.LoadCustomUsers(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load overrides file", err)
	}

	if u, ok := dbUsers[login]; ok {
		printMetadata("Database", u.Name, u.Position, u.Teams, u.Sponsor, u.PhotoURL)
	}

	current, known := custom[login]
	if known {
		printMetadata("JSON", current.Name, current.Position, current.Teams,
			current.Sponsor, current.PhotoURL)
	}

	fmt.Println("Enter new metadata.")
	fmt.Println("An empty field keeps the current value (or stays unset for a new user).")
	fmt.Println("Enter 'N/A' (case insensitive) to clear a field.")
	fmt.Println("Multiple teams can be specified with a pipe (|) separator.")

	in := bufio.NewReader(cmd.InOrStdin())
	next := identity.CustomUser{
		Name:     promptField(in, "Name", current.Name),
		Position: promptField(in, "Position", current.Position),
		Teams:    promptTeams(in, current.Teams),
		Sponsor:  promptField(in, "Sponsor", current.Sponsor),
		PhotoURL: promptField(in, "Photo", current.PhotoURL),
	}

	fmt.Println()
	printMetadata("New metadata", next.Name, next.Position, next.Teams,
		next.Sponsor, next.PhotoURL)

	fmt.Print("Proceed (y/[n])? ")
	answer, _ := in.ReadString('\n')
	if strings.ToLower(strings.TrimSpace(answer)) != "y" {
		fmt.Println("Aborted")
		return nil
	}

	custom[login] = next
	if err := identity.SaveCustomUsers(path, custom); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write overrides file", err)
	}
	fmt.Println("Updated")
	return nil
}

func promptField(in *bufio.Reader, label, current string) string {
	fmt.Printf("%-15s", label)
	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, "n/a") {
		return ""
	}
	if line == "" {
		return current
	}
	return line
}

func promptTeams(in *bufio.Reader, current []string) []string {
	fmt.Printf("%-15s", "Teams")
	line, _ := in.ReadString('\n')
	line = strings.TrimSpace(line)
	if strings.EqualFold(line, "n/a") {
		return nil
	}

	seen := make(map[string]bool)
	var teams []string
	for _, team := range strings.Split(line, "|") {
		team = strings.TrimSpace(team)
		if team != "" && !seen[team] {
			seen[team] = true
			teams = append(teams, team)
		}
	}
	if len(teams) == 0 {
		return current
	}
	sort.Strings(teams)
	return teams
}

func printMetadata(title, name, position string, teams []string, sponsor, photoURL string) {
	fmt.Fprintf(os.Stdout, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	orNA := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	fmt.Printf("%-15s%s\n", "Name", orNA(name))
	fmt.Printf("%-15s%s\n", "Position", orNA(position))
	if len(teams) > 0 {
		sorted := append([]string(nil), teams...)
		sort.Strings(sorted)
		fmt.Printf("%-15s%s\n", "Teams", strings.Join(sorted, ", "))
	} else {
		fmt.Printf("%-15s%s\n", "Teams", "N/A")
	}
	fmt.Printf("%-15s%s\n", "Sponsor", orNA(sponsor))
	fmt.Printf("%-15s%s\n", "Photo", orNA(photoURL))
	fmt.Println()
}
