package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xtxerr/sensorcache/internal/client"
)

// shell is an interactive prompt that runs sensorcache subcommands.
type shell struct {
	url     string
	timeout time.Duration
	fields  []string
}

func newShellCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt with field name completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("shell requires an interactive terminal")
			}

			url, _ := cmd.Flags().GetString("url")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			sh := &shell{url: url, timeout: timeout}
			sh.refreshFields(cmd.Context())

			fmt.Printf("sensorcache %s connected to %s\n", Version, url)
			fmt.Println(`Type "help" for commands, "exit" to quit.`)

			p := prompt.New(
				sh.execute,
				sh.complete,
				prompt.OptionPrefix("sensorcache> "),
				prompt.OptionTitle("sensorcache"),
				prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
					in = strings.TrimSpace(in)
					return breakline && (in == "exit" || in == "quit")
				}),
			)
			p.Run()
			return nil
		},
	}
}

// refreshFields reloads the field names offered for completion.
func (sh *shell) refreshFields(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sh.timeout)
	defer cancel()

	c := client.New(client.Config{URL: sh.url, ConnectTimeout: sh.timeout, RequestTimeout: sh.timeout})
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return
	}
	if names, err := c.Fields(ctx); err == nil {
		sh.fields = names
	}
}

// command returns a root command bound to the shell's connection flags.
func (sh *shell) command() *cobra.Command {
	root := newRootCommand()
	_ = root.PersistentFlags().Set("url", sh.url)
	_ = root.PersistentFlags().Set("timeout", sh.timeout.String())
	return root
}

func (sh *shell) execute(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "exit", "quit":
		return
	case "shell":
		fmt.Println("already in shell")
		return
	}

	root := sh.command()
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}

	if args[0] == "publish" || args[0] == "fields" {
		sh.refreshFields(context.Background())
	}
}

var commandSuggestions = []prompt.Suggest{
	{Text: "subscribe", Description: "Stream fields (Ctrl-C to stop)"},
	{Text: "query", Description: "Time-aligned rows for a window"},
	{Text: "latest", Description: "Newest sample per field"},
	{Text: "stats", Description: "Summary of a field's recent history"},
	{Text: "fields", Description: "List field names"},
	{Text: "publish", Description: "Publish FIELD=VALUE samples"},
	{Text: "help", Description: "Show help"},
	{Text: "exit", Description: "Leave the shell"},
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()

	if !strings.Contains(before, " ") {
		return prompt.FilterHasPrefix(commandSuggestions, word, true)
	}
	if strings.HasPrefix(word, "-") {
		return nil
	}

	suggestions := make([]prompt.Suggest, len(sh.fields))
	for i, name := range sh.fields {
		suggestions[i] = prompt.Suggest{Text: name}
	}
	return prompt.FilterHasPrefix(suggestions, word, true)
}
