package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sahilm/fuzzy"
)

// Command is one console command.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
}

// CommandRegistry resolves console input to commands.
type CommandRegistry struct {
	commands map[string]*Command
	aliases  map[string]string
	names    []string
}

// NewCommandRegistry creates the registry with the console's commands.
func NewCommandRegistry() *CommandRegistry {
	r := &CommandRegistry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]string),
	}

	r.Register(&Command{Name: "run", Aliases: []string{"r", "start"}, Description: "Start an ensemble run of the model", Usage: "run"})
	r.Register(&Command{Name: "status", Aliases: []string{"s", "st"}, Description: "Show session and run status", Usage: "status"})
	r.Register(&Command{Name: "pause", Description: "Hold realizations that have not started yet", Usage: "pause"})
	r.Register(&Command{Name: "resume", Description: "Release a pause", Usage: "resume"})
	r.Register(&Command{Name: "stop", Aliases: []string{"kill"}, Description: "Stop the dispatcher and cancel running realizations", Usage: "stop"})
	r.Register(&Command{Name: "runs", Aliases: []string{"history"}, Description: "List stored runs", Usage: "runs [limit]"})
	r.Register(&Command{Name: "help", Aliases: []string{"h", "?"}, Description: "Show available commands", Usage: "help"})
	r.Register(&Command{Name: "quit", Aliases: []string{"q", "exit"}, Description: "Leave the console", Usage: "quit"})
	return r
}

// Register adds a command.
func (r *CommandRegistry) Register(cmd *Command) {
	r.commands[cmd.Name] = cmd
	r.names = append(r.names, cmd.Name)
	for _, alias := range cmd.Aliases {
		r.aliases[alias] = cmd.Name
	}
}

// Get returns a command by name or alias.
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	name = strings.ToLower(name)
	if cmd, ok := r.commands[name]; ok {
		return cmd, true
	}
	if real, ok := r.aliases[name]; ok {
		return r.commands[real], true
	}
	return nil, false
}

// All returns the commands in registration order.
func (r *CommandRegistry) All() []*Command {
	out := make([]*Command, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.commands[name])
	}
	return out
}

// Parse splits input into a command and its arguments. An unknown command
// is resolved when exactly one command name starts with it; otherwise the
// error lists fuzzy suggestions.
func (r *CommandRegistry) Parse(input string) (*Command, []string, error) {
	fields := strings.Fields(strings.TrimPrefix(strings.TrimSpace(input), "/"))
	if len(fields) == 0 {
		return nil, nil, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	if cmd, ok := r.Get(name); ok {
		return cmd, args, nil
	}

	var prefixed []string
	for _, n := range r.names {
		if strings.HasPrefix(n, name) {
			prefixed = append(prefixed, n)
		}
	}
	if len(prefixed) == 1 {
		return r.commands[prefixed[0]], args, nil
	}

	if suggestions := r.Suggest(name); len(suggestions) > 0 {
		return nil, nil, fmt.Errorf("unknown command %q, did you mean: %s", name, strings.Join(suggestions, ", "))
	}
	return nil, nil, fmt.Errorf("unknown command %q, type help for a list", name)
}

// Suggest returns command names that fuzzily match partial.
func (r *CommandRegistry) Suggest(partial string) []string {
	partial = strings.ToLower(strings.TrimPrefix(partial, "/"))
	if partial == "" {
		result := append([]string(nil), r.names...)
		sort.Strings(result)
		return result
	}

	all := make([]string, 0, len(r.names)+len(r.aliases))
	all = append(all, r.names...)
	for alias := range r.aliases {
		all = append(all, alias)
	}

	matches := fuzzy.Find(partial, all)
	result := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, match := range matches {
		name := match.Str
		if real, ok := r.aliases[name]; ok {
			name = real
		}
		if !seen[name] {
			seen[name] = true
			result = append(result, name)
		}
	}
	return result
}
