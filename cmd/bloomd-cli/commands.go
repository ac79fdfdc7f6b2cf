package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/pior/bloomd"
)

// command is one operation available both as a subcommand and in the interactive shell.
type command struct {
	name    string
	args    string
	short   string
	minArgs int
	maxArgs int // -1 for no limit
	run     func(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error
}

func (c command) usage() string {
	if c.args == "" {
		return c.name
	}
	return c.name + " " + c.args
}

func (c command) checkArgs(args []string) error {
	if len(args) < c.minArgs || (c.maxArgs >= 0 && len(args) > c.maxArgs) {
		return errors.Errorf("usage: %s", c.usage())
	}
	return nil
}

var commands = []command{
	{
		name:    "create",
		args:    "<filter> [capacity [probability]] [server]",
		short:   "Create a filter",
		minArgs: 1,
		maxArgs: 4,
		run:     handleCreate,
	},
	{
		name:    "list",
		short:   "List the filters of every server",
		maxArgs: 0,
		run:     handleList,
	},
	{
		name:    "drop",
		args:    "<filter>",
		short:   "Drop a filter",
		minArgs: 1,
		maxArgs: 1,
		run:     handleDrop,
	},
	{
		name:    "set",
		args:    "<filter> <key>...",
		short:   "Add keys to a filter",
		minArgs: 2,
		maxArgs: -1,
		run:     handleSet,
	},
	{
		name:    "check",
		args:    "<filter> <key>...",
		short:   "Check whether keys are in a filter",
		minArgs: 2,
		maxArgs: -1,
		run:     handleCheck,
	},
	{
		name:    "info",
		args:    "<filter>",
		short:   "Show the state of a filter",
		minArgs: 1,
		maxArgs: 1,
		run:     handleInfo,
	},
	{
		name:    "conf",
		args:    "[filter]",
		short:   "Show the configuration of a filter, or of the servers",
		minArgs: 0,
		maxArgs: 1,
		run:     handleConf,
	},
	{
		name:    "flush",
		args:    "<filter>",
		short:   "Flush a filter to disk",
		minArgs: 1,
		maxArgs: 1,
		run:     handleFlush,
	},
	{
		name:    "flush-all",
		short:   "Flush every filter of every server",
		maxArgs: 0,
		run:     handleFlushAll,
	},
	{
		name:    "size",
		args:    "<filter>",
		short:   "Show the approximate number of keys in a filter",
		minArgs: 1,
		maxArgs: 1,
		run:     handleSize,
	},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func handleCreate(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	var opts bloomd.CreateOptions
	rest := args[1:]

	if len(rest) > 0 {
		if capacity, err := strconv.ParseInt(rest[0], 10, 64); err == nil {
			opts.Capacity = capacity
			rest = rest[1:]
		}
	}
	if len(rest) > 0 && opts.Capacity > 0 {
		if probability, err := strconv.ParseFloat(rest[0], 64); err == nil {
			opts.Probability = probability
			rest = rest[1:]
		}
	}
	switch len(rest) {
	case 0:
	case 1:
		opts.Server = rest[0]
	default:
		return errors.Errorf("usage: create <filter> [capacity [probability]] [server]")
	}

	filter, err := client.CreateFilter(ctx, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Created %s on %s\n", filter.Name(), filter.Server())
	return nil
}

func handleList(ctx context.Context, client *bloomd.Client, out io.Writer, _ []string) error {
	filters, err := client.ListFiltersWithServer(ctx)
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		fmt.Fprintln(out, "No filters")
		return nil
	}

	for _, name := range sortedKeys(filters) {
		loc := filters[name]
		fmt.Fprintf(out, "%s\t%s\t%s\n", name, loc.Server, loc.Info)
	}
	return nil
}

func handleDrop(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	if err := filter.Drop(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Dropped %s\n", filter.Name())
	return nil
}

func handleSet(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	for _, key := range args[1:] {
		added, err := filter.Add(ctx, key)
		if err != nil {
			return err
		}
		if added {
			fmt.Fprintf(out, "%s: added\n", key)
		} else {
			fmt.Fprintf(out, "%s: already present\n", key)
		}
	}
	return nil
}

func handleCheck(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	for _, key := range args[1:] {
		found, err := filter.Contains(ctx, key)
		if err != nil {
			return err
		}
		if found {
			fmt.Fprintf(out, "%s: present\n", key)
		} else {
			fmt.Fprintf(out, "%s: absent\n", key)
		}
	}
	return nil
}

func handleInfo(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	info, err := filter.Info(ctx)
	if err != nil {
		return err
	}
	printValues(out, info)
	return nil
}

func handleConf(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	if len(args) == 0 {
		conf, err := client.Configuration(ctx)
		if err != nil {
			return err
		}
		printValues(out, conf)
		return nil
	}

	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	conf, err := filter.Conf(ctx)
	if err != nil {
		return err
	}
	printValues(out, conf)
	return nil
}

func handleFlush(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	if err := filter.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Flushed %s\n", filter.Name())
	return nil
}

func handleFlushAll(ctx context.Context, client *bloomd.Client, out io.Writer, _ []string) error {
	if err := client.FlushAll(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Flushed %d servers\n", len(client.Servers()))
	return nil
}

func handleSize(ctx context.Context, client *bloomd.Client, out io.Writer, args []string) error {
	filter, err := client.GetFilter(ctx, args[0])
	if err != nil {
		return err
	}
	size, err := filter.Size(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, size)
	return nil
}

func printValues(out io.Writer, values map[string]string) {
	width := 0
	for k := range values {
		width = max(width, len(k))
	}
	for _, k := range sortedKeys(values) {
		fmt.Fprintf(out, "%-*s %s\n", width, k, values[k])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(&b, "  %-46s - %s\n", c.usage(), c.short)
	}
	fmt.Fprintf(&b, "  %-46s - %s\n", "help", "Show this help")
	fmt.Fprintf(&b, "  %-46s - %s\n", "quit", "Exit the CLI")
	return b.String()
}
