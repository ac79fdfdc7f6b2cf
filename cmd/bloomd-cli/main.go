package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pior/bloomd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs once the configuration is loaded.
type app struct {
	v          *viper.Viper
	configFile string

	logger *zap.Logger
	client *bloomd.Client
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{v: newViper()}

	root := &cobra.Command{
		Use:   "bloomd-cli",
		Short: "Command line client for bloomd filter servers",
		Long: `bloomd-cli talks to one or more bloomd servers as a single service.
Without a command it starts an interactive shell.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			defer a.teardown()
			return a.repl(cmd.Context(), in, out)
		},
	}
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(out)

	root.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "configuration file (yaml, toml or json)")
	configure(a.v, root.PersistentFlags())

	for _, c := range commands {
		root.AddCommand(a.subcommand(c, out))
	}

	return root
}

func (a *app) subcommand(c command, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   c.usage(),
		Short: c.short,
		Args: func(_ *cobra.Command, args []string) error {
			return c.checkArgs(args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.teardown()
			return c.run(cmd.Context(), a.client, out, args)
		},
	}
}

func (a *app) setup() error {
	cfg, err := loadConfig(a.v, a.configFile)
	if err != nil {
		return err
	}

	a.logger, err = cfg.Log.Logger()
	if err != nil {
		return err
	}
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("load configuration from file", zap.String("file-name", used))
	}

	a.client, err = cfg.Client(a.logger)
	if err != nil {
		return err
	}
	a.logger.Debug("client ready", zap.Strings("servers", a.client.Servers()))
	return nil
}

func (a *app) teardown() {
	if a.client != nil {
		a.client.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func (a *app) repl(ctx context.Context, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, "bloomd CLI")
	fmt.Fprintln(out, "==========")
	fmt.Fprintf(out, "Servers: %s\n", strings.Join(a.client.Servers(), ", "))
	fmt.Fprintln(out, "Type 'help' for available commands.")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		name := strings.ToLower(parts[0])
		switch name {
		case "help":
			fmt.Fprint(out, helpText())
			continue
		case "quit", "exit":
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		c, ok := lookupCommand(name)
		if !ok {
			fmt.Fprintf(out, "Unknown command: %s. Type 'help' for available commands.\n", name)
			continue
		}
		if err := c.checkArgs(parts[1:]); err != nil {
			fmt.Fprintln(out, err)
			continue
		}

		start := time.Now()
		err := c.run(ctx, a.client, out, parts[1:])
		duration := time.Since(start)
		if err != nil {
			fmt.Fprintf(out, "Error: %v (took %v)\n", err, duration)
			continue
		}
		fmt.Fprintf(out, "(took %v)\n", duration)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return scanner.Err()
}
