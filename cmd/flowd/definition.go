package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowd-io/flowd/config"
)

func definitionCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "definition",
		Aliases: []string{"def"},
		Short:   "Manage stored workflow definitions",
	}
	cmd.AddCommand(
		definitionGetCmd(opts),
		definitionPostCmd(opts),
		definitionDeleteCmd(opts),
		definitionListCmd(opts),
	)
	return cmd
}

func definitionGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name> [version]",
		Short: "Print a stored workflow document",
		Long: `Print a stored workflow document. Without a version the latest
stored version is resolved. The original text is printed when the store
kept it; otherwise the parsed form is rendered back to YAML.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := requireDurableDefinitions(cfg); err != nil {
				return err
			}
			store, closeStore, err := openDefinitions(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			name, version := nameVersionArgs(args)
			wf, err := store.Get(cmd.Context(), name, version)
			if err != nil {
				return err
			}
			if src, ok := store.(sourceReader); ok {
				if doc, found := src.Source(name, version); found {
					_, err := cmd.OutOrStdout().Write(doc)
					return err
				}
			}
			out, err := yaml.Marshal(wf)
			if err != nil {
				return fmt.Errorf("rendering workflow: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func definitionPostCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "post <file>...",
		Short: "Validate and store workflow documents",
		Long: `Parse, validate and store one or more workflow documents. Arguments
may be files or glob patterns; an existing (name, version) is replaced.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := requireDurableDefinitions(cfg); err != nil {
				return err
			}
			store, closeStore, err := openDefinitions(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			paths, err := expandArgs(args)
			if err != nil {
				return err
			}
			for _, path := range paths {
				doc, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				wf, err := store.Put(cmd.Context(), doc)
				if err != nil {
					return fmt.Errorf("storing %s: %w", path, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s %s (%s)\n",
					wf.Document.Name, wf.Document.Version, path)
			}
			return nil
		},
	}
}

func definitionDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name> [version]",
		Short: "Delete a stored workflow",
		Long:  "Delete one stored version, or every version when none is given.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := requireDurableDefinitions(cfg); err != nil {
				return err
			}
			store, closeStore, err := openDefinitions(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			name, version := nameVersionArgs(args)
			if err := store.Delete(cmd.Context(), name, version); err != nil {
				return err
			}
			if version == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (all versions)\n", name)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s %s\n", name, version)
			}
			return nil
		},
	}
}

func definitionListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			if err := requireDurableDefinitions(cfg); err != nil {
				return err
			}
			store, closeStore, err := openDefinitions(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			refs, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, ref := range refs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.Name, ref.Version)
			}
			return nil
		},
	}
}

func requireDurableDefinitions(cfg *config.Config) error {
	if durableDefinitions(cfg) {
		return nil
	}
	return fmt.Errorf("definitions are not durable with %s messaging and no definitions.dir; set definitions.dir or use nats messaging", cfg.Messaging.Type)
}

func nameVersionArgs(args []string) (name, version string) {
	name = args[0]
	if len(args) == 2 {
		version = args[1]
	}
	return name, version
}

// expandArgs resolves file arguments, expanding glob patterns that the
// shell passed through. Every argument must match something.
func expandArgs(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		if !strings.ContainsAny(arg, "*?[{") {
			paths = append(paths, arg)
			continue
		}
		matches, err := doublestar.FilepathGlob(arg)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", arg)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}
