package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/veneer"
	"pkt.systems/veneer/internal/behavior"
	"pkt.systems/veneer/internal/storage"
)

func newBehaviorsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "behaviors",
		Aliases: []string{"behavior", "b"},
		Short:   "Manage behavior records in the store",
	}
	cmd.AddCommand(newBehaviorsListCommand(c))
	cmd.AddCommand(newBehaviorsGetCommand(c))
	cmd.AddCommand(newBehaviorsPutCommand(c))
	cmd.AddCommand(newBehaviorsDeleteCommand(c))
	return cmd
}

// openStore opens the configured backend and returns the behavior store on
// top of it together with its closer.
func (c *cli) openStore(ctx context.Context) (*behavior.ObjectStore, func(), error) {
	cfg, logger, err := c.setup()
	if err != nil {
		return nil, nil, err
	}
	backend, err := veneer.OpenBackend(ctx, cfg, logger, nil)
	if err != nil {
		return nil, nil, err
	}
	return behavior.NewObjectStore(backend, cfg.Namespace), func() { _ = backend.Close() }, nil
}

func writeBehaviors(w io.Writer, format string, items []behavior.Behavior) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "yml":
		return behavior.EncodeYAML(w, items)
	case "json":
		return behavior.EncodeJSON(w, items)
	default:
		return fmt.Errorf("unknown output format %q (yaml, json)", format)
	}
}

func newBehaviorsListCommand(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Print every behavior in the namespace",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			items, err := store.ListAll(cmd.Context())
			if err != nil {
				return err
			}
			sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
			return writeBehaviors(cmd.OutOrStdout(), output, items)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	return cmd
}

func newBehaviorsGetCommand(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "get <key>...",
		Short: "Print the behaviors stored for the given keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			items := make([]behavior.Behavior, 0, len(args))
			for _, key := range args {
				b, err := store.Get(cmd.Context(), key)
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("behavior %q not found", behavior.NormalizeKey(key))
				}
				if err != nil {
					return err
				}
				items = append(items, b)
			}
			return writeBehaviors(cmd.OutOrStdout(), output, items)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml, json)")
	return cmd
}

func newBehaviorsPutCommand(c *cli) *cobra.Command {
	var files []string
	var ifAbsent bool
	cmd := &cobra.Command{
		Use:   "put -f <file>...",
		Short: "Store behaviors from YAML or JSON seed files (- reads stdin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(files) == 0 {
				return fmt.Errorf("at least one --file is required")
			}
			var items []behavior.Behavior
			for _, path := range files {
				parsed, err := readSeedFile(cmd.InOrStdin(), path)
				if err != nil {
					return err
				}
				items = append(items, parsed...)
			}
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			var stored, skipped int
			for _, b := range items {
				var err error
				if ifAbsent {
					err = store.InsertIfAbsent(cmd.Context(), b)
				} else {
					err = store.Put(cmd.Context(), b)
				}
				switch {
				case errors.Is(err, behavior.ErrAlreadyExists):
					skipped++
				case err != nil:
					return fmt.Errorf("store %s: %w", b.Key, err)
				default:
					stored++
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %d behaviors (%d already present) in namespace %s\n", stored, skipped, store.Namespace())
			return err
		},
	}
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "seed file to read (repeatable; - for stdin)")
	cmd.Flags().BoolVar(&ifAbsent, "if-absent", false, "keep existing records instead of replacing them")
	return cmd
}

func readSeedFile(stdin io.Reader, path string) ([]behavior.Behavior, error) {
	if path == "-" {
		items, err := behavior.ParseDocuments(stdin)
		if err != nil {
			return nil, fmt.Errorf("stdin: %w", err)
		}
		return items, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	items, err := behavior.ParseDocuments(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

func newBehaviorsDeleteCommand(c *cli) *cobra.Command {
	var ignoreMissing bool
	cmd := &cobra.Command{
		Use:     "delete <key>...",
		Aliases: []string{"rm"},
		Short:   "Remove behaviors; the next lookup provisions a pass-through default",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			for _, key := range args {
				err := store.Delete(cmd.Context(), key)
				if errors.Is(err, storage.ErrNotFound) && ignoreMissing {
					continue
				}
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("behavior %q not found", behavior.NormalizeKey(key))
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", behavior.NormalizeKey(key))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&ignoreMissing, "ignore-missing", false, "do not fail on keys that are not stored")
	return cmd
}
