package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/Protocol-Lattice/go-memory/src/memory"
	"github.com/Protocol-Lattice/go-memory/src/memory/engine"
)

func newAddCmd(c *commander) *cobra.Command {
	var (
		raw   bool
		actor string
		meta  map[string]string
	)
	cmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Reconcile text into memory",
		Long:  `Extract facts from text and reconcile them with the closest stored memories.
With --raw the text is stored verbatim as a single memory and no model is called.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireScope(); err != nil {
				return err
			}
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				var metadata map[string]any
				if len(meta) > 0 {
					metadata = make(map[string]any, len(meta))
					for k, v := range meta {
						metadata[k] = v
					}
				}
				return mem.Add(ctx, args[0], c.scope, metadata, memory.AddOptions{Infer: !raw, Actor: actor})
			})
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Store the text verbatim without inference")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in history")
	cmd.Flags().StringToStringVarP(&meta, "meta", "m", nil, "Metadata key=value pairs")
	return cmd
}

func newSearchCmd(c *commander) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search memories by meaning",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.requireScope(); err != nil {
				return err
			}
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				return mem.Search(ctx, args[0], c.scope, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "k", 5, "Number of results to return")
	return cmd
}

func newGetCmd(c *commander) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				rec, err := mem.Get(ctx, args[0])
				if err != nil {
					return nil, err
				}
				rec.Embedding = nil
				return rec, nil
			})
		},
	}
}

func newListCmd(c *commander) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the memories of a scope, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireScope(); err != nil {
				return err
			}
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				records, err := mem.GetAll(ctx, c.scope, limit)
				if err != nil {
					return nil, err
				}
				for i := range records {
					records[i].Embedding = nil
				}
				return records, nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum number of memories (0 lists all)")
	return cmd
}

func newHistoryCmd(c *commander) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the change log of one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				return mem.History(ctx, args[0])
			})
		},
	}
}

func newUpdateCmd(c *commander) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "update <id> <text>",
		Short: "Replace the text of one memory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				return mem.Update(ctx, args[0], args[1], engine.WithActor(actor))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in history")
	return cmd
}

func newDeleteCmd(c *commander) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				return mem.Delete(ctx, args[0], engine.WithActor(actor))
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "Actor recorded in history")
	return cmd
}

type deleteAllOutput struct {
	Scope   memory.Scope `json:"scope"`
	Deleted int          `json:"deleted"`
}

func newDeleteAllCmd(c *commander) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Delete every memory of a scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireScope(); err != nil {
				return err
			}
			if !yes {
				return errors.New("refusing to delete without --yes")
			}
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				n, err := mem.DeleteAll(ctx, c.scope)
				if err != nil {
					return nil, err
				}
				return deleteAllOutput{Scope: c.scope, Deleted: n}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the deletion")
	return cmd
}

func newPruneCmd(c *commander) *cobra.Command {
	var (
		dryRun      bool
		maxAgeDays  int
		threshold   float64
		maxFraction float64
		minLength   int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove duplicate, low-value and expired memories",
		Long:  `Prune a scope. Near-duplicates, trivially short or filler memories and
memories older than --max-age-days are removed, never more than
--max-fraction of the scope in one run. Use --dry-run to see the report
without deleting anything. Unset flags fall back to the prune config section.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.requireScope(); err != nil {
				return err
			}
			return c.withMemory(cmd, func(ctx context.Context, mem *memory.Memory) (any, error) {
				policy := c.kit.PrunePolicy()
				flags := cmd.Flags()
				if flags.Changed("max-age-days") {
					policy.MaxAgeDays = maxAgeDays
				}
				if flags.Changed("threshold") {
					policy.SimilarityThreshold = threshold
				}
				if flags.Changed("max-fraction") {
					policy.MaxRemovalFraction = maxFraction
				}
				if flags.Changed("min-length") {
					policy.MinContentLength = minLength
				}
				policy.DryRun = dryRun
				return mem.Prune(ctx, c.scope, policy)
			})
		},
	}
	defaults := engine.DefaultPrunePolicy()
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without deleting")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", defaults.MaxAgeDays, "Remove memories older than this many days")
	cmd.Flags().Float64Var(&threshold, "threshold", defaults.SimilarityThreshold, "Cosine similarity at which two memories are duplicates")
	cmd.Flags().Float64Var(&maxFraction, "max-fraction", defaults.MaxRemovalFraction, "Largest share of the scope removed in one run")
	cmd.Flags().IntVar(&minLength, "min-length", defaults.MinContentLength, "Memories shorter than this are low value")
	return cmd
}
