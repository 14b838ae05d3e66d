package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marksync/marksync/internal/engine"
	"github.com/marksync/marksync/internal/httpapi"
	"github.com/marksync/marksync/internal/registry"
	"github.com/marksync/marksync/internal/scheduler"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon: observer, scheduler, and admin HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				unsubscribe := a.store.Subscribe(a.observer)
				defer unsubscribe()

				sched := scheduler.New(a.engine, scheduler.Options{
					PullInterval:  a.cfg.PullInterval,
					DrainInterval: a.cfg.DrainInterval,
				}, a.logger)
				sched.Start(ctx)
				defer sched.Stop()

				server := httpapi.NewServer(a.engine, a.registry, a.queue, httpapi.ServerConfig{
					AdminToken: a.cfg.AdminToken,
				}, a.logger)
				a.logger.Info().Str("addr", a.cfg.ListenAddr).Msg("admin api listening")
				return server.Serve(ctx, a.cfg.ListenAddr)
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a reconciliation pass",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "push",
			Short: "Push unlinked local bookmarks to the remote service",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					all, err := a.engine.Push(cmd.Context())
					printStats(all)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "pull",
			Short: "Pull remote changes into the local bookmark tree",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					all, err := a.engine.Pull(cmd.Context())
					printStats(all)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "initial <mapping-id>",
			Short: "Run initial sync for one mapping",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					stats, err := a.engine.InitialSync(cmd.Context(), args[0])
					printStats([]engine.MappingStats{stats})
					return err
				})
			},
		},
	)
	return cmd
}

func newResyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resync",
		Short: "Clear all links and the queue, then rebuild every mapping from ground truth",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				all, err := a.engine.FullResync(cmd.Context())
				printStats(all)
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync status read model",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				return printJSON(a.engine.Status(cmd.Context()))
			})
		},
	}
}

func newMapCommand() *cobra.Command {
	var syncChildren bool
	add := &cobra.Command{
		Use:   "add <local-folder-id> <remote-collection-id>",
		Short: "Map a local folder to a remote collection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				mapping, err := a.registry.AddFolderMapping(registry.FolderMapping{
					LocalFolderID:      args[0],
					RemoteCollectionID: args[1],
					SyncChildren:       syncChildren,
				})
				if err != nil {
					return err
				}
				if syncChildren {
					if _, err := a.engine.PropagateNested(cmd.Context(), mapping.ID); err != nil {
						return fmt.Errorf("mapping created but propagation failed: %w", err)
					}
				}
				return printJSON(mapping)
			})
		},
	}
	add.Flags().BoolVar(&syncChildren, "children", false, "also map nested child folders")

	cmd := &cobra.Command{
		Use:   "map",
		Short: "Manage folder-collection mappings",
	}
	cmd.AddCommand(
		add,
		&cobra.Command{
			Use:   "remove <mapping-id>",
			Short: "Remove a mapping and all descendant mappings and links",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					return a.registry.RemoveFolderMapping(args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List mappings",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					return printJSON(a.registry.Mappings())
				})
			},
		},
	)
	return cmd
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and control the operation queue",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Show pending and failed operations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					return printJSON(map[string]any{
						"pending": a.queue.Pending(),
						"failed":  a.queue.Failed(),
					})
				})
			},
		},
		&cobra.Command{
			Use:   "process",
			Short: "Force-process the queue, overriding any processing lock",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					result, err := a.engine.ForceDrainQueue(cmd.Context())
					if err != nil {
						return err
					}
					return printJSON(result)
				})
			},
		},
		&cobra.Command{
			Use:   "retry",
			Short: "Requeue all failed operations with a fresh retry budget",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(func(a *app) error {
					moved, err := a.queue.RetryFailed()
					if err != nil {
						return err
					}
					fmt.Printf("requeued %d operations\n", moved)
					return nil
				})
			},
		},
	)
	return cmd
}

func printStats(all []engine.MappingStats) {
	for _, stats := range all {
		fmt.Printf("mapping %s: matched=%d createdRemote=%d createdLocal=%d updatedLocal=%d deletedLocal=%d errors=%d\n",
			stats.MappingID, stats.Matched, stats.CreatedRemote, stats.CreatedLocal,
			stats.UpdatedLocal, stats.DeletedLocal, len(stats.Errors))
	}
}

func printJSON(data any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
