package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/app"
	"github.com/hyperjump/intellidoc/internal/cli"
	"github.com/hyperjump/intellidoc/internal/documents"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/server"
	"github.com/hyperjump/intellidoc/internal/watcher"
)

// sweepInterval is how often the server runs the stale sweep.
const sweepInterval = time.Hour

func format(flags *rootFlags) cli.OutputFormat {
	f, _ := cli.ParseFormat(flags.format)
	return f
}

func newServerCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API, job workers and inbox watcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, logger, err := openApp(flags)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer a.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if err := a.Start(ctx); err != nil {
				return err
			}

			if a.Config.Watch.Enabled() {
				inbox := watcher.NewInbox(a.Config.Watch.InboxDir, a.Config.Watch.Extensions, a.Documents,
					watcher.WithLogger(logger))
				if err := inbox.Start(ctx); err != nil {
					return fmt.Errorf("start inbox watcher: %w", err)
				}
				defer inbox.Stop()
				logger.Info("inbox watcher started", zap.String("path", inbox.Root()))
			}

			go runSweeps(ctx, a, logger)

			srv := server.NewServer(a, &a.Config.Server, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
			}
			logger.Info("Shutting down...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return srv.Stop(shutdownCtx)
		},
	}
}

func runSweeps(ctx context.Context, a *app.App, logger *zap.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		if _, err := a.Sweep(ctx); err != nil {
			logger.Warn("stale sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newUploadCmd(flags *rootFlags) *cobra.Command {
	var owner, title string
	var wait bool
	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload files for an owner and ingest them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, true, func(ctx context.Context, a *app.App) error {
				var docs []*models.Document
				for _, path := range args {
					doc, err := uploadFile(ctx, a, owner, title, path)
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
					docs = append(docs, doc)
				}
				if wait {
					if err := a.Jobs.WaitIdle(ctx); err != nil {
						return err
					}
					for i, doc := range docs {
						if fresh, err := a.Store.GetDocument(ctx, doc.ID); err == nil {
							docs[i] = fresh
						}
					}
				}
				return cli.WriteDocuments(cmd.OutOrStdout(), docs, format(flags))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "owner id")
	cmd.Flags().StringVar(&title, "title", "", "document title (default: file name)")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait until ingestion finishes")
	return cmd
}

func uploadFile(ctx context.Context, a *app.App, owner, title, path string) (*models.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return a.Documents.Upload(ctx, documents.UploadRequest{
		OwnerID:  owner,
		Title:    title,
		Filename: filepath.Base(path),
		Body:     f,
		Size:     info.Size(),
	})
}

func newSearchCmd(flags *rootFlags) *cobra.Command {
	var (
		owner, mode, serverURL string
		k                      int
		scope                  []string
	)
	cmd := &cobra.Command{
		Use:   "search <query>...",
		Short: "Search an owner's ready documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := &models.SearchQuery{
				Query:   buildSearchQuery(args),
				K:       k,
				Scope:   scope,
				OwnerID: owner,
				Mode:    models.SearchMode(mode),
			}
			if query.Query == "" {
				return errors.New("query is empty")
			}
			if serverURL != "" {
				// Going through a running server avoids the index lock conflict.
				resp, err := searchViaHTTP(serverURL, owner, query)
				if err != nil {
					return err
				}
				return cli.WriteSearchResults(cmd.OutOrStdout(), resp, format(flags))
			}
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				resp, err := a.Query(ctx, query)
				if err != nil {
					return err
				}
				return cli.WriteSearchResults(cmd.OutOrStdout(), resp, format(flags))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "local", "owner id (empty searches every owner)")
	cmd.Flags().IntVarP(&k, "k", "k", 0, "number of results (default from config)")
	cmd.Flags().StringVar(&mode, "mode", "semantic", "search mode: semantic, keyword or hybrid")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "restrict to these document ids")
	cmd.Flags().StringVar(&serverURL, "server", "", "search through a running server at this URL")
	return cmd
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var owner string
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				docs, err := a.Documents.List(ctx, owner, offset, limit)
				if err != nil {
					return err
				}
				return cli.WriteDocuments(cmd.OutOrStdout(), docs, format(flags))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner id (empty lists every owner)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum documents")
	cmd.Flags().IntVar(&offset, "offset", 0, "documents to skip")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [document-id]",
		Short: "Show engine counters, or one document's processing state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					doc, err := a.Documents.Get(ctx, "", args[0])
					if err != nil {
						return err
					}
					return cli.WriteDocument(out, doc, format(flags))
				}
				stats, err := a.Stats(ctx)
				if err != nil {
					return err
				}
				if format(flags) == cli.OutputJSON {
					return cli.WriteJSON(out, stats)
				}
				fmt.Fprintf(out, "Documents:        %d\n", stats.Documents)
				for _, st := range []models.Status{models.StatusUploading, models.StatusProcessing, models.StatusReady, models.StatusError} {
					fmt.Fprintf(out, "  %-15s %d\n", st+":", stats.ByStatus[st])
				}
				fmt.Fprintf(out, "Chunks:           %d\n", stats.Chunks)
				fmt.Fprintf(out, "Vectors:          %d live / %d total (%s, dim %d)\n",
					stats.Vector.Live, stats.Vector.Total, stats.Vector.Type, stats.Vector.Dimensions)
				fmt.Fprintf(out, "Keyword entries:  %d\n", stats.KeywordEntries)
				fmt.Fprintf(out, "Embedding model:  %s\n", stats.EmbeddingModel)
				fmt.Fprintf(out, "Disk usage:       %.1f MB\n", float64(stats.DiskUsageBytes)/(1<<20))
				return nil
			})
		},
	}
}

func newDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <document-id>...",
		Short: "Delete documents and drop them from the indices",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					if err := a.Documents.Delete(ctx, "", id); err != nil {
						return fmt.Errorf("%s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
				}
				return nil
			})
		},
	}
}

func newReprocessCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <document-id>",
		Short: "Discard a document's chunks and ingest it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, true, func(ctx context.Context, a *app.App) error {
				// Start may already have resumed the document.
				if _, err := a.Documents.Reprocess(ctx, "", args[0]); err != nil && !errors.Is(err, documents.ErrBusy) {
					return err
				}
				if err := a.Jobs.WaitIdle(ctx); err != nil {
					return err
				}
				doc, err := a.Store.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return cli.WriteDocument(cmd.OutOrStdout(), doc, format(flags))
			})
		},
	}
}

func newSweepCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Move documents stuck in processing past the stale threshold to error",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				ids, err := a.Sweep(ctx)
				if err != nil {
					return err
				}
				if format(flags) == cli.OutputJSON {
					if ids == nil {
						ids = []string{}
					}
					return cli.WriteJSON(cmd.OutOrStdout(), map[string][]string{"swept": ids})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "swept %d documents\n", len(ids))
				for _, id := range ids {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
				}
				return nil
			})
		},
	}
}

func newCompactCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop invalidated vectors from the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, false, func(ctx context.Context, a *app.App) error {
				n, err := a.Compact()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %d vectors, %d live\n", n, a.Index.Stats().Live)
				return nil
			})
		},
	}
}
