// Package main is the intellidoc CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/app"
	"github.com/hyperjump/intellidoc/internal/cli"
	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/server"
	"github.com/hyperjump/intellidoc/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/intellidoc/config.yaml"

// rootFlags are the persistent flags shared by every command.
type rootFlags struct {
	configPath string
	debug      bool
	format     string
}

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory (for development); if that exists it is used.
// Returns the config and the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// openApp loads config, builds the logger and the engine. The caller closes both.
func openApp(flags *rootFlags) (*app.App, *zap.Logger, error) {
	cfg, resolved, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := utils.NewLogger(cfg.Debug || flags.debug)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved))
	a, err := app.New(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, fmt.Errorf("initialize: %w", err)
	}
	return a, logger, nil
}

// withApp runs fn against a started engine and closes it afterwards.
func withApp(flags *rootFlags, start bool, fn func(ctx context.Context, a *app.App) error) error {
	a, logger, err := openApp(flags)
	if err != nil {
		return err
	}
	defer logger.Sync()
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("close failed", zap.Error(cerr))
		}
	}()
	ctx := context.Background()
	if start {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return fn(ctx, a)
}

func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func searchViaHTTP(serverURL, owner string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimSuffix(serverURL, "/")+"/api/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.OwnerHeader, owner)
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "intellidoc",
		Short:         "Document ingestion and semantic retrieval engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := cli.ParseFormat(flags.format)
			return err
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath, "config file path")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flags.format, "format", "text", "output format: text or json")

	root.AddCommand(
		newServerCmd(flags),
		newUploadCmd(flags),
		newSearchCmd(flags),
		newListCmd(flags),
		newStatusCmd(flags),
		newDeleteCmd(flags),
		newReprocessCmd(flags),
		newSweepCmd(flags),
		newCompactCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "intellidoc version %s\n", version)
			},
		},
	)
	return root
}

func main() {
	// A missing .env is fine; the environment may already carry the keys.
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
