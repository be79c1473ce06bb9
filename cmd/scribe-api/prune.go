package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/config"
	"github.com/MarcoPoloResearchLab/scribe/internal/logging"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type pruneOptions struct {
	documentID string
	keep       int
	olderThan  time.Duration
}

func newPruneCommand() *cobra.Command {
	options := &pruneOptions{}
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old versions of a document; the latest snapshot is kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd, options)
		},
	}
	cmd.Flags().StringVar(&options.documentID, "doc", "", "Document id to prune")
	cmd.Flags().IntVar(&options.keep, "keep", 0, "Number of newest versions to keep")
	cmd.Flags().DurationVar(&options.olderThan, "older-than", 0, "Only delete versions older than this age (e.g. 720h)")
	_ = cmd.MarkFlagRequired("doc")
	return cmd
}

func (o pruneOptions) rule(now time.Time) (snapshots.RetentionRule, error) {
	if o.keep < 0 {
		return snapshots.RetentionRule{}, errors.New("--keep must not be negative")
	}
	if o.keep == 0 && o.olderThan <= 0 {
		return snapshots.RetentionRule{}, errors.New("--keep or --older-than is required")
	}
	rule := snapshots.RetentionRule{KeepNewest: o.keep}
	if o.olderThan > 0 {
		rule.CreatedBefore = now.Add(-o.olderThan)
	}
	return rule, nil
}

func runPrune(cmd *cobra.Command, options *pruneOptions) error {
	documentID, err := snapshots.NewDocumentID(options.documentID)
	if err != nil {
		return err
	}
	rule, err := options.rule(time.Now().UTC())
	if err != nil {
		return err
	}

	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := openStore(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	deleted, err := store.DeleteVersions(ctx, documentID, rule)
	if err != nil {
		return err
	}
	logger.Info("versions pruned", zap.String("document_id", documentID.String()), zap.Int64("deleted", deleted))
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "deleted %d versions of %s\n", deleted, documentID)
	return err
}
