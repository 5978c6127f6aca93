package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		p := newProducer(logger, false)
		defer p.Close()

		ctx := context.Background()
		if err := p.Connect(ctx); err != nil {
			return err
		}
		topics, err := p.TopicList(ctx)
		if err != nil {
			return err
		}

		sort.Strings(topics)
		for _, t := range topics {
			fmt.Fprintln(cmd.OutOrStdout(), t)
		}
		return nil
	},
}
