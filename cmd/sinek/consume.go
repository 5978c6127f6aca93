package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sinek "github.com/tikivn/sinek"
)

var consumeCmd = &cobra.Command{
	Use:   "consume <topic...>",
	Short: "Print records in batches until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConsume,
}

func init() {
	consumeCmd.Flags().String("group", "", "consumer group (default is a generated one)")
	consumeCmd.Flags().Int("batch-size", sinek.DefaultBatchSize, "records per batch")
	consumeCmd.Flags().Duration("batch-timeout", sinek.DefaultBatchTimeout, "max wait to fill a batch")
	consumeCmd.Flags().Bool("auto-commit", false, "commit on delivery instead of after each batch")

	viper.BindPFlag("consume.group", consumeCmd.Flags().Lookup("group"))
	viper.BindPFlag("consume.batch_size", consumeCmd.Flags().Lookup("batch-size"))
	viper.BindPFlag("consume.batch_timeout", consumeCmd.Flags().Lookup("batch-timeout"))
	viper.BindPFlag("consume.auto_commit", consumeCmd.Flags().Lookup("auto-commit"))
}

func runConsume(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	c := sinek.NewConsumer(newTransport(logger, viper.GetString("consume.group"), saramaConfig(false)), args, options(logger)...)

	if err := c.Connect(context.Background()); err != nil {
		return err
	}

	var mu sync.Mutex
	out := cmd.OutOrStdout()
	err := c.Consume(func(_ context.Context, batch *sinek.Batch, done func()) error {
		defer done()
		mu.Lock()
		defer mu.Unlock()
		for _, m := range batch.Messages {
			printMessage(out, m)
		}
		return nil
	}, sinek.ConsumeOptions{
		AutoCommit: viper.GetBool("consume.auto_commit"),
		Batch: sinek.BatchOptions{
			BatchSize:     viper.GetInt("consume.batch_size"),
			BatchTimeout:  viper.GetDuration("consume.batch_timeout"),
			CommitOnDrain: true,
		},
	})
	if err != nil {
		c.Close(context.Background(), false)
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errs := c.Errors()
	for {
		select {
		case sig := <-sigChan:
			level.Info(logger).Log("msg", "Received signal, shutting down", "signal", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return c.Close(ctx, true)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			level.Error(logger).Log("msg", "Consume error", "err", err)
		}
	}
}

func printMessage(w io.Writer, m *sinek.Message) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s/%d@%d", m.Topic, m.Partition, m.Offset)
	if len(m.Key) > 0 {
		fmt.Fprintf(&b, " key=%s", m.Key)
	}
	for _, h := range m.Headers {
		fmt.Fprintf(&b, " %s=%s", h.Key, h.Value)
	}
	if e := m.Envelope; e != nil {
		fmt.Fprintf(&b, " op=%s id=%s payload=%s", e.Operation, e.ID, e.Payload)
	} else {
		fmt.Fprintf(&b, " value=%s", m.Value)
	}
	fmt.Fprintln(w, b.String())
}
