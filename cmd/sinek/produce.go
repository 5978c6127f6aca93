package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sinek "github.com/tikivn/sinek"
	"github.com/tikivn/sinek/envelope"
)

var produceCmd = &cobra.Command{
	Use:   "produce <topic> [value...]",
	Short: "Send values, read from stdin when none are given",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProduce,
}

func init() {
	produceCmd.Flags().String("op", "", "wrap values in an envelope (publish, update, unpublish)")
	produceCmd.Flags().String("id", "", "envelope id")
	produceCmd.Flags().String("key", "", "record key")
	produceCmd.Flags().Int32("partition", sinek.PartitionAny, "target partition")
	produceCmd.Flags().Int32("partitions", 0, "partition count used to hash the envelope id")
	produceCmd.Flags().StringArray("header", nil, "record header as key=value, repeatable")

	produceCmd.Flags().Bool("batch-producer", false, "group records into larger requests")

	viper.BindPFlag("produce.partitions", produceCmd.Flags().Lookup("partitions"))
	viper.BindPFlag("produce.batch_producer", produceCmd.Flags().Lookup("batch-producer"))
}

func runProduce(cmd *cobra.Command, args []string) error {
	topic := args[0]
	flags := cmd.Flags()

	opName, _ := flags.GetString("op")
	id, _ := flags.GetString("id")
	key, _ := flags.GetString("key")
	partition, _ := flags.GetInt32("partition")
	rawHeaders, _ := flags.GetStringArray("header")

	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return err
	}

	var op envelope.Operation
	if opName != "" {
		if op, err = envelope.ParseOperation(opName); err != nil {
			return err
		}
		if id == "" {
			return errors.New("--id is required with --op")
		}
	}

	opts := []sinek.SendOption{sinek.WithPartition(partition), sinek.WithHeaders(headers...)}
	if key != "" {
		opts = append(opts, sinek.WithKey([]byte(key)))
	}

	logger := newLogger()
	p := newProducer(logger, viper.GetBool("produce.batch_producer"))
	defer p.Close()

	ctx := context.Background()
	if err := p.Connect(ctx); err != nil {
		return err
	}

	send := func(value string) error {
		var res sinek.ProduceResult
		var err error
		if op.Valid() {
			res, err = p.BufferFormat(ctx, op, topic, id, payload(value), viper.GetInt32("produce.partitions"), opts...)
		} else {
			res, err = p.Send(ctx, topic, []byte(value), opts...)
		}
		if err != nil {
			return err
		}
		level.Debug(logger).Log("msg", "Sent", "partition", res.Partition, "offset", res.Offset)
		fmt.Fprintf(cmd.OutOrStdout(), "%s/%d@%d\n", topic, res.Partition, res.Offset)
		return nil
	}

	if len(args) > 1 {
		for _, v := range args[1:] {
			if err := send(v); err != nil {
				return err
			}
		}
		return nil
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := send(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func parseHeaders(raw []string) (sinek.Headers, error) {
	headers := make(sinek.Headers, 0, len(raw))
	for _, h := range raw {
		i := strings.Index(h, "=")
		if i <= 0 {
			return nil, errors.Errorf("invalid header %q, want key=value", h)
		}
		headers = append(headers, sinek.Header{Key: h[:i], Value: []byte(h[i+1:])})
	}
	return headers, nil
}

// payload keeps JSON values as they are and sends anything else as a
// string.
func payload(value string) interface{} {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	return value
}
