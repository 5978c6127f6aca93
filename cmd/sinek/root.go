package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Shopify/sarama"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sinek "github.com/tikivn/sinek"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sinek",
	Short: "sinek produces and consumes Kafka records and envelopes",
	Long:  `sinek is a command line for the sinek producer and batch consumer.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/sinek.yaml)")
	rootCmd.PersistentFlags().StringSlice("brokers", []string{"localhost:9092"}, "Kafka brokers")
	rootCmd.PersistentFlags().StringP("log-level", "L", "info", "log at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "connect and commit timeout")

	viper.BindPFlag("brokers", rootCmd.PersistentFlags().Lookup("brokers"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))

	rootCmd.AddCommand(produceCmd, consumeCmd, topicsCmd)
}

func initConfig() {
	viper.SetEnvPrefix("sinek")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home + "/.config")
		}
		viper.SetConfigName("sinek")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}
}

func newLogger() log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	var allow level.Option
	switch viper.GetString("log_level") {
	case "debug":
		allow = level.AllowDebug()
	case "warn":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		allow = level.AllowInfo()
	}
	return level.NewFilter(logger, allow)
}

func options(logger log.Logger) []sinek.Option {
	return []sinek.Option{
		sinek.WithLogger(logger),
		sinek.WithTimeout(viper.GetDuration("timeout")),
	}
}

// saramaConfig returns the batching producer config when batch is set.
func saramaConfig(batch bool) *sarama.Config {
	if batch {
		return sinek.NewConfigWithBatchProducer()
	}
	return sinek.NewConfig()
}

func newTransport(logger log.Logger, groupID string, cfg *sarama.Config) *sinek.SaramaTransport {
	t := sinek.NewSaramaTransportWithConfig(viper.GetStringSlice("brokers"), groupID, cfg)
	t.SetLogger(logger)
	return t
}

func newProducer(logger log.Logger, batch bool) *sinek.Producer {
	return sinek.NewProducer(newTransport(logger, "", saramaConfig(batch)), options(logger)...)
}
