package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "screenshotd",
	Short: "Screenshot request lifecycle and one-time credential engine",
	Long:  `Coordinates multi-party screenshot capture: routes request events to peers, issues single-use upload credentials, reconciles uploads, and emits one completion event per request.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("db-path", ".artifacts/screenshotd.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("http-bind", ":8080", "Upload server listen address")
	rootCmd.PersistentFlags().StringSlice("kafka-brokers", []string{"localhost:9092"}, "Kafka bootstrap brokers")
	rootCmd.PersistentFlags().String("s3-bucket", "screenshots", "Object storage bucket")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "Object storage region")
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3-compatible endpoint override (MinIO)")
	rootCmd.PersistentFlags().String("token-secret", "", "Upload credential signing secret")
	rootCmd.PersistentFlags().Duration("token-ttl", 30*time.Minute, "Upload credential lifetime")
	rootCmd.PersistentFlags().Duration("request-ttl", 24*time.Hour, "Screenshot request lifetime")
	rootCmd.PersistentFlags().Int("max-screenshots", 10, "Maximum screenshots per request")
	rootCmd.PersistentFlags().String("registry-url", "http://peer-registry:8000", "Peer registry base URL")
	rootCmd.PersistentFlags().String("edge-url", "http://edge-service:8000", "Edge notification base URL")

	viper.BindPFlag("db-path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("http-bind", rootCmd.PersistentFlags().Lookup("http-bind"))
	viper.BindPFlag("kafka-brokers", rootCmd.PersistentFlags().Lookup("kafka-brokers"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("s3-endpoint", rootCmd.PersistentFlags().Lookup("s3-endpoint"))
	viper.BindPFlag("token-secret", rootCmd.PersistentFlags().Lookup("token-secret"))
	viper.BindPFlag("token-ttl", rootCmd.PersistentFlags().Lookup("token-ttl"))
	viper.BindPFlag("request-ttl", rootCmd.PersistentFlags().Lookup("request-ttl"))
	viper.BindPFlag("max-screenshots", rootCmd.PersistentFlags().Lookup("max-screenshots"))
	viper.BindPFlag("registry-url", rootCmd.PersistentFlags().Lookup("registry-url"))
	viper.BindPFlag("edge-url", rootCmd.PersistentFlags().Lookup("edge-url"))
}
