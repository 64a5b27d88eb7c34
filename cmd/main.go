package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/edgevault/edgevault/internal/codec"
	"github.com/edgevault/edgevault/internal/config"
	"github.com/edgevault/edgevault/internal/erasure"
	"github.com/edgevault/edgevault/internal/logging"
	"github.com/edgevault/edgevault/internal/placement"
	"github.com/edgevault/edgevault/internal/repository/index"
	"github.com/edgevault/edgevault/internal/repository/migrate"
	"github.com/edgevault/edgevault/internal/repository/shardstore"
	"github.com/edgevault/edgevault/internal/service"
)

var (
	cfgFile string

	cfg      *config.Config
	metaIdx  index.MetadataIndex
	sessions *service.SessionManager
	pipeline *service.IngestPipeline
	engine   *service.ReconstructionEngine
	sweeper  *service.TieringSweeper
)

var rootCmd = &cobra.Command{
	Use:   "edgevault",
	Short: "Content-addressed chunk storage with resumable uploads",
	Long: "edgevault ingests large files as content-addressed chunks, erasure codes\n" +
		"them across storage backends, and reconstructs them on demand.",
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (debug, info, warn, error)")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the DynamoDB metadata table",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Metadata.Backend != "dynamodb" {
			fmt.Println("Metadata backend is sqlite; the schema is migrated automatically on open")
			return
		}

		migration := migrate.CreateMetadataTable{}
		client := dynamodb.NewFromConfig(cfg.AwsConfig)
		if err := migration.Up(context.Background(), client, cfg.Metadata.DynamoDBTable); err != nil {
			fmt.Printf("Failed to create the metadata table: %v\n", err)
			return
		}

		fmt.Printf("Metadata table %s created successfully\n", cfg.Metadata.DynamoDBTable)
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Delete the DynamoDB metadata table",
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.Metadata.Backend != "dynamodb" {
			fmt.Println("Metadata backend is sqlite; delete the database file instead")
			return
		}

		migration := migrate.CreateMetadataTable{}
		client := dynamodb.NewFromConfig(cfg.AwsConfig)
		if err := migration.Down(context.Background(), client, cfg.Metadata.DynamoDBTable); err != nil {
			fmt.Printf("Failed to delete the metadata table: %v\n", err)
			return
		}

		fmt.Printf("Metadata table %s deleted successfully\n", cfg.Metadata.DynamoDBTable)
	},
}

func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile, rootCmd)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	logging.InitLogger(cfg)

	switch cfg.Metadata.Backend {
	case "dynamodb":
		metaIdx = index.NewDynamoIndexFromConfig(cfg.AwsConfig, cfg.Metadata.DynamoDBTable)
	default:
		metaIdx, err = index.OpenSQLiteIndex(cfg.Metadata.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to open metadata index: %v", err)
		}
	}

	factory := shardstore.NewShardRepositoryFactory(cfg.AwsConfig, cfg.GcsClient)
	placer := placement.NewRoundRobinPlacer()

	// Registration order must be deterministic so shard placement is stable
	// across restarts.
	names := make([]string, 0, len(cfg.Backends))
	for name := range cfg.Backends {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		repo, err := factory.CreateRepository(name, cfg.Backends[name])
		if err != nil {
			log.Fatalf("Failed to create shard backend %s: %v", name, err)
		}
		if err := placer.RegisterBackend(name, repo); err != nil {
			log.Fatalf("Failed to register shard backend %s: %v", name, err)
		}
	}

	coder, err := erasure.NewCoder(cfg.Erasure.DataShards, cfg.Erasure.ParityShards)
	if err != nil {
		log.Fatalf("Invalid erasure configuration: %v", err)
	}

	codecs, err := codec.NewRegistry(cfg.Compression.Codec, cfg.Compression.Level)
	if err != nil {
		log.Fatalf("Invalid compression configuration: %v", err)
	}

	store := service.NewChunkStore(coder, codecs, placer, metaIdx)
	sessions = service.NewSessionManager(cfg.Session.TTL, cfg.Session.Retention)
	pipeline = service.NewIngestPipeline(sessions, store, metaIdx)
	engine = service.NewReconstructionEngine(metaIdx, store)
	sweeper = service.NewTieringSweeper(metaIdx, cfg.Tiering.WarmAfter, cfg.Tiering.ColdAfter)
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(downCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
