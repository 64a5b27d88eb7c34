package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a single tiering reclassification pass",
	Run: func(cmd *cobra.Command, args []string) {
		moved, err := sweeper.SweepOnce(context.Background())
		if err != nil {
			fmt.Printf("Error sweeping tiers: %v\n", err)
			return
		}
		fmt.Printf("Reclassified %d chunks\n", moved)
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List tracked upload sessions",
	Run: func(cmd *cobra.Command, args []string) {
		infos := sessions.List()
		if len(infos) == 0 {
			fmt.Println("No upload sessions")
			return
		}
		for _, info := range infos {
			fmt.Printf("%s  %s v%d  %s  %d/%d chunks  expires %s\n",
				info.UploadID, info.ObjectID, info.Version, info.State,
				len(info.Received), info.TotalChunks, info.ExpiresAt.Format("2006-01-02 15:04:05"))
		}
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(sessionsCmd)
}
