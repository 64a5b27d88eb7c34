package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/edgevault/edgevault/internal/service"
)

var quiet bool

var uploadCmd = &cobra.Command{
	Use:   "upload [file-path] [object-id]",
	Short: "Upload a file as a chunked, erasure-coded object",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		filePath, objectID := args[0], args[1]
		version, _ := cmd.Flags().GetInt64("version")
		quiet, _ := cmd.Flags().GetBool("quiet")

		file, err := os.Open(filePath)
		if err != nil {
			fmt.Printf("Error opening file: %v\n", err)
			return
		}
		defer file.Close()

		stat, err := file.Stat()
		if err != nil {
			fmt.Printf("Error reading file: %v\n", err)
			return
		}
		if stat.Size() == 0 {
			fmt.Println("Error: cannot upload an empty file")
			return
		}

		chunkSize := int64(cfg.ChunkSizeBytes)
		totalChunks := int((stat.Size() + chunkSize - 1) / chunkSize)

		info, err := pipeline.StartUpload(objectID, version, totalChunks)
		if err != nil {
			fmt.Printf("Error starting upload: %v\n", err)
			return
		}

		var bar *progressbar.ProgressBar
		if !quiet {
			bar = progressbar.DefaultBytes(stat.Size(), "uploading")
		}

		ctx := context.Background()
		hasher := sha256.New()
		buf := make([]byte, chunkSize)
		dedupHits := 0

		for chunkIndex := 0; chunkIndex < totalChunks; chunkIndex++ {
			n, err := io.ReadFull(file, buf)
			if err == io.ErrUnexpectedEOF {
				err = nil
			}
			if err != nil {
				fmt.Printf("Error reading file: %v\n", err)
				return
			}

			raw := buf[:n]
			hasher.Write(raw)

			result, err := pipeline.AdmitChunk(ctx, info.UploadID, chunkIndex, raw)
			if err != nil {
				fmt.Printf("Error uploading chunk %d: %v\n", chunkIndex, err)
				return
			}
			if result.DedupHit {
				dedupHits++
			}
			if bar != nil {
				bar.Add(n)
			}
		}

		checksum := hex.EncodeToString(hasher.Sum(nil))
		status, err := pipeline.Finalize(ctx, info.UploadID, checksum)
		if err != nil {
			fmt.Printf("Error finalizing upload: %v\n", err)
			return
		}
		if status != service.FinalizeComplete {
			fmt.Printf("Upload did not complete: %s\n", status)
			return
		}

		fmt.Printf("File uploaded successfully: %s -> %s v%d (%d chunks, %d deduplicated)\n",
			filePath, objectID, version, totalChunks, dedupHits)
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [object-id] [output-path]",
	Short: "Reconstruct an object and write it to a local file",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		objectID, outputPath := args[0], args[1]
		version, _ := cmd.Flags().GetInt64("version")
		quiet, _ := cmd.Flags().GetBool("quiet")

		reader, err := engine.Open(context.Background(), objectID, version)
		if err != nil {
			fmt.Printf("Error opening object: %v\n", err)
			return
		}
		defer reader.Close()

		// If output path is a directory, use the object ID as the filename
		if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
			outputPath = filepath.Join(outputPath, filepath.Base(objectID))
		}

		if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
			fmt.Printf("Error creating output directory: %v\n", err)
			return
		}

		outFile, err := os.Create(outputPath)
		if err != nil {
			fmt.Printf("Error creating output file: %v\n", err)
			return
		}
		defer outFile.Close()

		var dst io.Writer = outFile
		if !quiet {
			bar := progressbar.DefaultBytes(-1, "downloading")
			dst = io.MultiWriter(outFile, bar)
		}

		if _, err := io.Copy(dst, reader); err != nil {
			fmt.Printf("Error writing file: %v\n", err)
			return
		}

		fmt.Printf("Object downloaded successfully: %s v%d -> %s\n", objectID, version, outputPath)
	},
}

func init() {
	uploadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	uploadCmd.Flags().Int64("version", 0, "Object version to write")
	downloadCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress progress bars")
	downloadCmd.Flags().Int64("version", 0, "Object version to read")
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}
