package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

func newUploadCommand(opts *options) *cobra.Command {
	var (
		location  string
		timestamp string
	)
	cmd := &cobra.Command{
		Use:   "upload <file|dir>",
		Short: "Upload one capture or every image in a directory",
		Long: `Upload captures to the photo API.

Without --timestamp each file's modification time is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files, err := collectImages(args[0])
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no images found in %s", args[0])
			}
			client := opts.client()
			out := cmd.OutOrStdout()

			bar := progressbar.NewOptions(len(files),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Uploading[reset]"),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
			failed := 0
			for _, path := range files {
				ts := timestamp
				if ts == "" {
					ts, err = modTime(path)
					if err != nil {
						return err
					}
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				res, err := client.Upload(cmd.Context(), filepath.Base(path), data, location, ts)
				_ = bar.Add(1)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "OK   %s %s\n", res.ImageID, path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(files))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&location, "location", "l", "", "capture location (required)")
	cmd.Flags().StringVarP(&timestamp, "timestamp", "t", "", "capture time, ISO-8601")
	_ = cmd.MarkFlagRequired("location")
	return cmd
}

func collectImages(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}
	var files []string
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if slices.Contains(imageExts, strings.ToLower(filepath.Ext(path))) {
			files = append(files, path)
		}
		return nil
	})
	slices.Sort(files)
	return files, err
}

func modTime(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return info.ModTime().UTC().Format(time.RFC3339), nil
}
