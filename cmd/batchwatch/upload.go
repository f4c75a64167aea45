package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/payflow/batchwatch/internal/restapi"
)

var uploadExtensions = []string{".xlsx", ".xls", ".csv"}

func newUploadCmd(a *app) *cobra.Command {
	var (
		follow bool
		opts   watchOptions
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a payment spreadsheet as a new batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if err := checkUploadFile(path); err != nil {
				return err
			}
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			batch, err := a.api.UploadBatch(cmd.Context(), filepath.Base(path), file)
			if err != nil {
				return errors.New(restapi.ErrorMessage(err, "Upload failed"))
			}
			fmt.Fprintf(a.out, "Uploaded %s as batch %s (%s)\n", batch.OriginalFilename, batch.ID, batch.Status)
			if !follow {
				return nil
			}
			return a.watch(cmd.Context(), batch.ID, opts)
		},
	}
	cmd.Flags().BoolVarP(&follow, "watch", "w", false, "Follow the new batch after uploading")
	opts.bind(cmd)
	return cmd
}

func checkUploadFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range uploadExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("unsupported file type %q: expected one of %s", ext, strings.Join(uploadExtensions, ", "))
}
