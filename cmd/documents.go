package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diligence-cli/internal/blob"
	"github.com/sells-group/diligence-cli/internal/model"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage case documents",
}

// -- documents add --

var documentsAddCmd = &cobra.Command{
	Use:   "add <file>...",
	Short: "Upload files into a case's document set",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("store"); err != nil {
			return err
		}

		caseID, _ := cmd.Flags().GetString("case")
		mimeOverride, _ := cmd.Flags().GetString("mime")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		blobs, err := blob.NewLocal(cfg.Blob.Root)
		if err != nil {
			return eris.Wrap(err, "documents add")
		}

		added := make([]model.Document, 0, len(args))
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return eris.Wrapf(err, "documents add: read %s", path)
			}

			doc := model.Document{
				ID:       uuid.NewString(),
				CaseID:   caseID,
				Name:     filepath.Base(path),
				MimeType: detectMIME(path, mimeOverride),
			}
			doc.BlobKey = caseID + "/" + doc.ID
			if err := blobs.Put(ctx, doc.BlobKey, data); err != nil {
				return eris.Wrapf(err, "documents add: store %s", path)
			}
			if err := st.AddDocument(ctx, &doc); err != nil {
				return eris.Wrapf(err, "documents add: register %s", path)
			}

			zap.L().Info("document added",
				zap.String("case_id", caseID),
				zap.String("document_id", doc.ID),
				zap.String("mime_type", doc.MimeType),
				zap.Int("bytes", len(data)),
			)
			added = append(added, doc)
		}

		if outputFormat != "" {
			return writeOutput(cmd.OutOrStdout(), outputFormat, added)
		}
		for _, d := range added {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", d.ID, d.MimeType, d.Name)
		}
		return nil
	},
}

// detectMIME prefers override, then the file extension, then octet-stream.
func detectMIME(path, override string) string {
	if override != "" {
		return override
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func init() {
	documentsAddCmd.Flags().String("case", "", "case id (required)")
	documentsAddCmd.Flags().String("mime", "", "MIME type for every file (default from extension)")
	_ = documentsAddCmd.MarkFlagRequired("case")

	documentsCmd.AddCommand(documentsAddCmd)
	rootCmd.AddCommand(documentsCmd)
}
