package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/k8ika0s/image-store-uploader/internal/service"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

var uploadShort = map[store.Kind]string{
	store.RawImage: "Upload raw image files",
	store.Sidecar:  "Upload sidecar metadata files",
	store.Image:    "Upload processed image files",
}

type uploadOutcome struct {
	File  string `json:"file"`
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func newUploadCmd(cfg *service.Config, kind store.Kind, jsonOutput *bool) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   string(kind) + " <file>...",
		Short: uploadShort[kind],
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exec := store.NewBoundedExecutor(concurrency)
			client, err := cfg.StoreClient(exec)
			if err != nil {
				return err
			}
			outcomes := uploadFiles(cmd.Context(), client, kind, args)
			exec.Wait()
			return writeOutcomes(cmd.OutOrStdout(), outcomes, *jsonOutput)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "maximum uploads in flight")
	return cmd
}

func uploadFiles(ctx context.Context, client *store.Client, kind store.Kind, paths []string) []uploadOutcome {
	outcomes := make([]uploadOutcome, len(paths))
	pending := make([]*store.Pending, len(paths))
	for i, path := range paths {
		outcomes[i] = uploadOutcome{File: path, Kind: string(kind)}
		data, err := os.ReadFile(path)
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		pending[i] = client.Upload(ctx, kind, data)
	}
	for i, p := range pending {
		if p == nil {
			continue
		}
		id, err := p.Wait(ctx)
		if err != nil {
			outcomes[i].Error = err.Error()
			continue
		}
		outcomes[i].ID = id
	}
	return outcomes
}

func writeOutcomes(w io.Writer, outcomes []uploadOutcome, jsonOutput bool) error {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
	} else {
		for _, o := range outcomes {
			if o.Error != "" {
				fmt.Fprintf(w, "%s\terror: %s\n", o.File, o.Error)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", o.File, o.ID)
		}
	}
	if failed > 0 {
		log.Debug().Int("failed", failed).Int("total", len(outcomes)).Msg("upload batch finished with failures")
		return fmt.Errorf("%d of %d uploads failed", failed, len(outcomes))
	}
	return nil
}
