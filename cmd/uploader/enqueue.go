package main

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/k8ika0s/image-store-uploader/internal/queue"
	"github.com/k8ika0s/image-store-uploader/internal/service"
	"github.com/k8ika0s/image-store-uploader/internal/store"
)

func newEnqueueCmd(cfg *service.Config, jsonOutput *bool) *cobra.Command {
	var kindName string
	cmd := &cobra.Command{
		Use:   "enqueue <key>...",
		Short: "Queue payload keys for the upload worker",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := store.ParseKind(kindName)
			if err != nil {
				return err
			}
			q, err := cfg.Queue()
			if err != nil {
				return err
			}
			defer q.Close()
			queued := make([]queue.Request, 0, len(args))
			for _, key := range args {
				req := queue.Request{ID: uuid.NewString(), Kind: string(kind), Key: key}
				if err := q.Enqueue(cmd.Context(), req); err != nil {
					return fmt.Errorf("enqueue %s: %w", key, err)
				}
				queued = append(queued, req)
			}
			out := cmd.OutOrStdout()
			if *jsonOutput {
				return json.NewEncoder(out).Encode(queued)
			}
			for _, req := range queued {
				fmt.Fprintf(out, "%s\t%s\n", req.ID, req.Key)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "", "upload kind: raw, sidecar or image")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}
