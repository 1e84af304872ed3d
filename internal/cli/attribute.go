package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/subsync/internal/model"
)

// AttributeOptions holds flags for the attribute command.
type AttributeOptions struct {
	*RootOptions
	Store StoreOptions
	Data  string
}

// AttributeOutput is the result of an attribution submission.
type AttributeOutput struct {
	Provider string `json:"provider"`
	UserID   string `json:"user_id"`
}

// NewAttributeCommand creates the attribute command.
func NewAttributeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttributeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attribute <provider> <id>",
		Short: "Submit attribution data for the current user",
		Long: `Submit attribution data for the current user. The submission waits for
registration and retries until the backend accepts it.

Providers:
  appsflyer   id is the AppsFlyer UID
  adjust      id is the Adjust ADID
  apple_ads   id is the AdServices token
  firebase    id is the app instance ID

Example:
  subsync attribute appsflyer 1700000000-123 --data '{"media_source":"organic"}'
  subsync attribute firebase 7d3c0f`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttribute(opts, args[0], args[1], cmd)
		},
	}

	opts.Store.register(cmd)
	cmd.Flags().StringVar(&opts.Data, "data", "", "provider conversion data as a JSON object (appsflyer, adjust)")

	return cmd
}

func runAttribute(opts *AttributeOptions, provider, id string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	var data map[string]any
	if opts.Data != "" {
		if err := json.Unmarshal([]byte(opts.Data), &data); err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid --data JSON", err)
		}
	}
	payload, err := model.NewAttributionPayload(model.Provider(provider), id, data)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid attribution", err)
	}

	return oneShot(cmd, opts.RootOptions, opts.Store, func(ctx context.Context, s *session) error {
		if err := s.engine.SubmitAttribution(ctx, payload); err != nil {
			return backendFailure(f, "attribution", err)
		}
		userID, err := s.engine.UserID(ctx)
		if err != nil {
			return backendFailure(f, "attribution", err)
		}
		out := AttributeOutput{Provider: provider, UserID: userID}
		return f.Render(out, func(w io.Writer) {
			fmt.Fprintf(w, "✓ %s attribution submitted for %s\n", out.Provider, out.UserID)
		})
	})
}
