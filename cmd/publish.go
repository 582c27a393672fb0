/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/blacktop/xgate/internal/config"
	"github.com/blacktop/xgate/internal/gateway"
	"github.com/blacktop/xgate/internal/telemetry"
)

type publishOptions struct {
	message  string
	platform string
	postID   string
	media    []string
	hashtags []string
	dryRun   bool
}

func newPublishCommand() *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish [message]",
		Short: "Publish one post to one platform",
		Long: "publish sends the message to a single platform and prints the JSON result. " +
			"The message comes from the arguments, --message, or piped stdin.",
		Example: `  xgate publish -p bluesky "Release shipped"
  xgate publish -p x --media https://cdn.example/shot.png --hashtag "#golang" "v1.2 is out"
  echo "Weekly digest" | xgate publish -p telegram`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.message, "message", "m", "", "Message text to post")
	cmd.Flags().StringVarP(&opts.platform, "platform", "p", "", "Destination platform (twitter|x, bluesky, mastodon, linkedin, reddit, discord, telegram)")
	cmd.Flags().StringVar(&opts.postID, "post-id", "", "Correlation id for the post (random when empty)")
	cmd.Flags().StringArrayVar(&opts.media, "media", nil, "Media URL to attach (repeatable)")
	cmd.Flags().StringArrayVar(&opts.hashtags, "hashtag", nil, "Hashtag appended to the message (repeatable)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Return a fabricated result without calling the platform")
	cmd.Flags().SortFlags = false
	_ = cmd.MarkFlagRequired("platform")

	return cmd
}

func runPublish(cmd *cobra.Command, args []string, opts *publishOptions) error {
	ctx := cmd.Context()

	platform, ok := gateway.ParsePlatform(opts.platform)
	if !ok {
		return fmt.Errorf("unknown platform %q", opts.platform)
	}

	message, err := resolveMessage(cmd.InOrStdin(), opts.message, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Setup(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer shutdown(ctx)

	deps, err := buildGateway(ctx, cfg, cfg.Mock || opts.dryRun)
	if err != nil {
		return err
	}
	defer closeQuietly(deps)

	postID := opts.postID
	if postID == "" {
		postID = uuid.NewString()
	}

	result := deps.dispatcher.Publish(ctx, gateway.PublishRequest{
		PostID:    postID,
		Platform:  platform,
		Content:   message,
		MediaURLs: opts.media,
		Hashtags:  opts.hashtags,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	if !result.Success {
		return errors.New(result.Error)
	}
	return nil
}

// resolveMessage takes the message from args or --message, falling back to
// stdin when it is not a terminal.
func resolveMessage(stdin io.Reader, flagValue string, args []string) (string, error) {
	message := flagValue

	if len(args) > 0 {
		if message != "" {
			return "", errors.New("provide the message either as an argument or with --message, not both")
		}
		message = strings.Join(args, " ")
	}

	if strings.TrimSpace(message) != "" {
		return strings.TrimSpace(message), nil
	}

	if file, ok := stdin.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		return "", errors.New("message is required")
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	message = strings.TrimSpace(string(data))

	if message == "" {
		return "", errors.New("message is required")
	}
	return message, nil
}
