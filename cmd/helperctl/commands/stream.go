package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
)

func streamCmd(g *globals) *cobra.Command {
	var caller, operation string
	var count int
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Follow receipts as calls settle or revert",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := streamURL(g.endpoint, caller, operation)
			if err != nil {
				return err
			}
			header := http.Header{}
			if g.token != "" {
				header.Set("Authorization", "Bearer "+g.token)
			}
			dialCtx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
			conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{HTTPHeader: header})
			cancel()
			if err != nil {
				return fmt.Errorf("dial %s: %w", target, err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "bye")

			out := cmd.OutOrStdout()
			for seen := 0; count <= 0 || seen < count; seen++ {
				_, data, err := conn.Read(cmd.Context())
				if err != nil {
					if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				fmt.Fprintln(out, string(data))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&caller, "caller", "", "follow another caller (admin only)")
	cmd.Flags().StringVar(&operation, "operation", "", "only this operation")
	cmd.Flags().IntVar(&count, "count", 0, "exit after this many receipts")
	return cmd
}

func streamURL(endpoint, caller, operation string) (string, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("endpoint: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("endpoint: unsupported scheme %q", u.Scheme)
	}
	u.Path += "/v1/receipts/stream"
	query := url.Values{}
	if caller != "" {
		query.Set("caller", caller)
	}
	if operation != "" {
		query.Set("operation", operation)
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}
