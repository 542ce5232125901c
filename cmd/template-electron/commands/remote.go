package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srymh/template-electron/internal/logging"
	"github.com/srymh/template-electron/internal/transport/websocket"
	"github.com/srymh/template-electron/pkg/ipc"
	"github.com/srymh/template-electron/pkg/ipc/client"
)

var hostURL string

func init() {
	for _, cmd := range []*cobra.Command{channelsCmd, callCmd, watchCmd, chatCmd} {
		cmd.Flags().StringVar(&hostURL, "url", "", "WebSocket URL of the host (default from config)")
	}
}

// endpoints returns the WebSocket URL and the HTTP base URL of the host.
func endpoints() (string, string, *websocket.ClientOptions, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", "", nil, err
	}

	wsURL := hostURL
	if wsURL == "" {
		wsURL = fmt.Sprintf("ws://%s%s", cfg.Server.Addr(), cfg.WebSocket.Path)
	}
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", "", nil, fmt.Errorf("invalid host URL: %w", err)
	}
	base := *u
	base.Path, base.RawQuery = "", ""
	switch u.Scheme {
	case "ws":
		base.Scheme = "http"
	case "wss":
		base.Scheme = "https"
	default:
		return "", "", nil, fmt.Errorf("invalid host URL scheme: %s", u.Scheme)
	}

	opts := websocket.DefaultClientOptions()
	opts.URL = wsURL
	opts.MaxReconnectAttempts = cfg.WebSocket.MaxReconnectAttempts
	opts.ReconnectDelay = cfg.WebSocket.ReconnectDelay()
	return wsURL, base.String(), &opts, nil
}

func fetchChannels(ctx context.Context, base string) ([]ipc.ChannelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/channels", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list channels: %s", resp.Status)
	}
	var infos []ipc.ChannelInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	return infos, nil
}

// connect dials the host and builds the client API from its channel list.
func connect(ctx context.Context) (*client.API, func(), error) {
	_, base, opts, err := endpoints()
	if err != nil {
		return nil, nil, err
	}
	infos, err := fetchChannels(ctx, base)
	if err != nil {
		return nil, nil, err
	}
	desc, err := ipc.Unflatten(infos)
	if err != nil {
		return nil, nil, err
	}

	ws, err := websocket.Dial(ctx, *opts)
	if err != nil {
		return nil, nil, err
	}
	api, err := client.Build(desc, ws, client.WithLogger(logging.Component("client")))
	if err != nil {
		ws.Close()
		return nil, nil, err
	}
	return api, func() {
		api.Close()
		ws.Close()
	}, nil
}

// parseArgs reads each argument as JSON, falling back to a plain string.
func parseArgs(args []string) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if json.Valid([]byte(a)) {
			out[i] = json.RawMessage(a)
		} else {
			out[i] = a
		}
	}
	return out
}

func printJSON(data json.RawMessage) {
	var v any
	if len(data) == 0 || json.Unmarshal(data, &v) != nil {
		fmt.Println(string(data))
		return
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List the host's channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, base, _, err := endpoints()
		if err != nil {
			return err
		}
		infos, err := fetchChannels(cmd.Context(), base)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CHANNEL\tKIND")
		for _, info := range infos {
			fmt.Fprintf(w, "%s\t%s\n", info.Channel, info.Kind)
		}
		return w.Flush()
	},
}

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <channel> [json-args...]",
	Short: "Invoke a channel and print the result",
	Example: `  template-electron call theme.getTheme
  template-electron call theme.setTheme '{"theme":"dark"}'
  template-electron call fs.joinPath foo bar baz.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
		defer cancel()

		api, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := api.Invoke(ctx, args[0], parseArgs(args[1:])...)
		if err != nil {
			return err
		}
		printJSON(result)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <channel>",
	Short: "Print every push on an event channel until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		api, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		unsub, err := api.AddListener(args[0], func(data json.RawMessage) {
			printJSON(data)
		})
		if err != nil {
			return err
		}
		defer unsub()

		<-ctx.Done()
		return nil
	},
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Time to wait for the result")
}
