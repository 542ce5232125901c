package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/srymh/template-electron/internal/api/aichat"
	"github.com/srymh/template-electron/pkg/ipc/client"
	"github.com/srymh/template-electron/pkg/ipc/queue"
)

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a chat message and stream the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		api, closeFn, err := connect(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		content, _ := json.Marshal(strings.Join(args, " "))
		req := aichat.Request{Messages: []aichat.Message{{Role: "user", Content: content}}}
		return streamChat(ctx, api, req)
	},
}

func streamChat(ctx context.Context, api *client.API, req aichat.Request) error {
	var subErr, failure error

	subscribe := func(push func(aichat.Chunk)) func() {
		unsub, err := client.On(api, aichat.ChunkChannel, func(p aichat.Payload) { push(p.Chunk) })
		if err != nil {
			subErr = err
			return func() {}
		}
		return unsub
	}
	start := func(ctx context.Context) error {
		if subErr != nil {
			return subErr
		}
		_, err := client.Call[string](ctx, api, "aiChat.chat", req)
		return err
	}
	isDone := func(c aichat.Chunk) bool {
		if c.Type == aichat.ChunkError && c.Error != nil {
			failure = errors.New(c.Error.Message)
		}
		return c.Type == aichat.ChunkDone || c.Type == aichat.ChunkError
	}

	for chunk, err := range queue.Stream(ctx, subscribe, start, isDone) {
		if err != nil {
			return err
		}
		switch chunk.Type {
		case aichat.ChunkContent:
			fmt.Print(chunk.Delta)
		case aichat.ChunkToolCall:
			if chunk.ToolCall != nil {
				fmt.Printf("\n[tool %s %s]\n", chunk.ToolCall.Function.Name, chunk.ToolCall.Function.Arguments)
			}
		}
	}
	fmt.Println()
	return failure
}
