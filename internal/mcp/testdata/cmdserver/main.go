package main

import (
	"context"
	"fmt"
	"log"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

type userInputArgs struct {
	Topic         string `json:"topic,omitempty"`
	Transcript    string `json:"transcript,omitempty"`
	Sequence      int    `json:"sequence,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func main() {
	server := sdk.NewServer(&sdk.Implementation{Name: "transcript-sink", Version: "1.0.0"}, nil)

	sdk.AddTool(server, &sdk.Tool{Name: "user_input", Description: "accept a transcript"}, func(ctx context.Context, req *sdk.CallToolRequest, args userInputArgs) (*sdk.CallToolResult, any, error) {
		return &sdk.CallToolResult{
			Content: []sdk.Content{
				&sdk.TextContent{Text: fmt.Sprintf("%d:%s", args.Sequence, args.Transcript)},
			},
		}, nil, nil
	})

	if err := server.Run(context.Background(), &sdk.StdioTransport{}); err != nil {
		log.Printf("server exited: %v", err)
	}
}
