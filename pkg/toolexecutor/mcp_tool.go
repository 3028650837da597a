package toolexecutor

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/harun/agentloop/pkg/message"
)

const (
	imageSentPlaceholder = "The tool returned an image, it has been sent to the user directly."
	fileSentPlaceholder  = "The tool returned a file, it has been sent to the user directly."
	unsupportedContent   = "The tool returned an unsupported content type."
)

// RemoteTool forwards calls to an MCP server session
type RemoteTool struct {
	server     string
	remoteName string
	session    Session
	owner      *serverHandle
}

// NewRemoteTool binds a remote tool name to a session.
func NewRemoteTool(server, remoteName string, session Session) *RemoteTool {
	return &RemoteTool{server: server, remoteName: remoteName, session: session}
}

// Server returns the MCP server name.
func (t *RemoteTool) Server() string {
	return t.server
}

// Execute implements Tool.
func (t *RemoteTool) Execute(ctx context.Context, args map[string]any) iter.Seq2[Output, error] {
	return func(yield func(Output, error) bool) {
		if t.session == nil {
			yield(Output{}, fmt.Errorf("MCP client for %s is not available", t.remoteName))
			return
		}
		res, err := t.session.CallTool(ctx, t.remoteName, args)
		if err != nil {
			yield(Output{}, err)
			return
		}
		for _, out := range contentOutputs(res) {
			if !yield(out, nil) {
				return
			}
		}
	}
}

// contentOutputs maps MCP content blocks to tool outputs, in order.
func contentOutputs(res *CallToolResult) []Output {
	if res == nil {
		return nil
	}
	outs := make([]Output, 0, len(res.Content))
	for _, c := range res.Content {
		switch c.Type {
		case "text":
			outs = append(outs, TextOutput(c.Text))
		case "image":
			outs = append(outs,
				TextOutput(imageSentPlaceholder),
				SendOutput(*message.NewChain().Base64Image(c.Data, c.MimeType)),
			)
		case "resource":
			outs = append(outs, resourceOutputs(c.Resource)...)
		default:
			outs = append(outs, TextOutput(unsupportedContent))
		}
	}
	if res.IsError {
		for i := range outs {
			if outs[i].Kind == OutputText {
				outs[i].Text = "error: " + outs[i].Text
				break
			}
		}
	}
	return outs
}

func resourceOutputs(r *ResourceContents) []Output {
	switch {
	case r == nil:
		return []Output{TextOutput(unsupportedContent)}
	case r.Text != "":
		return []Output{TextOutput(r.Text)}
	case r.Blob != "" && strings.HasPrefix(r.MimeType, "image/"):
		return []Output{
			TextOutput(imageSentPlaceholder),
			SendOutput(*message.NewChain().Base64Image(r.Blob, r.MimeType)),
		}
	case r.Blob != "":
		return []Output{
			TextOutput(fileSentPlaceholder),
			SendOutput(*message.NewChain().File(resourceName(r.URI), r.Blob, r.MimeType)),
		}
	default:
		return []Output{TextOutput(unsupportedContent)}
	}
}

func resourceName(uri string) string {
	if i := strings.LastIndex(uri, "/"); i >= 0 && i < len(uri)-1 {
		return uri[i+1:]
	}
	return uri
}
