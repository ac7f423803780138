package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-engine/pkg/client"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
)

func init() {
	rootCmd.AddCommand(serversCmd, toolsCmd, resourcesCmd, promptsCmd)

	toolsCmd.AddCommand(toolsListCmd, toolsCallCmd)
	toolsListCmd.Flags().StringVarP(&toolServer, "server", "s", "", "only tools of this server")
	toolsListCmd.Flags().StringVarP(&toolSearch, "search", "q", "", "only tools whose name or description contains this")
	toolsCallCmd.Flags().StringVarP(&toolArgs, "args", "a", "{}", "arguments as a JSON object")

	resourcesCmd.AddCommand(resourcesListCmd, resourcesReadCmd, resourcesWatchCmd)
}

var (
	toolServer string
	toolSearch string
	toolArgs   string
)

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func table(cmd *cobra.Command) *tabwriter.Writer {
	return tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Connect to every configured server and show what it offers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		w := table(cmd)
		fmt.Fprintln(w, "SERVER\tNAME\tVERSION\tPROTOCOL\tTOOLS\tRESOURCES")
		for _, name := range h.Servers() {
			c, ok := h.Client(name)
			if !ok {
				continue
			}
			info := c.ServerInfo()
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", name, info.Name, info.Version, c.ProtocolVersion(),
				len(h.Registry().ListServer(name)), len(h.Resources().ServerResources(name)))
		}
		return w.Flush()
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and call tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools by qualified name",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		tools := h.Tools()
		if toolSearch != "" {
			tools = h.Registry().Search(toolSearch)
		}
		w := table(cmd)
		fmt.Fprintln(w, "TOOL\tDESCRIPTION")
		for _, t := range tools {
			if toolServer != "" && t.ServerName != toolServer {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\n", t.QualifiedName, firstLine(t.Tool.Description))
		}
		return w.Flush()
	},
}

var toolsCallCmd = &cobra.Command{
	Use:     "call <qualified-name>",
	Short:   "Call a tool",
	Example: `mcpctl -c engine.yaml tools call mcp__files__search --args '{"query":"todo"}'`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var toolArguments map[string]interface{}
		if err := json.Unmarshal([]byte(toolArgs), &toolArguments); err != nil {
			return fmt.Errorf("--args must be a JSON object: %w", err)
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		progress := client.WithProgress(func(p protocol.ProgressParams) {
			if p.Total > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "progress %.0f/%.0f %s\n", p.Progress, p.Total, p.Message)
			} else {
				fmt.Fprintf(cmd.ErrOrStderr(), "progress %.0f %s\n", p.Progress, p.Message)
			}
		})
		res, err := h.CallTool(ctx, args[0], toolArguments, progress)
		if err != nil {
			return err
		}
		printContent(cmd, res.Content)
		if res.IsError {
			return fmt.Errorf("tool %s reported an error", args[0])
		}
		return nil
	},
}

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "List, read and watch resources",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources by qualified URI",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		w := table(cmd)
		fmt.Fprintln(w, "URI\tMIME\tNAME")
		for _, r := range h.Resources().Resources() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.QualifiedURI, r.Resource.MimeType, r.Resource.Name)
		}
		return w.Flush()
	},
}

var resourcesReadCmd = &cobra.Command{
	Use:   "read <qualified-uri>",
	Short: "Read a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		res, err := h.ReadResource(ctx, args[0])
		if err != nil {
			return err
		}
		printResource(cmd, res)
		return nil
	},
}

var resourcesWatchCmd = &cobra.Command{
	Use:   "watch <qualified-uri>",
	Short: "Print a resource every time its server reports a change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		updates := make(chan resources.Update, 16)
		unsubscribe, err := h.SubscribeResource(ctx, args[0], func(u resources.Update) {
			select {
			case updates <- u:
			default:
				logger.Warn("dropping update, output is behind")
			}
		})
		if err != nil {
			return err
		}
		defer unsubscribe()

		for {
			select {
			case <-ctx.Done():
				return nil
			case u := <-updates:
				fmt.Fprintf(cmd.OutOrStdout(), "--- %s\n", u.QualifiedURI)
				if u.Contents != nil {
					printResource(cmd, u.Contents)
				}
			}
		}
	},
}

var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "List prompts of every server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()
		h, closeHub, err := openHub(ctx)
		if err != nil {
			return err
		}
		defer closeHub()

		prompts, err := h.Prompts(ctx)
		if err != nil {
			return err
		}
		w := table(cmd)
		fmt.Fprintln(w, "SERVER\tPROMPT\tARGUMENTS\tDESCRIPTION")
		for _, p := range prompts {
			names := make([]string, 0, len(p.Prompt.Arguments))
			for _, a := range p.Prompt.Arguments {
				if a.Required {
					names = append(names, a.Name+"*")
				} else {
					names = append(names, a.Name)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Server, p.Prompt.Name, strings.Join(names, ","), firstLine(p.Prompt.Description))
		}
		return w.Flush()
	},
}

func printContent(cmd *cobra.Command, content []protocol.Content) {
	out := cmd.OutOrStdout()
	for _, c := range content {
		if c.Type == protocol.ContentTypeText {
			fmt.Fprintln(out, c.Text)
			continue
		}
		fmt.Fprintf(out, "[%s %s]\n", c.Type, c.MimeType)
	}
}

func printResource(cmd *cobra.Command, res *protocol.ReadResourceResult) {
	out := cmd.OutOrStdout()
	for _, c := range res.Contents {
		if c.Blob != "" {
			fmt.Fprintf(out, "[%s: %d bytes base64]\n", c.URI, len(c.Blob))
			continue
		}
		fmt.Fprintln(out, c.Text)
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
