package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/mcp-engine/pkg/auth"
	"github.com/ajitpratap0/mcp-engine/pkg/logging"
	"github.com/ajitpratap0/mcp-engine/pkg/observability"
	"github.com/ajitpratap0/mcp-engine/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine/pkg/resources"
	"github.com/ajitpratap0/mcp-engine/pkg/server"
	"github.com/ajitpratap0/mcp-engine/pkg/transport"
)

// localServer names the file resources in the serve command's cache
const localServer = "local"

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveTransport, "transport", "t", string(transport.KindStdio), "stdio, streamable_http or sse")
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "127.0.0.1:8080", "listen address for HTTP transports")
	serveCmd.Flags().StringVarP(&serveRoot, "root", "r", ".", "directory whose files are served as resources")
	serveCmd.Flags().StringSliceVar(&serveOrigins, "allow-origin", nil, "browser origins allowed to connect (default: localhost)")
	serveCmd.Flags().StringSliceVar(&serveTokens, "token", nil, "bearer tokens HTTP clients must present (default: none required)")
}

var (
	serveTransport string
	serveAddr      string
	serveRoot      string
	serveOrigins   []string
	serveTokens    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the files under a directory as resources",
	Long: `Serve the files under a directory as resources, with tools to search them
and a prompt to summarize one. Clients that subscribe to a file are told
when it changes on disk.`,
	Example: `mcpctl serve --root ./docs
mcpctl serve --transport streamable_http --addr :8080 --root ./docs`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		metrics, stopTelemetry, err := telemetry("mcpctl-serve")
		if err != nil {
			return err
		}
		defer stopTelemetry()

		files, err := newFileServer(ctx, serveRoot, metrics)
		if err != nil {
			return err
		}
		defer files.close()

		switch transport.Kind(serveTransport) {
		case transport.KindStdio:
			return files.serveStdio(ctx)
		case transport.KindStreamableHTTP:
			return files.serveHTTP(ctx, server.NewHTTPHandler(files.build, files.httpOptions()...), "/mcp")
		case transport.KindSSE:
			h := server.NewSSEHandler(files.build, append(files.httpOptions(), server.WithMessagePath("/message"))...)
			return files.serveHTTP(ctx, h, "/sse", "/message")
		default:
			return fmt.Errorf("unknown transport %q", serveTransport)
		}
	},
}

// fileServer builds one protocol server per connection over a shared file
// cache and watcher
type fileServer struct {
	fetcher    *resources.FileFetcher
	manager    *resources.Manager
	watcher    *resources.FileWatcher
	metrics    *observability.Metrics
	closeCache func()

	mu sync.Mutex
	// each visits every live protocol server
	each func(func(*server.Server))
}

func newFileServer(ctx context.Context, root string, metrics *observability.Metrics) (*fileServer, error) {
	fetcher, err := resources.NewFileFetcher(root)
	if err != nil {
		return nil, err
	}
	list, err := fetcher.List()
	if err != nil {
		return nil, err
	}
	cache, closeCache, err := cacheOptions()
	if err != nil {
		return nil, err
	}
	manager := resources.NewManager(fetcher.Fetch, append(cache,
		resources.WithLogger(logger), resources.WithMetrics(metrics))...)
	if err := manager.RegisterResources(ctx, localServer, list); err != nil {
		closeCache()
		return nil, err
	}

	s := &fileServer{
		fetcher:    fetcher,
		manager:    manager,
		metrics:    metrics,
		closeCache: closeCache,
		each:       func(func(*server.Server)) {},
	}
	s.watcher, err = resources.NewFileWatcher(manager, localServer, fetcher,
		resources.WithWatcherLogger(logger),
		resources.WithChangeHook(s.changed))
	if err != nil {
		closeCache()
		return nil, err
	}
	for _, r := range list {
		if err := s.watcher.Watch(r.URI); err != nil {
			logger.Warn("cannot watch file", logging.String("uri", r.URI), logging.ErrorField(err))
		}
	}
	logger.Info("serving files", logging.String("root", fetcher.Root()), logging.Int("files", len(list)))
	return s, nil
}

func (s *fileServer) close() {
	_ = s.watcher.Close()
	s.closeCache()
}

func (s *fileServer) setEach(each func(func(*server.Server))) {
	s.mu.Lock()
	s.each = each
	s.mu.Unlock()
}

func (s *fileServer) changed(uri string) {
	s.mu.Lock()
	each := s.each
	s.mu.Unlock()
	each(func(srv *server.Server) {
		if err := srv.NotifyResourceUpdated(context.Background(), uri); err != nil {
			logger.Debug("update not delivered", logging.String("uri", uri), logging.ErrorField(err))
		}
	})
}

type searchArgs struct {
	Query string `json:"query" jsonschema:"required,description=Text to look for in file names"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of results"`
}

type readArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path relative to the served directory"`
}

// build is a server.Factory
func (s *fileServer) build(t transport.Transport) *server.Server {
	srv := server.New(t,
		server.WithServerInfo("mcpctl-files", Version),
		server.WithInstructions("Files under "+s.fetcher.Root()+" are resources. Use search_files to find them."),
		server.WithToolsCapability(false),
		server.WithResourcesCapability(true, false),
		server.WithPromptsCapability(false),
		server.WithLogging(),
		server.WithLogger(logger),
		server.WithMetrics(s.metrics),
	)

	search, searchHandler, err := server.NewTypedTool("search_files", "Finds files whose name contains a query",
		func(ctx context.Context, args searchArgs) (*protocol.CallToolResult, error) {
			limit := args.Limit
			if limit <= 0 {
				limit = 20
			}
			query := strings.ToLower(args.Query)
			var lines []string
			for _, r := range s.manager.ServerResources(localServer) {
				if strings.Contains(strings.ToLower(r.Resource.Name), query) {
					lines = append(lines, r.Resource.URI)
					if len(lines) == limit {
						break
					}
				}
			}
			if len(lines) == 0 {
				return protocol.NewToolResultText("no files match " + args.Query), nil
			}
			return protocol.NewToolResultText(strings.Join(lines, "\n")), nil
		})
	if err == nil {
		err = srv.RegisterTool(search, searchHandler)
	}
	read, readHandler, rerr := server.NewTypedTool("read_file", "Returns the text of a file",
		func(ctx context.Context, args readArgs) (*protocol.CallToolResult, error) {
			uri := resources.FileURI(filepath.Join(s.fetcher.Root(), filepath.FromSlash(args.Path)))
			res, err := s.manager.ReadResource(ctx, localServer, uri)
			if err != nil {
				return nil, err
			}
			return protocol.NewToolResultText(res.Contents[0].Text), nil
		})
	if rerr == nil {
		rerr = srv.RegisterTool(read, readHandler)
	}
	if err = errors.Join(err, rerr); err != nil {
		logger.Error("tool registration failed", logging.ErrorField(err))
	}

	for _, r := range s.manager.ServerResources(localServer) {
		if err := srv.RegisterResource(r.Resource, s.readResource); err != nil {
			logger.Warn("resource registration failed", logging.String("uri", r.Resource.URI), logging.ErrorField(err))
		}
	}

	err = srv.RegisterPrompt(protocol.Prompt{
		Name:        "summarize_file",
		Description: "Asks for a summary of one file",
		Arguments:   []protocol.PromptArgument{{Name: "uri", Description: "file:// URI of the file", Required: true}},
	}, s.summarizePrompt)
	if err != nil {
		logger.Error("prompt registration failed", logging.ErrorField(err))
	}
	return srv
}

func (s *fileServer) readResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	return s.manager.ReadResource(ctx, localServer, uri)
}

func (s *fileServer) summarizePrompt(ctx context.Context, args map[string]string) (*protocol.GetPromptResult, error) {
	res, err := s.manager.ReadResource(ctx, localServer, args["uri"])
	if err != nil {
		return nil, err
	}
	return &protocol.GetPromptResult{
		Description: "Summary of " + args["uri"],
		Messages: []protocol.PromptMessage{{
			Role:    protocol.RoleUser,
			Content: protocol.TextContent("Summarize this file in a few sentences:\n\n" + res.Contents[0].Text),
		}},
	}, nil
}

func (s *fileServer) serveStdio(ctx context.Context) error {
	srv := s.build(transport.NewStdioTransport(os.Stdin, os.Stdout,
		transport.WithLogger(logger), transport.WithMetrics(s.metrics)))
	s.setEach(func(fn func(*server.Server)) { fn(srv) })
	return srv.Serve(ctx)
}

type sessionHandler interface {
	http.Handler
	Each(func(*server.Server))
	Close() error
}

func (s *fileServer) httpOptions() []server.HTTPOption {
	opts := []server.HTTPOption{server.WithHTTPLogger(logger)}
	if len(serveOrigins) > 0 {
		opts = append(opts, server.WithAllowedOrigins(serveOrigins...))
	}
	return opts
}

func (s *fileServer) serveHTTP(ctx context.Context, h sessionHandler, paths ...string) error {
	s.setEach(h.Each)
	defer h.Close()

	mux := http.NewServeMux()
	var wrapped http.Handler = h
	if len(serveTokens) > 0 {
		tokens := make(map[string]*auth.UserInfo, len(serveTokens))
		for _, tok := range serveTokens {
			tokens[tok] = nil
		}
		wrapped = auth.HTTPMiddleware(auth.NewStaticTokens(tokens), auth.WithLogger(logger))(wrapped)
	}
	wrapped = logging.HTTPMiddleware(logger)(wrapped)
	for _, p := range paths {
		mux.Handle(p, wrapped)
	}
	srv := &http.Server{Addr: serveAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("listening", logging.String("addr", serveAddr), logging.String("path", paths[0]))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
