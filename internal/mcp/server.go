// Package mcp exposes the tool registry over the Model Context Protocol and
// routes every call through the session multiplexer.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/litesql/databricks-mcp/internal/invoke"
	"github.com/litesql/databricks-mcp/internal/session"
	"github.com/litesql/databricks-mcp/internal/tools"
)

const (
	implementationName = "databricks-mcp"
	sessionIDHeader    = "Mcp-Session-Id"
	methodInitialize   = "initialize"
)

const instructions = `Use the query tool to run SQL on the Databricks SQL warehouse.
It returns the column names followed by at most 10 sample rows.
Use the buildSelectPrompt prompt to draft a SELECT statement for a table.`

type Config struct {
	Logger      *slog.Logger
	Multiplexer *session.Multiplexer
	Registry    *tools.Registry
	Version     string

	// SessionIdleTimeout closes HTTP sessions that sent no request for this
	// long, so clients that vanish without ending their session are
	// released. Zero keeps idle sessions open.
	SessionIdleTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if cfg.Multiplexer == nil {
		return fmt.Errorf("multiplexer is required")
	}
	if cfg.Registry == nil {
		return fmt.Errorf("registry is required")
	}
	if cfg.SessionIdleTimeout < 0 {
		return fmt.Errorf("session idle timeout must be positive")
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log *slog.Logger
	cfg Config
	mcp *mcp.Server

	mu       sync.Mutex
	sessions map[*mcp.ServerSession]*session.Session
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mcp server config: %w", err)
	}

	s := &Server{
		log:      cfg.Logger,
		cfg:      cfg,
		sessions: make(map[*mcp.ServerSession]*session.Session),
	}
	s.mcp = mcp.NewServer(&mcp.Implementation{
		Name:    implementationName,
		Version: cfg.Version,
	}, &mcp.ServerOptions{Instructions: instructions})

	for _, e := range cfg.Registry.Entries(tools.KindTool) {
		s.mcp.AddTool(&mcp.Tool{
			Name:        e.Name,
			Description: e.Description,
			InputSchema: inputSchema(e.Arguments),
		}, s.toolHandler(e.Name))
	}
	for _, e := range cfg.Registry.Entries(tools.KindPrompt) {
		s.mcp.AddPrompt(&mcp.Prompt{
			Name:        e.Name,
			Description: e.Description,
			Arguments:   promptArguments(e.Arguments),
		}, s.promptHandler(e.Name))
	}
	s.mcp.AddReceivingMiddleware(s.middleware)

	return s, nil
}

func inputSchema(args []tools.Argument) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(args)),
	}
	for _, a := range args {
		schema.Properties[a.Name] = &jsonschema.Schema{Type: "string", Description: a.Description}
		if a.Required {
			schema.Required = append(schema.Required, a.Name)
		}
	}
	return schema
}

func promptArguments(args []tools.Argument) []*mcp.PromptArgument {
	list := make([]*mcp.PromptArgument, 0, len(args))
	for _, a := range args {
		list = append(list, &mcp.PromptArgument{
			Name:        a.Name,
			Description: a.Description,
			Required:    a.Required,
		})
	}
	return list
}

func (s *Server) toolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.callTool(ctx, req.Session, name, req.Params.Arguments)
	}
}

func (s *Server) promptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return s.getPrompt(ctx, req.Session, name, req.Params.Arguments)
	}
}

// middleware opens a session once the client finished the handshake and
// answers calls for names the MCP server does not know, so those get the
// same error shape as every other failed invocation.
func (s *Server) middleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		switch r := req.(type) {
		case *mcp.CallToolRequest:
			if e, ok := s.cfg.Registry.Lookup(r.Params.Name); !ok || e.Kind != tools.KindTool {
				res, err := s.callTool(ctx, r.Session, r.Params.Name, r.Params.Arguments)
				if err != nil {
					return nil, err
				}
				return res, nil
			}
		case *mcp.GetPromptRequest:
			if e, ok := s.cfg.Registry.Lookup(r.Params.Name); !ok || e.Kind != tools.KindPrompt {
				res, err := s.getPrompt(ctx, r.Session, r.Params.Name, r.Params.Arguments)
				if err != nil {
					return nil, err
				}
				return res, nil
			}
		}

		res, err := next(ctx, method, req)
		if err == nil && method == methodInitialize {
			if ss, ok := req.GetSession().(*mcp.ServerSession); ok {
				if _, err := s.session(ss); err != nil {
					s.log.Warn("mcp: failed to open session", "error", err)
				}
			}
		}
		return res, err
	}
}

func (s *Server) callTool(ctx context.Context, ss *mcp.ServerSession, name string, raw []byte) (*mcp.CallToolResult, error) {
	args, err := decodeArguments(raw)
	if err != nil {
		return errorResult(err), nil
	}
	resp, err := s.dispatch(ctx, ss, invoke.Request{Operation: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return errorResult(resp.Err), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: resp.Result}},
	}, nil
}

func (s *Server) getPrompt(ctx context.Context, ss *mcp.ServerSession, name string, in map[string]string) (*mcp.GetPromptResult, error) {
	args := make(map[string]any, len(in))
	for k, v := range in {
		args[k] = v
	}
	resp, err := s.dispatch(ctx, ss, invoke.Request{Operation: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	if resp.Failed() {
		return nil, resp.Err
	}
	return &mcp.GetPromptResult{
		Description: fmt.Sprintf("%s prompt", name),
		Messages: []*mcp.PromptMessage{
			{Role: "user", Content: &mcp.TextContent{Text: resp.Result}},
		},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}

// decodeArguments turns the raw call arguments into a map. Absent arguments
// decode to an empty map.
func decodeArguments(raw []byte) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, invoke.Errorf(invoke.InvalidArguments, "arguments must be a JSON object: %v", err)
	}
	return args, nil
}

func (s *Server) dispatch(ctx context.Context, ss *mcp.ServerSession, req invoke.Request) (invoke.Response, error) {
	sess, err := s.session(ss)
	if err != nil {
		var ie *invoke.Error
		if errors.As(err, &ie) {
			return invoke.Failure(ie), nil
		}
		return invoke.Response{}, err
	}
	return s.cfg.Multiplexer.Dispatch(ctx, sess, req)
}

// session returns the multiplexer session bound to ss, opening it on first
// use. Streamable HTTP sessions keep their protocol session id, stdio ones
// get a generated id.
func (s *Server) session(ss *mcp.ServerSession) (*session.Session, error) {
	if ss == nil {
		return nil, fmt.Errorf("request has no session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[ss]; ok {
		return sess, nil
	}
	id, transport := ss.ID(), session.TransportHTTP
	if id == "" {
		transport = session.TransportStdio
	}
	sess, err := s.cfg.Multiplexer.Open(id, transport)
	if err != nil {
		return nil, err
	}
	s.sessions[ss] = sess
	return sess, nil
}

// release closes the multiplexer session bound to ss.
func (s *Server) release(ss *mcp.ServerSession) {
	s.mu.Lock()
	sess, ok := s.sessions[ss]
	delete(s.sessions, ss)
	s.mu.Unlock()
	if ok {
		s.cfg.Multiplexer.Close(sess.ID())
	}
}

// closeByID closes the multiplexer session with the given id. The binding is
// kept so late calls on the same protocol session see a closed session.
func (s *Server) closeByID(id string) {
	if s.cfg.Multiplexer.Close(id) {
		s.log.Debug("mcp: client ended session", "session", id)
	}
}

// Alive reports whether the protocol session behind id is still connected.
// Bindings of disconnected sessions are dropped.
func (s *Server) Alive(id string) bool {
	live := make(map[*mcp.ServerSession]struct{})
	for ss := range s.mcp.Sessions() {
		live[ss] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	alive := false
	for ss, sess := range s.sessions {
		if sess.ID() != id {
			continue
		}
		if _, ok := live[ss]; ok {
			alive = true
			continue
		}
		delete(s.sessions, ss)
	}
	return alive
}

// HTTPHandler serves the streamable HTTP transport. Every protocol session
// becomes its own multiplexer session. Sessions idle for longer than
// SessionIdleTimeout are closed by the transport and then reaped.
func (s *Server) HTTPHandler() http.Handler {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return s.mcp
	}, &mcp.StreamableHTTPOptions{
		SessionTimeout: s.cfg.SessionIdleTimeout,
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
		if r.Method == http.MethodDelete {
			if id := r.Header.Get(sessionIDHeader); id != "" {
				s.closeByID(id)
			}
		}
	})
}

// Serve runs a single session over t until the peer disconnects or ctx is
// done.
func (s *Server) Serve(ctx context.Context, t mcp.Transport) error {
	ss, err := s.mcp.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = ss.Close()
	})
	defer stop()

	err = ss.Wait()
	s.release(ss)
	if err != nil && !errors.Is(err, io.EOF) && ctx.Err() == nil {
		return fmt.Errorf("session ended: %w", err)
	}
	return nil
}

// RunStdio serves one client over stdin and stdout.
func (s *Server) RunStdio(ctx context.Context) error {
	s.log.Info("mcp: serving on stdio")
	return s.Serve(ctx, &mcp.StdioTransport{})
}
