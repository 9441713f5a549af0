package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sandlib "github.com/AnishMulay/sandmem/clients/library"
	grpccomm "github.com/AnishMulay/sandmem/internal/communication/grpc"
	"github.com/AnishMulay/sandmem/internal/log_service"
	"github.com/AnishMulay/sandmem/internal/log_service/localdisc"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"
)

type ServerEntry struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type MCPConfig struct {
	Servers       []ServerEntry `yaml:"servers"`
	DefaultServer string        `yaml:"default_server"`
	UID           uint32        `yaml:"uid"`
	GID           uint32        `yaml:"gid"`
	LogDir        string        `yaml:"log_dir"`
}

type ServerRegistry struct {
	Clients       map[string]*sandlib.SandmemClient
	DefaultServer string
}

func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		defaultConfig := &MCPConfig{
			Servers:       []ServerEntry{{ID: "local", Address: "localhost:8080"}},
			DefaultServer: "local",
			LogDir:        "./run/logs",
		}

		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		data, err := yaml.Marshal(defaultConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return defaultConfig, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	config := &MCPConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}

func (r *ServerRegistry) client(request mcp.CallToolRequest) (*sandlib.SandmemClient, error) {
	serverID := request.GetString("server", r.DefaultServer)
	c, ok := r.Clients[serverID]
	if !ok {
		return nil, fmt.Errorf("server %s not found", serverID)
	}
	return c, nil
}

type toolFunc func(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error)

func (r *ServerRegistry) wrap(fn toolFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := r.client(request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := fn(ctx, c, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(text), nil
	}
}

func pathTool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	opts = append([]mcp.ToolOption{
		mcp.WithDescription(description),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path inside the filesystem")),
		mcp.WithString("server", mcp.Description("Server id from the registry, defaults to the default server")),
	}, opts...)
	return mcp.NewTool(name, opts...)
}

func addTools(s *server.MCPServer, registry *ServerRegistry) {
	listServersTool := mcp.NewTool("list_servers",
		mcp.WithDescription("List all configured engine servers"),
	)
	s.AddTool(listServersTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var b strings.Builder
		b.WriteString("Available servers:\n")
		for id, c := range registry.Clients {
			fmt.Fprintf(&b, "- %s: %s\n", id, c.ServerAddr)
		}
		fmt.Fprintf(&b, "Default server: %s\n", registry.DefaultServer)
		return mcp.NewToolResultText(b.String()), nil
	})

	s.AddTool(pathTool("stat", "Show the attributes of a file or directory"), registry.wrap(handleStat))
	s.AddTool(pathTool("readdir", "List a directory"), registry.wrap(handleReadDir))
	s.AddTool(pathTool("mkdir", "Create a directory",
		mcp.WithBoolean("recursive", mcp.Description("Create missing parents")),
	), registry.wrap(handleMkdir))
	s.AddTool(pathTool("create", "Create a file, optionally with text content",
		mcp.WithString("content", mcp.Description("Initial file content")),
	), registry.wrap(handleCreate))
	s.AddTool(pathTool("remove", "Remove a file or an empty directory",
		mcp.WithBoolean("directory", mcp.Description("Remove a directory instead of a file")),
	), registry.wrap(handleRemove))
	s.AddTool(pathTool("rename", "Rename or move a file or directory",
		mcp.WithString("target", mcp.Required(), mcp.Description("Destination path")),
		mcp.WithString("flag", mcp.Description("none, exchange, no-replace or force")),
	), registry.wrap(handleRename))

	fsStatTool := mcp.NewTool("fsstat",
		mcp.WithDescription("Show block and inode usage"),
		mcp.WithString("server", mcp.Description("Server id from the registry")),
	)
	s.AddTool(fsStatTool, registry.wrap(handleFsStat))
}

func handleStat(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	attr, err := c.Stat(ctx, path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: inode=%d type=%s mode=%#o uid=%d gid=%d size=%s links=%d open=%d writing=%t modified=%s",
		path, attr.InodeID, attr.Type, attr.Mode, attr.UID, attr.GID, humanize.IBytes(uint64(attr.Size)),
		attr.LinkCount, attr.OpenCount, attr.Writing, humanize.Time(attr.ModifyTime)), nil
}

func handleReadDir(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	entries, err := c.ReadDir(ctx, path)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%-9s %8d %s\n", e.Type, e.InodeID, e.Name)
	}
	if len(entries) == 0 {
		b.WriteString("(empty)\n")
	}
	return b.String(), nil
}

func handleMkdir(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	if request.GetBool("recursive", false) {
		err = c.MkdirAll(ctx, path, 0o755)
	} else {
		err = c.Mkdir(ctx, path, 0o755)
	}
	if err != nil {
		return "", err
	}
	return "Created directory " + path, nil
}

func handleCreate(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	fd, err := c.Create(ctx, path, 0o644)
	if err != nil {
		return "", err
	}
	var written int
	if content := request.GetString("content", ""); content != "" {
		written, err = c.Write(ctx, fd, []byte(content))
	}
	if closeErr := c.Close(ctx, fd); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Created %s (%s)", path, humanize.IBytes(uint64(written))), nil
}

func handleRemove(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	if request.GetBool("directory", false) {
		err = c.Rmdir(ctx, path)
	} else {
		err = c.Unlink(ctx, path)
	}
	if err != nil {
		return "", err
	}
	return "Removed " + path, nil
}

func parseRenameFlag(s string) (ns.RenameFlag, error) {
	for _, f := range []ns.RenameFlag{ns.RenameNone, ns.RenameExchange, ns.RenameNoReplace, ns.RenameForce} {
		if f.String() == s {
			return f, nil
		}
	}
	return ns.RenameNone, errors.New("unknown rename flag " + s)
}

func handleRename(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return "", err
	}
	target, err := request.RequireString("target")
	if err != nil {
		return "", err
	}
	flag, err := parseRenameFlag(request.GetString("flag", "none"))
	if err != nil {
		return "", err
	}
	if err := c.Rename(ctx, path, target, flag); err != nil {
		return "", err
	}
	return fmt.Sprintf("Renamed %s to %s", path, target), nil
}

func handleFsStat(ctx context.Context, c *sandlib.SandmemClient, request mcp.CallToolRequest) (string, error) {
	stats, err := c.FsStat(ctx)
	if err != nil {
		return "", err
	}
	used := stats.TotalBlocks - stats.FreeBlocks
	return fmt.Sprintf("blocks: %d/%d used (%s of %s), inodes: %d, open handles: %d/%d",
		used, stats.TotalBlocks,
		humanize.IBytes(used*stats.BlockSize), humanize.IBytes(stats.TotalBlocks*stats.BlockSize),
		stats.UsedInodes, stats.OpenHandles, stats.MaxOpenFiles), nil
}

func main() {
	configPath := os.Getenv("SANDMEM_MCP_CONFIG")
	if configPath == "" {
		configPath = "./run/mcp.yaml"
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logs, err := localdisc.NewLocalDiscLogService(config.LogDir, "mcp", log_service.InfoLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log: %v\n", err)
		os.Exit(1)
	}
	defer logs.Close()

	comm := grpccomm.NewGRPCCommunicator("", logs)
	defer comm.Stop()

	caller := ns.Caller{UID: config.UID, GID: config.GID}
	registry := &ServerRegistry{
		Clients:       make(map[string]*sandlib.SandmemClient, len(config.Servers)),
		DefaultServer: config.DefaultServer,
	}
	for _, entry := range config.Servers {
		registry.Clients[entry.ID] = sandlib.NewSandmemClient(entry.Address, comm, caller)
	}

	s := server.NewMCPServer(
		"sandmem",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, registry)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
	}
}
