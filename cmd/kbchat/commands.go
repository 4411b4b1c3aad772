package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/kbchat/internal/api"
	"github.com/kalambet/kbchat/internal/catalog"
	"github.com/kalambet/kbchat/internal/config"
	"github.com/kalambet/kbchat/internal/conversation"
	"github.com/kalambet/kbchat/internal/ingest"
	"github.com/kalambet/kbchat/internal/stream"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and stream the answer",
	Long: `Ask a question and stream the answer from the running server.

Examples:
  kbchat ask "What does the starter plan include?"
  kbchat ask --tone "short and formal" "How do I reset my password?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tone, _ := cmd.Flags().GetString("tone")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return ask(cmd.Context(), client, strings.Join(args, " "), tone, cmd.OutOrStdout())
	},
}

func init() {
	askCmd.Flags().String("tone", "", "tone of the answer (default: server setting)")
}

type chatRequest struct {
	Question       string               `json:"question"`
	ChatHistory    conversation.History `json:"chat_history"`
	PromptModifier string               `json:"prompt_modifier,omitempty"`
}

// ask streams one answer to w: the text as it arrives, then any chart and
// the cited sources.
func ask(ctx context.Context, client *apiClient, question, tone string, w io.Writer) error {
	resp, err := client.post(ctx, "/chat", chatRequest{
		Question:       question,
		ChatHistory:    conversation.History{},
		PromptModifier: tone,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var sources []string
	dec := stream.NewDecoder(resp.Body)
	for {
		e, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("stream ended without a stop event")
		}
		if err != nil {
			return err
		}
		switch e.Type {
		case stream.TypeMetadata:
			sources = e.Sources
		case stream.TypeContent:
			fmt.Fprint(w, e.Content)
		case stream.TypeVisualization:
			if raw, ok := e.Data.(json.RawMessage); ok {
				fmt.Fprintf(w, "\n%s", raw)
			}
		case stream.TypeError:
			fmt.Fprintln(w)
			return fmt.Errorf("answer failed: %s", e.Message)
		case stream.TypeStop:
			fmt.Fprintln(w)
			printSources(w, sources)
			return nil
		}
	}
}

// --- products ---

var productsCmd = &cobra.Command{
	Use:   "products",
	Short: "List or add catalog products",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		products, err := listProducts(cmd.Context(), client, limit)
		if err != nil {
			return err
		}
		if len(products) == 0 {
			printWarning("No products found")
			return nil
		}
		for _, p := range products {
			fmt.Printf("%s  %s\n", colorize(colorBold, p.Name), p.Description)
		}
		return nil
	},
}

var productsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a product to the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		link, _ := cmd.Flags().GetString("link")
		icon, _ := cmd.Flags().GetString("icon")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/products", map[string]string{
			"name":        args[0],
			"description": description,
			"link":        link,
			"icon":        icon,
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Added product %s", result["key"])
		return nil
	},
}

func init() {
	productsCmd.Flags().Int("limit", 0, "maximum number of products (default: server setting)")
	productsAddCmd.Flags().String("description", "", "product description")
	productsAddCmd.Flags().String("link", "", "product link")
	productsAddCmd.Flags().String("icon", "", "icon name")
	productsCmd.AddCommand(productsAddCmd)
}

// listProducts collects the product events of a /products stream.
func listProducts(ctx context.Context, client *apiClient, limit int) ([]catalog.Product, error) {
	path := "/products"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := client.get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	events, err := stream.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var products []catalog.Product
	for _, e := range events {
		switch e.Type {
		case stream.TypeProduct:
			raw, ok := e.Data.(json.RawMessage)
			if !ok {
				continue
			}
			var p catalog.Product
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("decoding product: %w", err)
			}
			products = append(products, p)
		case stream.TypeError:
			return products, fmt.Errorf("product discovery failed: %s", e.Message)
		}
	}
	return products, nil
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage documents in the local index",
}

var documentsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a document to the local index",
	Long: `Add a document to the local index.

Examples:
  kbchat documents add --text "Support hours are 9 to 5 CET" --tags support
  kbchat documents add --url https://example.com/pricing --tags pricing
  kbchat documents add --file ./handbook.pdf --title "Handbook"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")
		title, _ := cmd.Flags().GetString("title")
		tagsStr, _ := cmd.Flags().GetString("tags")

		req, err := documentRequest(text, rawURL, file, title, tagsStr)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/documents", req)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued document %s", result["id"])
		return nil
	},
}

func init() {
	documentsAddCmd.Flags().String("text", "", "text content to add")
	documentsAddCmd.Flags().String("url", "", "URL to fetch and add")
	documentsAddCmd.Flags().String("file", "", "text, markdown, HTML or PDF file to add")
	documentsAddCmd.Flags().String("title", "", "title for the document")
	documentsAddCmd.Flags().String("tags", "", "comma-separated tags")
}

// documentRequest builds the POST /documents body from the add flags.
// Exactly one of text, rawURL and file is used, in that order.
func documentRequest(text, rawURL, file, title, tagsStr string) (api.DocumentRequest, error) {
	req := api.DocumentRequest{Title: title}
	if tagsStr != "" {
		for _, t := range strings.Split(tagsStr, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Tags = append(req.Tags, t)
			}
		}
	}

	switch {
	case text != "":
		req.Type = ingest.KindText
		req.Content = text
	case rawURL != "":
		req.Type = "url"
		req.URL = rawURL
	case file != "":
		kind := ingest.KindForPath(file)
		if kind == "" {
			return req, fmt.Errorf("unsupported file type %q", filepath.Ext(file))
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("reading file: %w", err)
		}
		req.Type = kind
		if kind == ingest.KindPDF {
			req.Content = base64.StdEncoding.EncodeToString(data)
		} else {
			req.Content = string(data)
		}
		if req.Title == "" {
			req.Title = filepath.Base(file)
		}
	default:
		return req, fmt.Errorf("one of --text, --url, or --file is required")
	}
	return req, nil
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/documents?limit=%d", limit))
		if err != nil {
			return err
		}
		var docs []struct {
			ID        string `json:"id"`
			Title     string `json:"title"`
			Source    string `json:"source"`
			Size      int    `json:"size"`
			CreatedAt string `json:"created_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			printWarning("No documents")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %s  %-6s %6d  %s\n", colorize(colorCyan, d.ID), d.CreatedAt, d.Source, d.Size, d.Title)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/documents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	documentsListCmd.Flags().Int("limit", 20, "maximum number of documents")
	documentsCmd.AddCommand(documentsAddCmd)
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
}

// --- mcp ---

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the assistant over MCP on stdin/stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// stdout carries the protocol; progress goes to stderr.
		a, err := buildApp(ctx, cfg, os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()
		a.background(ctx)

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Chat:      a.chat,
			Retriever: a.retriever,
			Products:  a.store,
			Customer:  cfg.Customer.Name,
			Version:   version,
		})
		slog.Info("MCP server started (stdio transport)")
		err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP server: %w", err)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			printStep("Valid keys: %s", strings.Join(config.ValidKeys(), ", "))
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
