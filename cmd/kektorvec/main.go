package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sanonone/kektorvec/internal/config"
	kmcp "github.com/sanonone/kektorvec/internal/mcp"
	"github.com/sanonone/kektorvec/internal/server"
	"github.com/sanonone/kektorvec/pkg/core/types"
	"github.com/sanonone/kektorvec/pkg/embeddings"
	"github.com/sanonone/kektorvec/pkg/engine"
	"github.com/sanonone/kektorvec/pkg/ingest"
)

// exampleQuestions are asked in query mode when no question is given.
var exampleQuestions = []string{
	"What was NVIDIA's first graphics accelerator called?",
	"Which company did NVIDIA acquire to enter the mobile processor market?",
	"What was Microsoft's first hardware product release?",
	"How much did Microsoft pay to acquire GitHub?",
	"In what year did Tesla begin production of the Roadster?",
	"Who succeeded Ze'ev Drori as CEO in October 2008?",
	"What was the name of the autonomous spaceport drone ship that achieved the first successful sea landing?",
	"What was the original name of Microsoft before it became Microsoft?",
}

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file (defaults are used if empty)")
	mode := flag.String("mode", "serve", "Run mode: serve (HTTP API), ingest (index the files given as arguments), query (ask questions and exit) or mcp (tools over stdio)")
	k := flag.Int("k", 3, "Number of results per question in query mode")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	// stdout belongs to the MCP protocol and to query output; logs go to stderr.
	var handler slog.Handler
	if *mode == "serve" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))

	embedder, err := cfg.NewEmbedder()
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}

	eng, err := engine.Open(cfg.EngineOptions())
	if err != nil {
		log.Fatalf("Failed to open index in %s: %v", cfg.DataDir, err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "serve":
		err = serve(ctx, eng, embedder, cfg)
	case "ingest":
		err = runIngest(ctx, eng, embedder, cfg, flag.Args())
	case "query":
		questions := flag.Args()
		if len(questions) == 0 {
			questions = exampleQuestions
		}
		err = runQueries(ctx, os.Stdout, eng, embedder, questions, *k)
	case "mcp":
		slog.Info("Starting MCP server on stdio")
		err = kmcp.NewMCPServer(eng, embedder).Run(ctx, &mcp.StdioTransport{})
	default:
		err = fmt.Errorf("unknown mode %q (use serve, ingest, query or mcp)", *mode)
	}
	if err != nil {
		slog.Error("kektorvec stopped with an error", "mode", *mode, "error", err)
		eng.Close()
		os.Exit(1)
	}
}

func serve(ctx context.Context, eng *engine.Engine, embedder embeddings.Embedder, cfg config.Config) error {
	srv := server.NewServer(eng, embedder, cfg.HTTP.Addr, cfg.AuthToken())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.Shutdown()
	if err := eng.Save(); err != nil {
		return fmt.Errorf("final snapshot failed: %w", err)
	}
	return nil
}

// runIngest indexes the given files and directories and writes a snapshot.
func runIngest(ctx context.Context, eng *engine.Engine, embedder embeddings.Embedder, cfg config.Config, paths []string) error {
	if len(paths) == 0 {
		return errors.New("ingest mode needs at least one file or directory argument")
	}
	rep, err := ingest.New(eng, embedder, cfg.IngestOptions()).IngestPaths(ctx, paths...)
	slog.Info("Ingestion finished", "files", rep.Files, "chunks", rep.Chunks, "skipped", rep.Skipped)
	if err != nil {
		return err
	}
	return eng.Save()
}

// runQueries embeds each question and prints its k most similar documents.
func runQueries(ctx context.Context, w io.Writer, eng *engine.Engine, embedder embeddings.Embedder, questions []string, k int) error {
	for i, q := range questions {
		results, err := eng.SearchText(ctx, embedder, q, k, nil)
		if err != nil && !errors.Is(err, types.ErrEmptyIndex) {
			return fmt.Errorf("query %d: %w", i+1, err)
		}
		printResults(w, i+1, q, results)
	}
	return nil
}

func printResults(w io.Writer, n int, question string, results []types.Result) {
	fmt.Fprintf(w, "\n%s Query %d %s\n", strings.Repeat("=", 20), n, strings.Repeat("=", 20))
	fmt.Fprintf(w, "Question: %s\n", question)
	fmt.Fprintln(w, "\n--- Top Relevant Context ---")
	if len(results) == 0 {
		fmt.Fprintln(w, "No relevant documents found.")
		return
	}
	for j, r := range results {
		fmt.Fprintf(w, "[%d] (%.4f) %s\n", j+1, r.Similarity, snippet(r, 200))
	}
}

// snippet returns the first limit runes of the document text with whitespace
// collapsed, or the metadata when the record carries no text.
func snippet(r types.Result, limit int) string {
	text, ok := r.Metadata["text"].(string)
	if !ok {
		return fmt.Sprintf("#%d %v", r.ID, r.Metadata)
	}
	text = strings.Join(strings.Fields(text), " ")
	if runes := []rune(text); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return text
}
