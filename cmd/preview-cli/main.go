// Package main provides a CLI tool for one-shot project previews.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/preview/internal/diff"
	"github.com/fruitsalade/preview/internal/highlight"
	"github.com/fruitsalade/preview/internal/preview"
	"github.com/fruitsalade/preview/pkg/client"
	"github.com/fruitsalade/preview/pkg/models"
	"github.com/fruitsalade/preview/pkg/retry"
	"github.com/fruitsalade/preview/pkg/tree"
)

// optionFlags collects repeated -option key=v1,v2 flags.
type optionFlags map[string][]string

func (o optionFlags) String() string {
	parts := make([]string, 0, len(o))
	for k, v := range o {
		parts = append(parts, k+"="+strings.Join(v, ","))
	}
	return strings.Join(parts, " ")
}

func (o optionFlags) Set(s string) error {
	key, values, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value[,value], got %q", s)
	}
	o[key] = append(o[key], splitList(values)...)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func main() {
	generatorURL := flag.String("generator", envOr("GENERATOR_URL", "http://localhost:8081"), "Generator URL")
	metadataURL := flag.String("metadata", os.Getenv("METADATA_URL"), "Metadata URL (default: generator URL)")
	language := flag.String("language", "java", "Project language")
	buildTool := flag.String("build-tool", "maven", "Build tool")
	groupID := flag.String("group", "com.example", "Group ID")
	artifactID := flag.String("artifact", "demo", "Artifact ID")
	deps := flag.String("deps", "", "Comma-separated dependency IDs")
	format := flag.String("format", "text", "Output format: text, json, yaml")
	theme := flag.String("theme", "", "Highlight theme for file (text format shows plain lines)")
	timeout := flag.Duration("timeout", 60*time.Second, "Overall timeout")
	retries := flag.Int("retries", 2, "Retries for transient generator failures")
	options := optionFlags{}
	flag.Var(options, "option", "Auxiliary option key=v1,v2 (repeatable)")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cl := client.New(client.Config{
		GeneratorURL: *generatorURL,
		MetadataURL:  *metadataURL,
		Timeout:      *timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	in := preview.Input{
		Config: models.ProjectConfig{
			Language:   *language,
			BuildTool:  *buildTool,
			GroupID:    *groupID,
			ArtifactID: *artifactID,
			Name:       *artifactID,
		},
		Dependencies: splitList(*deps),
		Options:      options,
	}
	r := &runner{client: cl, retries: *retries, format: *format, out: os.Stdout}

	cmd := args[0]
	cmdArgs := args[1:]

	var err error
	switch cmd {
	case "tree":
		err = r.cmdTree(ctx, in)
	case "diff":
		err = r.cmdDiff(ctx, in)
	case "file", "cat":
		if len(cmdArgs) == 0 {
			fmt.Fprintln(os.Stderr, "Usage: preview-cli file <path>")
			os.Exit(1)
		}
		err = r.cmdFile(ctx, in, cmdArgs[0], *theme)
	case "metadata", "meta":
		err = r.cmdMetadata(ctx)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Preview CLI

Usage: preview-cli [flags] <command> [args]

Flags:
  -generator <url>     Generator URL (default: $GENERATOR_URL or http://localhost:8081)
  -metadata <url>      Metadata URL (default: generator URL)
  -language <id>       Project language (default: java)
  -build-tool <id>     Build tool (default: maven)
  -group <id>          Group ID (default: com.example)
  -artifact <id>       Artifact ID (default: demo)
  -deps <a,b,c>        Dependency IDs
  -option <k=v1,v2>    Auxiliary option, repeatable
  -format <fmt>        text, json or yaml (default: text)
  -theme <name>        Highlight theme for file
  -timeout <dur>       Overall timeout (default: 60s)
  -retries <n>         Retries for transient failures (default: 2)

Commands:
  tree                 Print the generated file tree
  diff                 Classify files against the dependency-free baseline
  file, cat <path>     Print one generated file
  metadata, meta       Print the available languages, build tools and dependencies
  help                 Show this help message

Examples:
  preview-cli -deps web,jpa tree
  preview-cli -deps web -format yaml diff
  preview-cli -deps security file src/main/java/com/example/demo/SecurityConfig.java`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type runner struct {
	client  *client.Client
	retries int
	format  string
	out     io.Writer
}

// generate fetches the snapshot for in, retrying transient failures.
func (r *runner) generate(ctx context.Context, in preview.Input) (*models.Snapshot, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	key := in.Key()

	cfg := retry.DefaultConfig()
	cfg.MaxRetries = r.retries
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		fmt.Fprintf(os.Stderr, "generator failed (%v), retrying in %s...\n", err, wait)
	}
	files, err := retry.DoWithResult(ctx, cfg, func(int) ([]models.SnapshotFile, error) {
		return r.client.Generate(ctx, key.Request())
	})
	if err != nil {
		return nil, err
	}
	return &models.Snapshot{Key: key.Digest(), Files: files, GeneratedAt: time.Now()}, nil
}

func (r *runner) cmdTree(ctx context.Context, in preview.Input) error {
	snap, err := r.generate(ctx, in)
	if err != nil {
		return err
	}
	nodes := tree.Build(snap.Files)
	return r.render(nodes, func(w io.Writer) {
		printTree(w, nodes)
		fmt.Fprintf(w, "\n%d files, key %s\n", len(snap.Files), snap.Key)
	})
}

func printTree(w io.Writer, nodes []*models.TreeNode) {
	tree.Walk(nodes, func(n *models.TreeNode, depth int) bool {
		indent := strings.Repeat("  ", depth)
		if n.IsDir() {
			fmt.Fprintf(w, "%s%s/\n", indent, n.Name)
		} else {
			fmt.Fprintf(w, "%s%s  (%s)\n", indent, n.Name, formatSize(n.File.Size))
		}
		return true
	})
}

func (r *runner) cmdDiff(ctx context.Context, in preview.Input) error {
	current, err := r.generate(ctx, in)
	if err != nil {
		return err
	}
	baseline, err := r.generate(ctx, in.Baseline())
	if err != nil {
		return fmt.Errorf("baseline: %w", err)
	}

	res := diff.Compute(baseline, current)
	report := struct {
		Files   map[string]models.FileDiff `json:"files" yaml:"files"`
		Summary any                        `json:"summary" yaml:"summary"`
	}{res.Files, res.Summary()}

	return r.render(report, func(w io.Writer) {
		printDiff(w, res)
	})
}

func printDiff(w io.Writer, res *diff.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STATUS\tPATH")
	fmt.Fprintln(tw, "------\t----")
	for _, status := range []models.DiffStatus{models.StatusAdded, models.StatusModified, models.StatusRemoved} {
		for _, p := range res.Paths(status) {
			fmt.Fprintf(tw, "%s\t%s\n", status, p)
		}
	}
	tw.Flush()

	s := res.Summary()
	fmt.Fprintf(w, "\n%d added, %d modified, %d removed, %d unchanged\n", s.Added, s.Modified, s.Removed, s.Unchanged)
}

func (r *runner) cmdFile(ctx context.Context, in preview.Input, path, theme string) error {
	snap, err := r.generate(ctx, in)
	if err != nil {
		return err
	}
	n := tree.FindByPath(tree.Build(snap.Files), path)
	if n == nil || n.IsDir() {
		return fmt.Errorf("%w: %s", preview.ErrFileNotFound, path)
	}

	hc, err := highlight.New(highlight.Config{})
	if err != nil {
		return err
	}
	h := highlight.NewHighlighter(hc, theme)

	view := &preview.FileView{Path: n.Path, File: n.File, Lines: h.Lines(n.File)}
	if r.format != "text" {
		if view.Tokens, err = h.Tokens(n.File, theme, ""); err != nil {
			return err
		}
	}
	return r.render(view.Response(), func(w io.Writer) {
		if n.File.Binary {
			fmt.Fprintf(w, "%s: binary file, %s\n", n.Path, formatSize(n.File.Size))
			return
		}
		for i, line := range view.Lines {
			fmt.Fprintf(w, "%4d  %s\n", i+1, line)
		}
	})
}

func (r *runner) cmdMetadata(ctx context.Context) error {
	meta, err := r.client.FetchMetadata(ctx)
	if err != nil {
		return err
	}
	return r.render(meta, func(w io.Writer) {
		printOptions(w, "Languages", meta.Languages)
		printOptions(w, "Build tools", meta.BuildTools)
		printOptions(w, "Platform versions", meta.PlatformVersions)
		fmt.Fprintln(w, "Dependencies:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, g := range meta.Dependencies {
			for _, d := range g.Values {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", g.Name, d.ID, d.Name)
			}
		}
		tw.Flush()
	})
}

func printOptions(w io.Writer, title string, opts []models.Option) {
	if len(opts) == 0 {
		return
	}
	ids := make([]string, 0, len(opts))
	for _, o := range opts {
		id := o.ID
		if o.Default {
			id += "*"
		}
		ids = append(ids, id)
	}
	fmt.Fprintf(w, "%s: %s\n", title, strings.Join(ids, ", "))
}

func (r *runner) render(v any, text func(io.Writer)) error {
	switch r.format {
	case "json":
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		text(r.out)
		return nil
	default:
		return fmt.Errorf("unknown format %q", r.format)
	}
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
	)

	switch {
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
