package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"

	"github.com/agentic-research/refract/api"
	"github.com/agentic-research/refract/internal/engine"
	"github.com/agentic-research/refract/internal/registry"
)

var replayViewsDir string

// replayCmd feeds a recorded source-event stream through a fresh engine and
// prints the derived-entry actions, one JSON object per line. Events are
// applied synchronously so the output order is reproducible.
var replayCmd = &cobra.Command{
	Use:   "replay <events.jsonl>",
	Short: "Run recorded source events through the engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		log := slog.New(slog.NewTextHandler(os.Stderr, nil))

		reg, err := registry.New(ctx, nil, log)
		if err != nil {
			return err
		}
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()
		eng := engine.New(engine.Config{
			Registry: reg,
			Sink: engine.SinkFunc(func(a api.Action) {
				b, err := oj.Marshal(&a)
				if err != nil {
					log.Error("encode action", "err", err)
					return
				}
				out.Write(b)
				out.WriteByte('\n')
			}),
			Logger: log,
		})

		if err := loadViewDir(ctx, eng, replayViewsDir); err != nil {
			return err
		}

		in, err := openInput(args[0])
		if err != nil {
			return err
		}
		defer in.Close()

		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		line := 0
		for sc.Scan() {
			line++
			text := strings.TrimSpace(sc.Text())
			if text == "" || strings.HasPrefix(text, "#") {
				continue
			}
			ev, err := decodeSourceEvent(text)
			if err != nil {
				return fmt.Errorf("line %d: %w", line, err)
			}
			eng.HandleSourceEvent(ctx, ev)
		}
		return sc.Err()
	},
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// loadViewDir registers every *.view file in dir under the file's base name.
// Files are registered in name order, which fixes the precedence tie-break.
func loadViewDir(ctx context.Context, eng *engine.Engine, dir string) error {
	if dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*.view"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), ".view")
		if _, err := eng.PutView(ctx, name, strings.TrimSpace(string(raw)), api.SecurityContext{}); err != nil {
			return fmt.Errorf("view %s: %w", path, err)
		}
	}
	return nil
}

func init() {
	replayCmd.Flags().StringVar(&replayViewsDir, "views", "", "directory of *.view specification files")
	rootCmd.AddCommand(replayCmd)
}
