// behaviorc is the authoring toolchain CLI: compile behavior sources to
// binary artifacts, inspect compiled artifacts, and watch a directory
// for live recompilation.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/beyond-immersion/bannou-behavior/internal/compiler"
	"github.com/beyond-immersion/bannou-behavior/internal/document"
	"github.com/beyond-immersion/bannou-behavior/internal/logging"
)

var (
	verbose bool
	outDir  string

	logs *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "behaviorc",
	Short: "Behavior document compiler and toolchain",
	Long: `behaviorc compiles declarative behavior documents into versioned
binary artifacts executed by the behavior engine.

Sources are YAML documents describing state variables, control flow,
embedded expressions, and GOAP action annotations. Extension documents
may graft onto a base document's attachment points; bases must be
compiled (or listed) before their extensions.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logs = logging.NewDevelopment(verbose).Get(logging.CategoryCompiler)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Sync()
		}
	},
}

var compileCmd = &cobra.Command{
	Use:   "compile [source.yaml ...]",
	Short: "Compile behavior sources to binary artifacts",
	Long: `Compiles each source document and writes a .bbhv artifact per
document into the output directory. Sources are processed in argument
order; an extension's base must appear earlier in the list.

Example:
  behaviorc compile forager.yaml forager_social.yaml -o build/`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCompile,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [artifact.bbhv]",
	Short: "Disassemble a compiled artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a directory and recompile on change",
	Long: `Watches a directory for behavior source changes and recompiles
each changed document, writing fresh artifacts to the output directory.
This is the authoring loop behind hot reload: a running engine picks up
republished versions and rebinds live agents.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&outDir, "out", "o", ".", "Artifact output directory")

	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session resolves extension bases against documents compiled earlier in
// the same invocation.
type session struct {
	byName map[string]*document.Document
}

func newSession() *session {
	return &session{byName: make(map[string]*document.Document)}
}

func (s *session) Base(name string) (*document.Document, error) {
	if doc, ok := s.byName[name]; ok {
		return doc, nil
	}
	return nil, fmt.Errorf("base %q not compiled yet; list it before its extensions", name)
}

// compileOne compiles a source file and writes its artifact.
func (s *session) compileOne(path string) error {
	doc, err := compiler.CompileFile(path, s)
	if err != nil {
		return err
	}
	s.byName[doc.Name] = doc

	data, err := document.Encode(doc)
	if err != nil {
		return fmt.Errorf("%s: encode: %w", path, err)
	}
	out := filepath.Join(outDir, fmt.Sprintf("%s@%d.bbhv", doc.Name, doc.Version))
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logs.Info("compiled",
		zap.String("source", path),
		zap.String("artifact", out),
		zap.Int("instructions", len(doc.Code)))
	return nil
}

func runCompile(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	s := newSession()
	for _, path := range args {
		if err := s.compileOne(path); err != nil {
			return err
		}
	}
	return nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	doc, err := document.Decode(data)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}

	fmt.Printf("document   %s\n", doc.Ref())
	if doc.IsExtension() {
		fmt.Printf("extends    %s\n", doc.BaseName)
	}
	fmt.Printf("schema     %d variables\n", len(doc.Schema))
	for _, v := range doc.Schema {
		fmt.Printf("  %-20s %s\n", v.Name, v.Type)
	}
	if len(doc.Externals) > 0 {
		fmt.Printf("external   %s\n", strings.Join(doc.Externals, ", "))
	}
	if len(doc.Actions) > 0 {
		fmt.Printf("actions    %d\n", len(doc.Actions))
		for _, a := range doc.Actions {
			fmt.Printf("  %-20s cost %g\n", a.Name, a.Cost)
		}
	}
	fmt.Println()
	fmt.Print(document.Disassemble(doc))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(args[0]); err != nil {
		return err
	}

	// Seed the session so extensions can resolve already-present bases.
	s := newSession()
	entries, err := os.ReadDir(args[0])
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSource(entry.Name()) {
			continue
		}
		path := filepath.Join(args[0], entry.Name())
		if err := s.compileOne(path); err != nil {
			logs.Warn("initial compile failed", zap.String("source", path), zap.Error(err))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	logs.Info("watching", zap.String("dir", args[0]), zap.String("out", outDir))
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if !isSource(ev.Name) {
				continue
			}
			if err := s.compileOne(ev.Name); err != nil {
				logs.Warn("compile failed", zap.String("source", ev.Name), zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logs.Warn("watch error", zap.Error(err))
		case <-sig:
			logs.Info("stopping watch")
			return nil
		}
	}
}

func isSource(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yaml" || ext == ".yml"
}
