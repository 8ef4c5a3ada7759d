package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/flow/builtin"
	"github.com/BaSui01/flowrun/flow/sandbox"
	"github.com/BaSui01/flowrun/isolate/worker"
)

// runOptions 是 run 子命令的参数
type runOptions struct {
	path     string
	input    map[string]any
	isolated bool
	verbose  bool
	timeout  time.Duration
}

func parseRunArgs(args []string, stderr io.Writer) (*runOptions, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	input := fs.String("input", "{}", "Flow input as a JSON object")
	isolated := fs.Bool("isolated", false, "Run the flow in an isolated worker")
	verbose := fs.Bool("v", false, "Print every event")
	timeout := fs.Duration("timeout", time.Minute, "Abort the run after this long")

	// 允许 flag 出现在文件路径之后
	var path string
	for len(args) > 0 {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		if path != "" {
			return nil, fmt.Errorf("unexpected argument %q", args[0])
		}
		path, args = args[0], args[1:]
	}
	if path == "" {
		return nil, fmt.Errorf("flow file is required")
	}

	opts := &runOptions{path: path, isolated: *isolated, verbose: *verbose, timeout: *timeout}
	if err := json.Unmarshal([]byte(*input), &opts.input); err != nil {
		return nil, fmt.Errorf("invalid -input: %w", err)
	}
	return opts, nil
}

// runFlow 执行 flow 文件并把输出以 JSON 写到 stdout，返回进程退出码
func runFlow(args []string, stdout, stderr io.Writer) int {
	opts, err := parseRunArgs(args, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 2
	}
	data, err := os.ReadFile(opts.path)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	def, err := flow.Parse(data)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	output, err := execute(ctx, def, opts, os.Stdin, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(materialize(output)); err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	return 0
}

// execute 在本进程或隔离 worker 中运行 def。core/ask 的提问写到 events，
// 答案逐行从 answers 读取
func execute(ctx context.Context, def *flow.Definition, opts *runOptions, answers io.Reader, events io.Writer) (map[string]any, error) {
	threadOpts := []flow.ThreadOption{
		flow.WithComponentResolver(builtin.NewRegistry()),
		flow.WithSandbox(sandbox.NewExecutor(sandbox.DefaultConfig(), nil, zap.NewNop())),
	}
	p := &eventPrinter{out: events, verbose: opts.verbose, answers: bufio.NewScanner(answers)}

	if !opts.isolated {
		t, err := flow.Load(def, threadOpts...)
		if err != nil {
			return nil, err
		}
		p.respond = t.Respond
		defer t.On(flow.AnyEvent, p.handle)()
		return t.Start(ctx, opts.input)
	}

	w, err := worker.Spawn(ctx, def, worker.Options{Host: worker.HostOptions{ThreadOptions: threadOpts}})
	if err != nil {
		return nil, err
	}
	defer func() {
		disposeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = w.Dispose(disposeCtx)
	}()
	p.respond = func(nodeID, correlationID string, data any) {
		_ = w.Post(worker.Command{
			Type:          worker.CommandDispatch,
			Event:         flow.EventNodeResponse,
			NodeID:        nodeID,
			CorrelationID: correlationID,
			Data:          data,
		})
	}
	defer w.On(flow.AnyEvent, p.handle)()
	output, err := w.Start(ctx, opts.input)
	if err != nil {
		return nil, err
	}
	// 远端流在 worker 释放前读完
	return materialize(output).(map[string]any), nil
}

// eventPrinter 打印事件并回答交互请求
type eventPrinter struct {
	out     io.Writer
	verbose bool
	answers *bufio.Scanner
	respond func(nodeID, correlationID string, data any)
	mu      sync.Mutex
	scanMu  sync.Mutex
}

func (p *eventPrinter) handle(e flow.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Name {
	case flow.EventNodeRequest:
		question := ""
		if m, ok := e.Data.(map[string]any); ok {
			question = fmt.Sprint(m["question"])
		}
		fmt.Fprintf(p.out, "? %s\n", question)
		// 读取放到独立 goroutine，避免阻塞事件分发
		go func() {
			p.scanMu.Lock()
			ok := p.answers.Scan()
			line := strings.TrimSpace(p.answers.Text())
			p.scanMu.Unlock()
			if ok {
				p.respond(e.NodeID, e.CorrelationID, line)
			}
		}()
	case flow.EventNodeError:
		if e.Err != nil {
			fmt.Fprintf(p.out, "node %s failed: %v\n", e.NodeID, e.Err)
		}
	case flow.EventNodeTrace:
		fmt.Fprintf(p.out, "[%s] %v\n", e.NodeID, e.Data)
	default:
		if p.verbose {
			fmt.Fprintf(p.out, "%8s %-10s %s %s\n", e.Delta.Round(time.Millisecond), e.Name, e.NodeID, e.State)
		}
	}
}

// materialize 把输出中的流读成字符串，使其可编码为 JSON
func materialize(v any) any {
	switch t := v.(type) {
	case io.Reader:
		data, err := io.ReadAll(t)
		if c, ok := t.(io.Closer); ok {
			_ = c.Close()
		}
		if err != nil {
			return map[string]any{"error": err.Error()}
		}
		return string(data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = materialize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = materialize(e)
		}
		return out
	}
	return v
}
