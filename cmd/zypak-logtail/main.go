// Command zypak-logtail follows a zypak-sandbox daemon's rotated JSON slog
// file and renders it as colorized, human-readable lines.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nxadm/tail"
)

func main() {
	flag.Parse()

	if len(flag.Args()) != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s <log file path>\n", os.Args[0])
		os.Exit(1)
	}
	inputPath := flag.Args()[0]

	ctx := context.Background()
	h := NewHandler(nil, os.Stdout)

	t, err := tail.TailFile(inputPath, tail.Config{
		ReOpen:        true,
		Follow:        true,
		CompleteLines: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer t.Cleanup()

	for line := range t.Lines {
		decoder := json.NewDecoder(strings.NewReader(line.Text))
		var slogLine map[string]any
		if err := decoder.Decode(&slogLine); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			continue
		}
		if err := h.Handle(ctx, slogLine); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}

const (
	timeFormat = "[15:04:05.000]"

	reset = "\033[0m"

	lightGray    = 37
	cyan         = 36
	darkGray     = 90
	lightRed     = 91
	lightBlue    = 94
	lightYellow  = 93
	lightMagenta = 95
	white        = 97
)

func colorizer(colorCode int, v string) string {
	lines := strings.Split(v, "\n")
	for i, line := range lines {
		lines[i] = fmt.Sprintf("\033[%sm%s%s", strconv.Itoa(colorCode), line, reset)
	}
	return strings.Join(lines, "\n")
}

// Handler renders a single decoded slog JSON line. It is not an slog.Handler
// itself (the source is already-serialized JSON read back off disk, not a
// live slog.Record), just a renderer shaped the same way.
type Handler struct {
	r                func([]string, slog.Attr) slog.Attr
	b                *bytes.Buffer
	m                *sync.Mutex
	writer           io.Writer
	colorize         bool
	outputEmptyAttrs bool
}

func NewHandler(handlerOptions *slog.HandlerOptions, writer io.Writer) *Handler {
	if handlerOptions == nil {
		handlerOptions = &slog.HandlerOptions{}
	}

	return &Handler{
		b:                &bytes.Buffer{},
		r:                handlerOptions.ReplaceAttr,
		m:                &sync.Mutex{},
		outputEmptyAttrs: false,
		colorize:         true,
		writer:           writer,
	}
}

func (h *Handler) Handle(ctx context.Context, r map[string]any) error {
	colorize := func(code int, value string) string { return value }
	if h.colorize {
		colorize = colorizer
	}

	levelName, ok := r[slog.LevelKey].(string)
	if !ok {
		return fmt.Errorf("level is not a string")
	}

	var level slog.Level
	switch strings.ToUpper(levelName) {
	case "DEBUG":
		level = slog.LevelDebug
	case "INFO":
		level = slog.LevelInfo
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		return fmt.Errorf("unknown level name %q", levelName)
	}

	levelLabel := levelName + ":"
	switch {
	case level <= slog.LevelDebug:
		levelLabel = colorize(lightGray, levelLabel)
	case level <= slog.LevelInfo:
		levelLabel = colorize(cyan, levelLabel)
	case level < slog.LevelWarn:
		levelLabel = colorize(lightBlue, levelLabel)
	case level < slog.LevelError:
		levelLabel = colorize(lightYellow, levelLabel)
	default:
		levelLabel = colorize(lightMagenta, levelLabel)
	}

	var timestamp string
	if ts, ok := r[slog.TimeKey].(string); ok {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error parsing timestamp %q: %v\n", ts, err)
		} else {
			timestamp = colorize(lightGray, parsed.Local().Format(timeFormat))
		}
	}

	msg, _ := r[slog.MessageKey].(string)
	msg = colorize(white, msg)

	delete(r, slog.LevelKey)
	delete(r, slog.TimeKey)
	delete(r, slog.MessageKey)

	var attrsAsBytes []byte
	if h.outputEmptyAttrs || len(r) > 0 {
		var err error
		attrsAsBytes, err = json.MarshalIndent(r, "", "  ")
		if err != nil {
			return fmt.Errorf("error when marshaling attrs: %w", err)
		}
	}

	out := strings.Builder{}
	if timestamp != "" {
		out.WriteString(timestamp)
		out.WriteString(" ")
	}
	out.WriteString(levelLabel)
	out.WriteString(" ")
	out.WriteString(msg)
	if len(attrsAsBytes) > 0 {
		out.WriteString(" ")
		out.WriteString(colorize(darkGray, string(attrsAsBytes)))
	}

	w := bufio.NewWriter(h.writer)
	if _, err := io.WriteString(w, out.String()+"\n"); err != nil {
		return err
	}
	return w.Flush()
}
