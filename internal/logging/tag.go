package logging

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

// TagWriter prefixes every line written through it with Tag. Partial lines
// are held back until their newline arrives or Flush is called.
type TagWriter struct {
	out   io.Writer
	tag   string
	color *color.Color

	mu  sync.Mutex
	buf []byte
}

// NewTagWriter returns a TagWriter that dims its lines when colored output
// is enabled for the process.
func NewTagWriter(out io.Writer, tag string) *TagWriter {
	c := color.New(color.Faint)
	if color.NoColor {
		c = nil
	}
	return &TagWriter{out: out, tag: tag, color: c}
}

// NewPlainTagWriter returns a TagWriter that never colors its output.
func NewPlainTagWriter(out io.Writer, tag string) *TagWriter {
	return &TagWriter{out: out, tag: tag}
}

func (w *TagWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := w.buf[:i]
		if err := w.emit(line); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes any buffered partial line.
func (w *TagWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil
	}
	err := w.emit(w.buf)
	w.buf = nil
	return err
}

func (w *TagWriter) emit(line []byte) error {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	text := w.tag + string(line)
	if w.color != nil {
		text = w.color.Sprint(text)
	}
	_, err := io.WriteString(w.out, text+"\n")
	return err
}
