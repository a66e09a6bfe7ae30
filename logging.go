package lazyload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// sinkName is the diagnostic sink identifier, keyed by the holder's type name.
const sinkName = "lazyload.Holder"

// Logger returns the holder's diagnostic sink, constructing it on first use.
// The sink writes one line per trace event in the form
//
//	<timestamp> - <sink-name> - <severity> - <message>
//
// with an info-or-above threshold unless configured otherwise.
// The configuration is fixed at creation; subsequent calls return the cached sink.
func (h *Holder) Logger() *slog.Logger {
	h.logMu.Lock()
	defer h.logMu.Unlock()
	if h.logger != nil {
		return h.logger
	}
	h.logger = slog.New(newLineHandler(h.logOut, sinkName, h.logLevel)).
		With(slog.String("holder", h.id))
	h.logger.Debug("diagnostic sink initialized")
	return h.logger
}

// lineHandler is a slog.Handler emitting the sink's fixed text line format.
// Attributes render as trailing key=value pairs.
type lineHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	name  string
	level slog.Leveler
	attrs []slog.Attr
}

func newLineHandler(w io.Writer, name string, level slog.Leveler) *lineHandler {
	return &lineHandler{
		mu:    &sync.Mutex{},
		w:     w,
		name:  name,
		level: level,
	}
}

func (l *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= l.level.Level()
}

func (l *lineHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.DateTime))
	b.WriteString(" - ")
	b.WriteString(l.name)
	b.WriteString(" - ")
	b.WriteString(r.Level.String())
	b.WriteString(" - ")
	b.WriteString(r.Message)
	for _, attr := range l.attrs {
		writeAttr(&b, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(&b, attr)
		return true
	})
	b.WriteByte('\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, b.String())
	return err
}

func (l *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return l
	}
	next := *l
	next.attrs = append(append([]slog.Attr(nil), l.attrs...), attrs...)
	return &next
}

func (l *lineHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened; the line format has no nesting.
	return l
}

func writeAttr(b *strings.Builder, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	b.WriteByte(' ')
	b.WriteString(attr.Key)
	b.WriteByte('=')
	fmt.Fprintf(b, "%v", attr.Value.Resolve().Any())
}
