package printer

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/smenaquispe/observatory/internal/logger"
	"github.com/smenaquispe/observatory/internal/storage"
)

// ColorScheme color scheme for observation lines
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	MethodOther  *color.Color

	Status2xx     *color.Color
	Status3xx     *color.Color
	Status4xx     *color.Color
	Status5xx     *color.Color
	StatusPending *color.Color

	Meta *color.Color
}

// NewColorScheme creates the default color scheme.
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		MethodOther:  color.New(color.FgWhite, color.Bold),

		Status2xx:     color.New(color.FgGreen),
		Status3xx:     color.New(color.FgCyan),
		Status4xx:     color.New(color.FgYellow),
		Status5xx:     color.New(color.FgRed),
		StatusPending: color.New(color.FgHiBlack),

		Meta: color.New(color.FgHiBlack),
	}
}

// ConsolePrinter writes one line per completed observation. It implements
// the interceptor's Notifier contract.
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
	mu          sync.Mutex
}

// NewConsolePrinter creates a console printer writing to stdout.
func NewConsolePrinter(log logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
	}
}

// ObservationCreated is a no-op; pending records are only noise on a console.
func (p *ConsolePrinter) ObservationCreated(*storage.StoredRecord) {}

// ObservationCompleted prints the completed observation line.
func (p *ConsolePrinter) ObservationCompleted(rec *storage.StoredRecord) {
	if rec == nil || rec.Record == nil {
		return
	}

	target := rec.Path
	if rec.Query != "" {
		target += "?" + rec.Query
	}
	if max := p.terminalWidth() - 40; max > 10 && len(target) > max {
		target = target[:max-3] + "..."
	}

	status := "-"
	statusColor := p.colorScheme.StatusPending
	if rec.StatusCode != nil {
		status = fmt.Sprintf("%d", *rec.StatusCode)
		statusColor = p.statusColor(*rec.StatusCode)
	}

	duration := "-"
	if rec.DurationMs != nil {
		duration = fmt.Sprintf("%.1fms", *rec.DurationMs)
	}

	size := "0 B"
	if rec.ResponseBody != nil {
		size = humanize.Bytes(uint64(len(*rec.ResponseBody)))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s %s %s %s %s\n",
		p.colorScheme.Meta.Sprintf("#%d", rec.ID),
		p.methodColor(rec.Method).Sprint(rec.Method),
		target,
		statusColor.Sprint(status),
		duration,
		p.colorScheme.Meta.Sprint(size),
	)
}

func (p *ConsolePrinter) methodColor(method string) *color.Color {
	switch method {
	case "GET":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	}
	return p.colorScheme.MethodOther
}

func (p *ConsolePrinter) statusColor(code int) *color.Color {
	switch {
	case code >= 200 && code < 300:
		return p.colorScheme.Status2xx
	case code >= 300 && code < 400:
		return p.colorScheme.Status3xx
	case code >= 400 && code < 500:
		return p.colorScheme.Status4xx
	case code >= 500:
		return p.colorScheme.Status5xx
	}
	return p.colorScheme.StatusPending
}

// terminalWidth returns the current terminal width with a sane fallback.
func (p *ConsolePrinter) terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < 40 {
		return 80
	}
	if width > 200 {
		return 200
	}
	return width
}
