// Package format renders console events as out-of-band HTML fragments. Each
// fragment carries its own swap directive (target element id plus splice
// mode), so the browser places it without any further coordination with the
// bridge.
package format

import (
	"html"
	"strings"
)

// Defaults for the swap directive.
const (
	DefaultTargetID  = "console"
	DefaultSwapStyle = "beforeend"
)

// Line kinds, also used as CSS class suffixes.
const (
	KindEcho     = "echo"
	KindResponse = "response"
	KindError    = "error"
	KindInfo     = "info"
	KindAuthOK   = "auth-ok"
	KindAuthFail = "auth-fail"
	KindServer   = "server"
)

// LineMeta describes one presented line to a FormatLine override.
type LineMeta struct {
	// Kind is one of the Kind constants above.
	Kind string
	// Severity is set for server-message lines: "Generic", "Warning" or
	// "Error".
	Severity string
}

// FormatLine renders one line of output. Overriding it replaces the default
// <div class="line line-KIND"> rendering; the returned string is spliced into
// the fragment verbatim, so overrides escape their own input.
type FormatLine func(text string, meta LineMeta) string

// Formatter builds OOB fragments. The zero value is not usable; construct
// with New. Formatters are stateless and safe for concurrent use.
type Formatter struct {
	targetID   string
	swapStyle  string
	formatLine FormatLine
}

// New returns a formatter targeting the given element id with the given
// splice mode. Empty arguments fall back to the defaults.
func New(targetID, swapStyle string, formatLine FormatLine) *Formatter {
	if targetID == "" {
		targetID = DefaultTargetID
	}
	if swapStyle == "" {
		swapStyle = DefaultSwapStyle
	}
	return &Formatter{targetID: targetID, swapStyle: swapStyle, formatLine: formatLine}
}

// Response renders a command's response. The command itself is echoed as the
// first line; the body is split on newlines with empty lines dropped.
func (f *Formatter) Response(command, body string) string {
	var b strings.Builder
	f.openFragment(&b)
	f.writeLine(&b, "> "+command, LineMeta{Kind: KindEcho})
	for _, line := range SplitLines(body) {
		f.writeLine(&b, line, LineMeta{Kind: KindResponse})
	}
	f.closeFragment(&b)
	return b.String()
}

// Error renders one error line.
func (f *Formatter) Error(detail string) string {
	return f.single(detail, LineMeta{Kind: KindError})
}

// Info renders one informational line.
func (f *Formatter) Info(detail string) string {
	return f.single(detail, LineMeta{Kind: KindInfo})
}

// Auth renders the outcome of an authentication attempt.
func (f *Formatter) Auth(ok bool, detail string) string {
	kind := KindAuthOK
	if !ok {
		kind = KindAuthFail
	}
	return f.single(detail, LineMeta{Kind: kind})
}

// ServerMessage renders an unsolicited console push. Multi-line pushes are
// split like response bodies; every line carries the push's severity class.
func (f *Formatter) ServerMessage(body, severity string) string {
	var b strings.Builder
	f.openFragment(&b)
	meta := LineMeta{Kind: KindServer, Severity: severity}
	for _, line := range SplitLines(body) {
		f.writeLine(&b, line, meta)
	}
	f.closeFragment(&b)
	return b.String()
}

func (f *Formatter) single(text string, meta LineMeta) string {
	var b strings.Builder
	f.openFragment(&b)
	f.writeLine(&b, text, meta)
	f.closeFragment(&b)
	return b.String()
}

func (f *Formatter) openFragment(b *strings.Builder) {
	b.WriteString(`<div hx-swap-oob="`)
	b.WriteString(html.EscapeString(f.swapStyle))
	b.WriteString(`:#`)
	b.WriteString(html.EscapeString(f.targetID))
	b.WriteString(`">`)
}

func (f *Formatter) closeFragment(b *strings.Builder) {
	b.WriteString(`</div>`)
}

func (f *Formatter) writeLine(b *strings.Builder, text string, meta LineMeta) {
	if f.formatLine != nil {
		b.WriteString(f.formatLine(text, meta))
		return
	}
	b.WriteString(`<div class="line line-`)
	b.WriteString(meta.Kind)
	if meta.Kind == KindServer && meta.Severity != "" {
		b.WriteString(` line-server-`)
		b.WriteString(strings.ToLower(meta.Severity))
	}
	b.WriteString(`">`)
	b.WriteString(html.EscapeString(text))
	b.WriteString(`</div>`)
}

// SplitLines splits console output on newlines, strips trailing carriage
// returns and drops lines that are empty after trimming.
func SplitLines(body string) []string {
	raw := strings.Split(body, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
