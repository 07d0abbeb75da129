// Package terminal converts raw PTY byte streams into output a web client
// can render: ANSI CSI sequences and control characters are stripped or
// translated into color markup, and a prompt heuristic decides when a
// command's output has finished.
package terminal

import (
	"fmt"
	"regexp"
	"strings"
)

// csiPattern matches a 7-bit C1 escape (anything but CSI) or a full CSI
// sequence: ESC [ params intermediates final.
var csiPattern = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// controlCharPattern matches stray control bytes that are not part of an
// ANSI sequence, excluding tab and newline.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// sgrPattern matches a Select Graphic Rendition sequence: ESC [ codes m.
var sgrPattern = regexp.MustCompile(`\x1b\[([0-9;]*)m`)

// filenamePattern matches a whole whitespace-separated token that looks
// like a filename with a short extension.
var filenamePattern = regexp.MustCompile(`^[\w.-]+\.[A-Za-z0-9]{1,4}$`)

// tokenPattern matches one whitespace-separated token.
var tokenPattern = regexp.MustCompile(`\S+`)

// Palette maps the standard 8/16 ANSI SGR color codes to the hex colors
// rendered on the client's dark background. Bright variants (90-97) share
// the table with their normal counterparts except 30 and 90, which map to
// white because black text is invisible on a dark background.
var Palette = map[string]string{
	"30": "#ffffff", "90": "#ffffff",
	"31": "#e74c3c", "91": "#e74c3c",
	"32": "#2ecc71", "92": "#2ecc71",
	"33": "#f39c12", "93": "#f39c12",
	"34": "#4a90e2", "94": "#4a90e2",
	"35": "#9b59b6", "95": "#9b59b6",
	"36": "#1abc9c", "96": "#1abc9c",
	"37": "#ffffff", "97": "#ffffff",
}

// extensionClasses maps file extensions to the color class used by
// filename enrichment, lowercase, without the leading dot.
var extensionClasses = map[string]string{
	"zip": "archive", "rar": "archive", "tar": "archive", "gz": "archive",
	"bz2": "archive", "xz": "archive", "7z": "archive", "tgz": "archive",
	"tbz2": "archive", "cab": "archive", "arj": "archive", "war": "archive",
	"jar": "archive",

	"exe": "executable", "bin": "executable", "run": "executable",
	"app": "executable", "deb": "executable", "rpm": "executable",
	"msi": "executable", "dmg": "executable", "pkg": "executable",

	"jpg": "image", "jpeg": "image", "png": "image", "gif": "image",
	"bmp": "image", "svg": "image", "ico": "image", "webp": "image",
	"tiff": "image", "psd": "image",

	"pdf": "document", "doc": "document", "docx": "document",
	"xls": "document", "xlsx": "document", "ppt": "document",
	"pptx": "document", "odt": "document", "rtf": "document",
	"txt": "document", "md": "document",
}

// classColor maps the enrichment class itself to its rendered color.
var classColor = map[string]string{
	"archive":    "#e74c3c",
	"executable": "#2ecc71",
	"image":      "#9b59b6",
	"document":   "#f39c12",
}

// Strip removes ANSI CSI sequences and stray control characters, leaving
// tabs and newlines untouched. Strip is idempotent: Strip(Strip(s)) == Strip(s).
func Strip(s string) string {
	if s == "" {
		return s
	}
	out := csiPattern.ReplaceAllString(s, "")
	out = controlCharPattern.ReplaceAllString(out, "")
	return out
}

// Color translates SGR sequences into span markup against Palette,
// removes every remaining CSI sequence and control byte (cursor moves,
// bells — the client cannot render them), then — only when no markup was
// produced at all — enriches bare filenames by extension. Unbalanced
// opens are closed at end of stream, so the count of open markers always
// equals the count of close markers.
func Color(s string) string {
	if s == "" {
		return s
	}

	var b strings.Builder
	open := 0
	last := 0
	for _, m := range sgrPattern.FindAllStringSubmatchIndex(s, -1) {
		b.WriteString(s[last:m[0]])
		codes := s[m[2]:m[3]]
		b.WriteString(renderSGR(codes, &open))
		last = m[1]
	}
	b.WriteString(s[last:])
	out := b.String()

	for ; open > 0; open-- {
		out += "</span>"
	}

	out = csiPattern.ReplaceAllString(out, "")
	out = controlCharPattern.ReplaceAllString(out, "")

	if !strings.Contains(out, "<span") {
		out = enrichFilenames(out)
	}
	return out
}

// renderSGR turns one SGR parameter list ("01;34" or "0") into markup,
// tracking the number of currently-open spans in *open.
func renderSGR(codes string, open *int) string {
	if codes == "" || codes == "0" {
		if *open > 0 {
			*open--
			return "</span>"
		}
		return ""
	}

	bold := false
	color := ""
	for _, code := range strings.Split(codes, ";") {
		switch code {
		case "0":
			// reset embedded in a multi-code sequence; handled by caller end.
		case "1", "01":
			bold = true
		default:
			if c, ok := Palette[code]; ok {
				color = c
			}
		}
	}
	if color == "" && !bold {
		return ""
	}
	if color == "" {
		color = "#ffffff"
	}

	style := fmt.Sprintf("color: %s", color)
	if bold {
		style += "; font-weight: 600"
	}
	*open++
	return fmt.Sprintf(`<span style="%s">`, style)
}

// enrichFilenames wraps whitespace-separated tokens that look like
// filenames in a color span keyed by extension class. It is only called
// when the text contains no markup already, so it never descends into an
// existing span.
func enrichFilenames(s string) string {
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		if !filenamePattern.MatchString(token) {
			return token
		}
		ext := extensionOf(token)
		class, ok := extensionClasses[ext]
		if !ok {
			return token
		}
		weight := "400"
		if class == "archive" || class == "executable" {
			weight = "500"
		}
		return fmt.Sprintf(`<span style="color: %s; font-weight: %s;">%s</span>`, classColor[class], weight, token)
	})
}

func extensionOf(token string) string {
	idx := strings.LastIndex(token, ".")
	if idx < 0 || idx == len(token)-1 {
		return ""
	}
	return strings.ToLower(token[idx+1:])
}
