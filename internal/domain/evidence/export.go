package evidence

import (
	"encoding/json"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/agentgate/agentgate/internal/domain/trace"
)

// Format selects the export representation.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
)

// ParseFormat validates a format query value.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatJSON, "":
		return FormatJSON, nil
	case FormatHTML:
		return FormatHTML, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", fmt.Errorf("unsupported evidence format %q", s)
}

// Metadata describes how an export was produced. It travels with the
// payload so verification is self-contained.
type Metadata struct {
	SessionID     string    `json:"session_id"`
	TenantID      string    `json:"tenant_id"`
	Format        Format    `json:"format"`
	GeneratedAt   time.Time `json:"generated_at"`
	EventCount    int       `json:"event_count"`
	MerkleRoot    string    `json:"merkle_root"`
	RedactionMode string    `json:"redaction_mode"`
	Algorithm     string    `json:"algorithm"`
	KeySource     string    `json:"key_source"`
}

// Export is a complete per-session audit artifact.
type Export struct {
	Metadata  Metadata       `json:"metadata"`
	Events    []trace.Event  `json:"events,omitempty"`
	Proofs    []Proof        `json:"proofs,omitempty"`
	Payload   []byte         `json:"-"`
	Signature SignatureBlock `json:"signature"`
}

// PDFRenderer is the collaborator interface for printable output. The
// core ships a minimal built-in renderer; deployments can plug a real
// PDF engine.
type PDFRenderer interface {
	Render(meta Metadata, events []trace.Event) ([]byte, error)
}

// RenderJSON produces the machine-readable payload: metadata, events,
// and per-event inclusion proofs.
func RenderJSON(meta Metadata, events []trace.Event, proofs []Proof) ([]byte, error) {
	doc := struct {
		Metadata Metadata      `json:"metadata"`
		Events   []trace.Event `json:"events"`
		Proofs   []Proof       `json:"proofs"`
	}{meta, events, proofs}
	return json.MarshalIndent(doc, "", "  ")
}

var htmlTmpl = template.Must(template.New("evidence").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Evidence {{.Meta.SessionID}}</title></head>
<body>
<h1>AgentGate Evidence Pack</h1>
<p>Session <code>{{.Meta.SessionID}}</code>, tenant <code>{{.Meta.TenantID}}</code>,
generated {{.Meta.GeneratedAt.UTC.Format "2006-01-02T15:04:05Z"}}.</p>
<p>Merkle root: <code>{{.Meta.MerkleRoot}}</code> ({{.Meta.EventCount}} events,
redaction mode {{.Meta.RedactionMode}})</p>
<table border="1" cellpadding="4">
<tr><th>#</th><th>Time</th><th>Kind</th><th>Tool</th><th>Decision</th><th>Reason</th></tr>
{{range .Events}}<tr>
<td>{{.EventID}}</td>
<td>{{.Timestamp.UTC.Format "15:04:05.000"}}</td>
<td>{{.Kind}}</td>
<td>{{.ToolName}}</td>
<td>{{.Decision}}</td>
<td>{{.Reason}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

// RenderHTML produces the human-readable payload.
func RenderHTML(meta Metadata, events []trace.Event) ([]byte, error) {
	var sb strings.Builder
	err := htmlTmpl.Execute(&sb, struct {
		Meta   Metadata
		Events []trace.Event
	}{meta, events})
	if err != nil {
		return nil, fmt.Errorf("render evidence html: %w", err)
	}
	return []byte(sb.String()), nil
}

// PlainRenderer is the built-in printable renderer: a fixed-width text
// document suitable for printing or piping to an external PDF engine.
type PlainRenderer struct{}

func (PlainRenderer) Render(meta Metadata, events []trace.Event) ([]byte, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "AGENTGATE EVIDENCE PACK\n")
	fmt.Fprintf(&sb, "session=%s tenant=%s generated=%s\n", meta.SessionID, meta.TenantID,
		meta.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "merkle_root=%s events=%d redaction=%s\n\n",
		meta.MerkleRoot, meta.EventCount, meta.RedactionMode)
	for _, ev := range events {
		fmt.Fprintf(&sb, "%6d  %s  %-10s  %-20s  %-16s  %s\n",
			ev.EventID, ev.Timestamp.UTC().Format("15:04:05.000"),
			ev.Kind, ev.ToolName, ev.Decision, ev.Reason)
	}
	return []byte(sb.String()), nil
}
