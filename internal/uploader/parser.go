package uploader

import (
	"bufio"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

// ParseRequest carries what a parser needs to emit documents.
type ParseRequest struct {
	// DataPath is a file or folder under the source's data folder.
	DataPath string
	// Kwargs is forwarded verbatim from the plugin manifest.
	Kwargs map[string]any
}

// Parser reads source data and emits documents on out. The caller owns
// the channel; parsers must not close it. Every emitted document needs a
// non-empty _id.
type Parser func(ctx context.Context, req ParseRequest, out chan<- docstore.Doc) error

// ParserRegistry resolves manifest parser references ("name" or
// "module:function" style strings) to executable parsers.
type ParserRegistry struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParserRegistry creates a registry preloaded with the built-in
// parsers: tabfile, jsonfile, ndjson, xmlfile.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{parsers: map[string]Parser{}}
	r.Register("tabfile", ParseTabFile)
	r.Register("jsonfile", ParseJSONFile)
	r.Register("ndjson", ParseNDJSON)
	r.Register("xmlfile", ParseXMLFile)
	return r
}

// Register adds or replaces a named parser.
func (r *ParserRegistry) Register(name string, p Parser) {
	r.mu.Lock()
	r.parsers[name] = p
	r.mu.Unlock()
}

// Resolve looks a parser up by its manifest reference.
func (r *ParserRegistry) Resolve(ref string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parsers[ref]; ok {
		return p, nil
	}
	// "module:function" references fall back to the function part, so
	// manifests written against the convention keep working.
	if idx := strings.LastIndex(ref, ":"); idx >= 0 {
		if p, ok := r.parsers[ref[idx+1:]]; ok {
			return p, nil
		}
	}
	return nil, foundation.PluginSpec("unknown parser").
		WithContext("parser", ref).Build()
}

// Names lists registered parser names.
func (r *ParserRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for name := range r.parsers {
		out = append(out, name)
	}
	return out
}

// openMaybeGzip opens a data file, transparently decompressing .gz.
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(strings.ToLower(path), ".gz") {
		return f, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &gzipFile{gz: gz, f: f}, nil
}

type gzipFile struct {
	gz *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipFile) Close() error {
	gerr := g.gz.Close()
	ferr := g.f.Close()
	if gerr != nil {
		return gerr
	}
	return ferr
}

func kwString(kwargs map[string]any, key, fallback string) string {
	if v, ok := kwargs[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func emit(ctx context.Context, out chan<- docstore.Doc, doc docstore.Doc) error {
	select {
	case out <- doc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ParseTabFile reads a delimited file with a header row. Kwargs: "sep"
// (default tab), "id_col" (default the first column). Empty cells are
// omitted; a cell containing the "list_sep" separator (default "|")
// becomes a list.
func ParseTabFile(ctx context.Context, req ParseRequest, out chan<- docstore.Doc) error {
	sep := kwString(req.Kwargs, "sep", "\t")
	listSep := kwString(req.Kwargs, "list_sep", "|")

	rc, err := openMaybeGzip(req.DataPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s: empty file", req.DataPath)
	}
	header := strings.Split(strings.TrimRight(scanner.Text(), "\r\n"), sep)
	idCol := kwString(req.Kwargs, "id_col", header[0])

	line := 1
	for scanner.Scan() {
		line++
		row := strings.TrimRight(scanner.Text(), "\r\n")
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}
		cells := strings.Split(row, sep)
		doc := docstore.Doc{}
		for i, col := range header {
			if i >= len(cells) {
				break
			}
			cell := strings.TrimSpace(cells[i])
			if cell == "" {
				continue
			}
			if col == idCol {
				doc["_id"] = cell
				continue
			}
			if strings.Contains(cell, listSep) {
				parts := strings.Split(cell, listSep)
				vals := make([]any, 0, len(parts))
				for _, p := range parts {
					if p = strings.TrimSpace(p); p != "" {
						vals = append(vals, p)
					}
				}
				doc[col] = vals
				continue
			}
			doc[col] = cell
		}
		if _, err := docstore.ID(doc); err != nil {
			return fmt.Errorf("%s:%d: %w", req.DataPath, line, err)
		}
		if err := emit(ctx, out, doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseJSONFile reads a file holding one JSON document or an array of
// documents.
func ParseJSONFile(ctx context.Context, req ParseRequest, out chan<- docstore.Doc) error {
	rc, err := openMaybeGzip(req.DataPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		var docs []docstore.Doc
		if err := json.Unmarshal(raw, &docs); err != nil {
			return fmt.Errorf("%s: %w", req.DataPath, err)
		}
		for _, doc := range docs {
			if err := emit(ctx, out, doc); err != nil {
				return err
			}
		}
		return nil
	}
	var doc docstore.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%s: %w", req.DataPath, err)
	}
	return emit(ctx, out, doc)
}

// ParseNDJSON reads newline-delimited JSON, one document per line.
func ParseNDJSON(ctx context.Context, req ParseRequest, out chan<- docstore.Doc) error {
	rc, err := openMaybeGzip(req.DataPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var doc docstore.Doc
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return fmt.Errorf("%s:%d: %w", req.DataPath, line, err)
		}
		if err := emit(ctx, out, doc); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ParseXMLFile streams records out of an XML file. Kwargs: "record_tag"
// names the element that delimits one document (required), "id_attr"
// optionally names the attribute carrying the _id (default "id").
func ParseXMLFile(ctx context.Context, req ParseRequest, out chan<- docstore.Doc) error {
	recordTag := kwString(req.Kwargs, "record_tag", "")
	if recordTag == "" {
		return foundation.PluginSpec("xmlfile parser requires a record_tag kwarg").
			WithPath("uploader.parser_kwargs.record_tag").Build()
	}
	idAttr := kwString(req.Kwargs, "id_attr", "id")

	rc, err := openMaybeGzip(req.DataPath)
	if err != nil {
		return err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", req.DataPath, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != recordTag {
			continue
		}
		doc, err := xmlElementToDoc(dec, start, idAttr)
		if err != nil {
			return fmt.Errorf("%s: %w", req.DataPath, err)
		}
		if err := emit(ctx, out, doc); err != nil {
			return err
		}
	}
}

// xmlElementToDoc reads one element subtree into a generic document.
// Repeated child tags collapse into lists; leaf elements become their
// trimmed text.
func xmlElementToDoc(dec *xml.Decoder, start xml.StartElement, idAttr string) (docstore.Doc, error) {
	doc := docstore.Doc{}
	for _, attr := range start.Attr {
		if attr.Name.Local == idAttr {
			doc["_id"] = attr.Value
		} else {
			doc[attr.Name.Local] = attr.Value
		}
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := xmlElementToDoc(dec, t, idAttr)
			if err != nil {
				return nil, err
			}
			var value any = child
			// leaf elements with only text collapse to a string
			if len(child) == 1 {
				if s, ok := child["#text"]; ok {
					value = s
				}
			}
			key := t.Name.Local
			switch existing := doc[key].(type) {
			case nil:
				doc[key] = value
			case []any:
				doc[key] = append(existing, value)
			default:
				doc[key] = []any{existing, value}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if s := strings.TrimSpace(text.String()); s != "" {
				if len(doc) == 0 {
					return docstore.Doc{"#text": s}, nil
				}
				doc["#text"] = s
			}
			return doc, nil
		}
	}
}
