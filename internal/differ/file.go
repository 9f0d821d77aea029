package differ

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/bioforge/datahub/internal/docstore"
	"github.com/bioforge/datahub/internal/foundation"
)

// Diff file framing: a fixed header followed by a gzipped JSON payload.
// The CRC covers the compressed payload so truncated or corrupted files
// are rejected before any patch is applied.
const (
	fileMagic   = "DHDF"
	fileVersion = 1
	algoJSONDiff = 1
)

// PatchOp pairs a document id with its RFC 6902 patch.
type PatchOp struct {
	ID    string          `json:"_id"`
	Patch json.RawMessage `json:"patch"`
}

// Payload is the content of one diff file. Self-contained diffs embed
// added documents in Add; patch-only diffs carry AddIDs instead.
type Payload struct {
	Add    []docstore.Doc `json:"add,omitempty"`
	AddIDs []string       `json:"add_ids,omitempty"`
	Update []PatchOp      `json:"update,omitempty"`
	Delete []string       `json:"delete,omitempty"`
}

// Empty reports whether the payload holds no changes.
func (p *Payload) Empty() bool {
	return len(p.Add) == 0 && len(p.AddIDs) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

// Count returns the number of changes in the payload.
func (p *Payload) Count() int {
	return len(p.Add) + len(p.AddIDs) + len(p.Update) + len(p.Delete)
}

// WriteFile frames and writes one diff payload, returning the file's MD5.
func WriteFile(path string, p *Payload) (string, error) {
	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	if err := json.NewEncoder(gz).Encode(p); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}

	var frame bytes.Buffer
	frame.WriteString(fileMagic)
	frame.WriteByte(fileVersion)
	frame.WriteByte(algoJSONDiff)
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], crc32.ChecksumIEEE(body.Bytes()))
	frame.Write(crc[:])
	frame.Write(body.Bytes())

	if err := os.WriteFile(path, frame.Bytes(), 0o644); err != nil {
		return "", err
	}
	sum := md5.Sum(frame.Bytes())
	return hex.EncodeToString(sum[:]), nil
}

// ReadFile verifies and decodes one diff file.
func ReadFile(path string) (*Payload, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 10 || string(raw[:4]) != fileMagic {
		return nil, foundation.DataIntegrity("not a diff file").WithPath(path).Build()
	}
	if raw[4] != fileVersion {
		return nil, foundation.DataIntegrity(fmt.Sprintf("unsupported diff file version %d", raw[4])).
			WithPath(path).Build()
	}
	want := binary.BigEndian.Uint32(raw[6:10])
	body := raw[10:]
	if crc32.ChecksumIEEE(body) != want {
		return nil, foundation.DataIntegrity("diff file checksum mismatch").WithPath(path).Build()
	}

	gz, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	decoded, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var p Payload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
