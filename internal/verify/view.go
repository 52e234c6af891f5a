package verify

import (
	"net/url"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"provenance.org/internal/ledger"
)

// QRPayloadPrefix marks the compact label form of a token.
const QRPayloadPrefix = "PP1:"

// View is the verification-safe projection of a passport. It never carries the
// internal id or the order id.
type View struct {
	Token           string           `json:"token"`
	CreatedAt       time.Time        `json:"created_at"`
	Origin          string           `json:"origin,omitempty"`
	Fabric          string           `json:"fabric,omitempty"`
	Artisan         string           `json:"artisan,omitempty"`
	Certification   string           `json:"certification,omitempty"`
	Product         any              `json:"product,omitempty"`
	MetadataVersion int              `json:"metadata_version"`
	OwnershipLog    []LogEntry       `json:"ownership_log"`
	ChainIntegrity  ledger.Integrity `json:"chain_integrity"`
	QR              QR               `json:"qr"`
}

// LogEntry is one public custody entry. Hashes are included so a holder can
// re-verify the chain independently.
type LogEntry struct {
	Sequence   uint64           `json:"sequence"`
	Kind       ledger.EventKind `json:"event_kind"`
	Actor      string           `json:"actor_reference"`
	OccurredAt time.Time        `json:"occurred_at"`
	PriorHash  ledger.Digest    `json:"prior_hash"`
	EntryHash  ledger.Digest    `json:"entry_hash"`
}

// QR is what gets printed on the product label.
type QR struct {
	URL     string `json:"url"`
	Payload string `json:"payload"`
}

// BuildQR derives the canonical verification URL and compact payload for token.
func BuildQR(baseURL, token string) QR {
	base := strings.TrimRight(baseURL, "/")
	return QR{
		URL:     base + "/v1/verify/" + url.PathEscape(token),
		Payload: QRPayloadPrefix + token,
	}
}

// ParseQRPayload extracts the token from a scanned label, accepting either the
// compact payload or the verification URL.
func ParseQRPayload(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(strings.ToUpper(raw), QRPayloadPrefix) {
		tok := ledger.NormalizeToken(raw[len(QRPayloadPrefix):])
		return tok, tok != ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "", false
	}
	const marker = "/v1/verify/"
	i := strings.LastIndex(u.Path, marker)
	if i < 0 {
		return "", false
	}
	tok := ledger.NormalizeToken(strings.Trim(u.Path[i+len(marker):], "/"))
	return tok, tok != ""
}

// RenderQR encodes the verification URL of token as a PNG image.
func RenderQR(baseURL, token string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(BuildQR(baseURL, token).URL, qrcode.Medium, size)
}

func redact(rec ledger.Record, report ledger.ChainReport, baseURL string) *View {
	p := rec.Passport
	v := &View{
		Token:           p.Token,
		CreatedAt:       p.CreatedAt,
		Origin:          p.Metadata.String("origin"),
		Fabric:          p.Metadata.String("fabric"),
		Artisan:         p.Metadata.String("artisan"),
		Certification:   p.Metadata.String("certification"),
		MetadataVersion: p.MetadataVersion,
		ChainIntegrity:  report.Integrity,
		QR:              BuildQR(baseURL, p.Token),
		OwnershipLog:    make([]LogEntry, 0, len(rec.Events)),
	}
	if product, ok := p.Metadata["product"]; ok {
		v.Product = product
	}
	for _, e := range rec.Events {
		v.OwnershipLog = append(v.OwnershipLog, LogEntry{
			Sequence:   e.Sequence,
			Kind:       e.Kind,
			Actor:      e.ActorReference,
			OccurredAt: e.OccurredAt,
			PriorHash:  e.PriorHash,
			EntryHash:  e.EntryHash,
		})
	}
	return v
}
