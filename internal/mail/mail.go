// Package mail implements the Consumer and Producer's alert delivery
// (C17): one message per cycle batching every herr.Diagnostic raised,
// with the full digest attached (gzip-compressed when configured, left
// off when larger than the attachment size limit); once the digest
// reaches mailtext_maxsize the body points at the attachment instead of
// inlining it. Grounded directly on
// original_source/lib/utils/mail.py's Email.send/sendDiff, rebuilt
// around net/smtp and mime/multipart since no ecosystem mail client
// appears anywhere in the example pack (see DESIGN.md).
package mail

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"

	"github.com/DSIN-INSA-Strasbourg/hermes-go/internal/herr"
)

// Attachment is one MIME part attached to an alert mail.
type Attachment struct {
	Filename string
	Mimetype string
	Content  []byte
}

// Config is the subset of config.MailConfig this package needs, kept
// separate from internal/config so mail has no dependency on the YAML
// decoding layer.
type Config struct {
	AppName           string
	SMTPAddr          string
	From              string
	To                []string
	Compressed        bool
	AttachmentMaxSize int
	MailTextMaxSize   int
}

// Sender composes and delivers alert mails over SMTP.
type Sender struct {
	cfg Config
}

func New(cfg Config) *Sender { return &Sender{cfg: cfg} }

// Send delivers one mail with subject/content as its text/plain body,
// plus attachments, failing soft: any error is returned to the caller
// to log, exactly as the Python helper swallows send failures into a
// warning log rather than propagating them into the pipeline.
func (s *Sender) Send(subject, content string, attachments []Attachment) error {
	raw, err := s.build(subject, content, attachments)
	if err != nil {
		return fmt.Errorf("mail: build message: %w", err)
	}
	if err := smtp.SendMail(s.cfg.SMTPAddr, nil, s.cfg.From, s.cfg.To, raw); err != nil {
		return fmt.Errorf("mail: send %q: %w", subject, err)
	}
	return nil
}

func (s *Sender) build(subject, content string, attachments []Attachment) ([]byte, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(s.cfg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", w.Boundary())

	textHeader := textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	}
	textPart, err := w.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	qp := quotedprintable.NewWriter(textPart)
	if _, err := qp.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}

	for _, a := range attachments {
		header := textproto.MIMEHeader{
			"Content-Type":              {a.Mimetype},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Filename)},
			"Content-Transfer-Encoding": {"base64"},
		}
		part, err := w.CreatePart(header)
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Content); err != nil {
			return nil, err
		}
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SendDiagnostics composes one alert for every herr.Diagnostic raised
// in a cycle, the same "one mail batches all diagnostics" rule
// spec.md §7 describes. The digest is attached compressed when
// Config.Compressed is set, mirroring sendDiff's compress_attachments
// knob; the inline body falls back to a pointer-to-attachments message
// once the digest would exceed MailTextMaxSize.
func (s *Sender) SendDiagnostics(contentDesc string, diagnostics []*herr.Diagnostic) error {
	if len(diagnostics) == 0 {
		return nil
	}

	digest := renderDigest(diagnostics)
	subject := fmt.Sprintf("[%s] %s", s.cfg.AppName, contentDesc)

	var attachments []Attachment
	var toobig []string

	raw := []byte(digest)
	mimetype, ext, encoded := "text/plain", ".txt", raw
	if s.cfg.Compressed {
		compressed, err := gzipBytes(raw)
		if err != nil {
			return fmt.Errorf("mail: compress digest: %w", err)
		}
		mimetype, ext, encoded = "application/gzip", ".txt.gz", compressed
	}

	att := Attachment{Filename: "diagnostics" + ext, Mimetype: mimetype, Content: encoded}
	if s.cfg.AttachmentMaxSize > 0 && len(att.Content) > s.cfg.AttachmentMaxSize {
		toobig = append(toobig, att.Filename)
	} else {
		attachments = append(attachments, att)
	}

	var errmsg string
	if len(toobig) > 0 {
		errmsg = fmt.Sprintf("Some files were too big to be attached to mail: %v.\n\n", toobig)
	}

	var content string
	if s.cfg.MailTextMaxSize <= 0 || len(digest) < s.cfg.MailTextMaxSize {
		content = fmt.Sprintf("%s%s. Details:\n\n%s", errmsg, capitalize(contentDesc), digest)
	} else {
		content = fmt.Sprintf("%s%s. Details are too big to be displayed in mail content, please see attachments or log files.", errmsg, capitalize(contentDesc))
	}

	return s.Send(subject, content, attachments)
}

func renderDigest(diagnostics []*herr.Diagnostic) string {
	sorted := make([]*herr.Diagnostic, len(diagnostics))
	copy(sorted, diagnostics)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Type != sorted[j].Type {
			return sorted[i].Type < sorted[j].Type
		}
		return sorted[i].Pkey < sorted[j].Pkey
	})

	var b strings.Builder
	for _, d := range sorted {
		fmt.Fprintf(&b, "%s\n", d.Error())
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeBase64(w io.Writer, data []byte) error {
	enc := base64.NewEncoder(base64.StdEncoding, w)
	if _, err := enc.Write(data); err != nil {
		return err
	}
	return enc.Close()
}
