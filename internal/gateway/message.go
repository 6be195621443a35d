package gateway

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"time"

	"github.com/google/uuid"
)

// BuildMessage assembles an RFC 5322 multipart/alternative message with
// plain-text and HTML parts, the shape normal mail clients produce.
func BuildMessage(fromName, fromAddr string, out Outbound, now time.Time) ([]byte, error) {
	var buf bytes.Buffer

	from := mail.Address{Name: fromName, Address: fromAddr}
	to := mail.Address{Name: out.ToName, Address: out.To}

	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from.String())
	fmt.Fprintf(&buf, "To: %s\r\n", to.String())
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", out.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	fmt.Fprintf(&buf, "Message-ID: <%s@mailfleet>\r\n", uuid.NewString())
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&buf, "\r\n")

	if err := writePart(mw, "text/plain; charset=utf-8", out.Text); err != nil {
		return nil, err
	}
	if out.HTML != "" {
		if err := writePart(mw, "text/html; charset=utf-8", out.HTML); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	header := map[string][]string{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	}
	part, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create message part: %w", err)
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := qp.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write message part: %w", err)
	}
	return qp.Close()
}
